package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/prchen818/MicLink/internal/auth"
	"github.com/prchen818/MicLink/internal/config"
	"github.com/prchen818/MicLink/internal/metrics"
	"github.com/prchen818/MicLink/internal/origin"
	"github.com/prchen818/MicLink/internal/policy"
	"github.com/prchen818/MicLink/internal/presence"
	"github.com/prchen818/MicLink/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

// Client-supplied request IDs longer than this are replaced.
const maxRequestIDLen = 128

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Deps are the components behind the routes. Hub and Verifier are
// required; the rest may be nil.
type Deps struct {
	Hub      *presence.Hub
	Verifier auth.Verifier
	Policy   *policy.ClientPolicy
	TURN     *turnrest.Generator
	Metrics  *metrics.Metrics
}

type Server struct {
	log   *slog.Logger
	cfg   config.Server
	build BuildInfo
	deps  Deps

	origins origin.Policy

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Server, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		deps:  deps,
		mux:   http.NewServeMux(),

		origins: origin.NewPolicy(cfg.AllowedOrigins),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// No read/write timeouts: /ws connections are long-lived.
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

// Shutdown stops accepting requests and disconnects signaling clients.
// Hijacked WebSocket connections are not tracked by http.Server, so the hub
// closes them itself.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "online_users": s.onlineUsers()})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.deps.Metrics, map[string]func() int{
		"online_users": s.onlineUsers,
	}))

	s.mux.HandleFunc("GET /ice", s.withOriginPolicy(s.withClientGuard(s.handleICE)))

	s.mux.HandleFunc("GET /users", s.withOriginPolicy(s.withClientGuard(func(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
		users := []string{}
		if s.deps.Hub != nil {
			users = s.deps.Hub.Users()
		}
		WriteJSON(w, http.StatusOK, map[string]any{"users": users})
	})))

	s.mux.HandleFunc("GET /ws", s.withOriginPolicy(s.withClientGuard(func(w http.ResponseWriter, r *http.Request, p auth.Principal) {
		if s.deps.Hub == nil {
			http.Error(w, "signaling not configured", http.StatusServiceUnavailable)
			return
		}
		s.deps.Hub.ServeWS(w, r, p)
	})))
}

func (s *Server) onlineUsers() int {
	if s.deps.Hub == nil {
		return 0
	}
	return s.deps.Hub.Count()
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
			if reqID == "" || len(reqID) > maxRequestIDLen {
				reqID = uuid.NewString()
			}
			r.Header.Set("X-Request-ID", reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isWebSocketUpgrade(r) {
				// statusWriter would hide http.Hijacker from the upgrader.
				start := time.Now()
				next.ServeHTTP(w, r)
				logger.Info("ws_session",
					"path", r.URL.Path,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote_addr", r.RemoteAddr,
					"request_id", r.Header.Get("X-Request-ID"),
				)
				return
			}
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}
