package httpserver

import (
	"errors"
	"net/http"

	"github.com/prchen818/MicLink/internal/auth"
	"github.com/prchen818/MicLink/internal/metrics"
)

type guardedHandler func(w http.ResponseWriter, r *http.Request, p auth.Principal)

// withClientGuard applies the IP allowlist and then the credential check.
func (s *Server) withClientGuard(next guardedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Policy.AllowRequest(r); err != nil {
			s.deps.Metrics.Inc(metrics.IPDenied)
			s.log.Warn("client rejected", "remote_addr", r.RemoteAddr, "path", r.URL.Path, "err", err)
			WriteJSON(w, http.StatusForbidden, map[string]any{"error": "Access denied: IP not in whitelist"})
			return
		}

		p, err := s.authenticate(r)
		if err != nil {
			s.deps.Metrics.Inc(metrics.AuthFailed)
			s.log.Warn("client unauthorized", "remote_addr", r.RemoteAddr, "path", r.URL.Path, "err", err)
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "Invalid API key"})
			return
		}
		next(w, r, p)
	}
}

func (s *Server) authenticate(r *http.Request) (auth.Principal, error) {
	if s.deps.Verifier == nil {
		if s.cfg.AuthMode == "" {
			return auth.Principal{}, nil
		}
		return auth.Principal{}, errors.New("no verifier configured")
	}
	return auth.Authenticate(s.deps.Verifier, s.cfg.AuthMode, r)
}
