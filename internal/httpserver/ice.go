package httpserver

import (
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/prchen818/MicLink/internal/auth"
	"github.com/prchen818/MicLink/internal/metrics"
	"github.com/prchen818/MicLink/internal/turnrest"
)

// HeaderUserID names the caller when asking /ice for TURN credentials.
const HeaderUserID = "X-MicLink-User"

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	s.deps.Metrics.Inc(metrics.ICERequests)

	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	// Cached responses could outlive short-lived TURN credentials.
	w.Header().Set("Cache-Control", "no-store")

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.deps.TURN != nil {
		creds, err := s.deps.TURN.ForUser(iceUserID(r, p))
		if err != nil {
			s.log.Error("turn rest credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to issue TURN credentials"})
			return
		}
		servers = turnrest.Apply(servers, creds)
		s.deps.Metrics.Inc(metrics.TURNCredsIssued)
	}
	WriteJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
}

func iceUserID(r *http.Request, p auth.Principal) string {
	if p.Subject != "" {
		return p.Subject
	}
	if v := strings.TrimSpace(r.Header.Get(HeaderUserID)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("user"))
}
