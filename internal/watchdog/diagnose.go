package watchdog

import (
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/prchen818/MicLink/internal/protocol"
)

const (
	SuggestRelayUnavailable = "TURN server unreachable or credentials rejected; verify TURN URL, username and password"
	SuggestNoReflexive      = "STUN server unreachable or symmetric NAT; try auto or relay_only mode"
	SuggestNoCandidates     = "no reflexive or relay candidates; check network connectivity and DNS"
	SuggestNATIncompatible  = "NAT traversal failed and no relay available; possible NAT incompatibility or firewall, configure TURN"
	SuggestRelayFailed      = "relay candidates were gathered but the connection still failed; check TURN server load and reachability"
	SuggestGeneric          = "connectivity failed; see candidate summary"
)

// Snapshot is the connectivity picture at diagnosis time.
type Snapshot struct {
	ICE       webrtc.ICEConnectionState
	Gathering webrtc.ICEGatheringState
	Signaling webrtc.SignalingState

	TotalCandidates int
	HasHost         bool
	HasSrflx        bool
	HasRelay        bool
}

// SnapshotFromStats fills the candidate summary from the local candidates in
// report.
func SnapshotFromStats(ice webrtc.ICEConnectionState, gathering webrtc.ICEGatheringState, sig webrtc.SignalingState, report webrtc.StatsReport) Snapshot {
	s := Snapshot{ICE: ice, Gathering: gathering, Signaling: sig}
	for _, st := range report {
		var c webrtc.ICECandidateStats
		switch v := st.(type) {
		case webrtc.ICECandidateStats:
			c = v
		case *webrtc.ICECandidateStats:
			c = *v
		default:
			continue
		}
		if c.Type != webrtc.StatsTypeLocalCandidate {
			continue
		}
		s.TotalCandidates++
		switch c.CandidateType {
		case webrtc.ICECandidateTypeHost:
			s.HasHost = true
		case webrtc.ICECandidateTypeSrflx, webrtc.ICECandidateTypePrflx:
			s.HasSrflx = true
		case webrtc.ICECandidateTypeRelay:
			s.HasRelay = true
		}
	}
	return s
}

type Report struct {
	Mode       protocol.ConnectionMode
	Snapshot   Snapshot
	Suggestion string
}

func (r Report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("mode", string(r.Mode)),
		slog.String("ice", r.Snapshot.ICE.String()),
		slog.String("gathering", r.Snapshot.Gathering.String()),
		slog.String("signaling", r.Snapshot.Signaling.String()),
		slog.Int("candidates", r.Snapshot.TotalCandidates),
		slog.Bool("host", r.Snapshot.HasHost),
		slog.Bool("srflx", r.Snapshot.HasSrflx),
		slog.Bool("relay", r.Snapshot.HasRelay),
		slog.String("suggestion", r.Suggestion),
	)
}

// Diagnose logs a report for s and returns it.
func (w *Watchdog) Diagnose(s Snapshot) Report {
	r := Report{Mode: w.cfg.Mode, Snapshot: s, Suggestion: Suggest(w.cfg.Mode, s)}
	w.log.Warn("connectivity diagnostics", "report", r)
	return r
}

// Suggest picks the hint that best explains a failure in mode.
func Suggest(mode protocol.ConnectionMode, s Snapshot) string {
	switch mode {
	case protocol.ModeRelayOnly:
		if !s.HasRelay {
			return SuggestRelayUnavailable
		}
	case protocol.ModeP2POnly:
		if !s.HasSrflx {
			return SuggestNoReflexive
		}
	default:
		switch {
		case s.HasRelay:
			return SuggestRelayFailed
		case s.HasSrflx:
			return SuggestNATIncompatible
		default:
			return SuggestNoCandidates
		}
	}
	return SuggestGeneric
}
