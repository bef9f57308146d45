package negotiation

import "github.com/pion/webrtc/v4"

// PathType is how media flows once connected.
type PathType int

const (
	PathUnknown PathType = iota
	PathDirect
	PathRelay
)

func (p PathType) String() string {
	switch p {
	case PathDirect:
		return "p2p"
	case PathRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// ProbePath inspects the selected candidate pair. A definite answer is
// cached until the next ICE restart.
func (c *Coordinator) ProbePath() PathType {
	if c.probed {
		return c.path
	}
	if c.closed {
		return PathUnknown
	}
	p := ClassifyPath(c.pc.GetStats())
	if p != PathUnknown {
		c.path = p
		c.probed = true
		c.log.Info("media path selected", "path", p.String())
	}
	return p
}

// ClassifyPath finds a succeeded candidate pair in report, preferring a
// nominated one, and reports relay if either end is a relay candidate.
func ClassifyPath(report webrtc.StatsReport) PathType {
	candidates := make(map[string]webrtc.ICECandidateStats)
	var pairs []webrtc.ICECandidatePairStats
	for _, st := range report {
		switch v := st.(type) {
		case webrtc.ICECandidateStats:
			candidates[v.ID] = v
		case *webrtc.ICECandidateStats:
			candidates[v.ID] = *v
		case webrtc.ICECandidatePairStats:
			pairs = append(pairs, v)
		case *webrtc.ICECandidatePairStats:
			pairs = append(pairs, *v)
		}
	}

	var selected *webrtc.ICECandidatePairStats
	for i := range pairs {
		p := &pairs[i]
		if p.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		if selected == nil || (p.Nominated && !selected.Nominated) {
			selected = p
		}
	}
	if selected == nil {
		return PathUnknown
	}

	local, okL := candidates[selected.LocalCandidateID]
	remote, okR := candidates[selected.RemoteCandidateID]
	if !okL && !okR {
		return PathUnknown
	}
	if (okL && local.CandidateType == webrtc.ICECandidateTypeRelay) ||
		(okR && remote.CandidateType == webrtc.ICECandidateTypeRelay) {
		return PathRelay
	}
	return PathDirect
}
