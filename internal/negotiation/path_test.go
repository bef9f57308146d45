package negotiation

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func pairReport(state webrtc.StatsICECandidatePairState, local, remote webrtc.ICECandidateType) webrtc.StatsReport {
	return webrtc.StatsReport{
		"L": webrtc.ICECandidateStats{ID: "L", Type: webrtc.StatsTypeLocalCandidate, CandidateType: local},
		"R": webrtc.ICECandidateStats{ID: "R", Type: webrtc.StatsTypeRemoteCandidate, CandidateType: remote},
		"P": webrtc.ICECandidatePairStats{
			ID:                "P",
			Type:              webrtc.StatsTypeCandidatePair,
			LocalCandidateID:  "L",
			RemoteCandidateID: "R",
			State:             state,
			Nominated:         true,
		},
	}
}

func TestClassifyPath(t *testing.T) {
	succeeded := webrtc.StatsICECandidatePairStateSucceeded
	cases := []struct {
		name   string
		report webrtc.StatsReport
		want   PathType
	}{
		{"host pair", pairReport(succeeded, webrtc.ICECandidateTypeHost, webrtc.ICECandidateTypeHost), PathDirect},
		{"srflx pair", pairReport(succeeded, webrtc.ICECandidateTypeSrflx, webrtc.ICECandidateTypePrflx), PathDirect},
		{"local relay", pairReport(succeeded, webrtc.ICECandidateTypeRelay, webrtc.ICECandidateTypeHost), PathRelay},
		{"remote relay", pairReport(succeeded, webrtc.ICECandidateTypeSrflx, webrtc.ICECandidateTypeRelay), PathRelay},
		{"not succeeded", pairReport(webrtc.StatsICECandidatePairStateInProgress, webrtc.ICECandidateTypeHost, webrtc.ICECandidateTypeHost), PathUnknown},
		{"empty", webrtc.StatsReport{}, PathUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyPath(tc.report); got != tc.want {
				t.Fatalf("ClassifyPath=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestProbePathCachesDefiniteAnswer(t *testing.T) {
	pc := &fakePC{stats: webrtc.StatsReport{}}
	c := New(pc, &fakeSignaler{}, "bob", nil)

	if got := c.ProbePath(); got != PathUnknown {
		t.Fatalf("ProbePath=%v, want unknown", got)
	}

	pc.stats = pairReport(webrtc.StatsICECandidatePairStateSucceeded, webrtc.ICECandidateTypeRelay, webrtc.ICECandidateTypeHost)
	if got := c.ProbePath(); got != PathRelay {
		t.Fatalf("ProbePath=%v, want relay", got)
	}

	pc.stats = pairReport(webrtc.StatsICECandidatePairStateSucceeded, webrtc.ICECandidateTypeHost, webrtc.ICECandidateTypeHost)
	if got := c.ProbePath(); got != PathRelay {
		t.Fatalf("ProbePath=%v, want cached relay", got)
	}
}
