package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/prchen818/MicLink/internal/negotiation"
	"github.com/prchen818/MicLink/internal/protocol"
)

// Signaler is the part of the signaling client the machine talks through.
type Signaler interface {
	negotiation.Signaler
	Call(to string, mode protocol.ConnectionMode, quality protocol.AudioQuality) error
	Respond(to string, accepted bool) error
	Hangup(to string) error
}

// Peer is one call's media session.
type Peer interface {
	negotiation.PeerConnection
	ICEGatheringState() webrtc.ICEGatheringState
	SignalingState() webrtc.SignalingState
}

// PeerHandlers receive media engine callbacks. They may be called from any
// goroutine and must not block.
type PeerHandlers struct {
	OnLocalCandidate     func(*webrtc.ICECandidate)
	OnICEConnectionState func(webrtc.ICEConnectionState)
	OnSignalingState     func(webrtc.SignalingState)
}

// EngineFactory creates the media session for a call. Closing the returned
// Peer releases it.
type EngineFactory interface {
	NewPeer(s Session, h PeerHandlers) (Peer, error)
}

// AudioDevice is the local capture and playback path.
type AudioDevice interface {
	Start() error
	Stop()
}
