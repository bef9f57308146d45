package call

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/prchen818/MicLink/internal/negotiation"
	"github.com/prchen818/MicLink/internal/protocol"
)

// State is one of Idle, Ringing, Connecting, Connected or Error.
type State interface {
	fmt.Stringer
	state()
}

type Idle struct{}

type Ringing struct {
	PeerID   string
	Incoming bool
}

// Connecting carries the media engine sub-states while the path is being
// established.
type Connecting struct {
	PeerID    string
	ICE       webrtc.ICEConnectionState
	Signaling webrtc.SignalingState
	Gathering webrtc.ICEGatheringState
}

type Connected struct {
	PeerID string
	Path   negotiation.PathType
}

// Error is published once before the machine returns to Idle.
type Error struct {
	Reason string
}

func (Idle) state()       {}
func (Ringing) state()    {}
func (Connecting) state() {}
func (Connected) state()  {}
func (Error) state()      {}

func (Idle) String() string { return "idle" }

func (s Ringing) String() string {
	if s.Incoming {
		return "ringing(incoming from " + s.PeerID + ")"
	}
	return "ringing(outgoing to " + s.PeerID + ")"
}

func (s Connecting) String() string {
	return fmt.Sprintf("connecting(%s ice=%s signaling=%s gathering=%s)", s.PeerID, s.ICE, s.Signaling, s.Gathering)
}

func (s Connected) String() string {
	return fmt.Sprintf("connected(%s via %s)", s.PeerID, s.Path)
}

func (s Error) String() string { return "error(" + s.Reason + ")" }

type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Session describes the call in progress. It exists from the first ring
// until the machine is back in Idle.
type Session struct {
	ID          string
	LocalUserID string
	PeerUserID  string
	Direction   Direction
	Mode        protocol.ConnectionMode
	Quality     protocol.AudioQuality
	CreatedAt   time.Time
}
