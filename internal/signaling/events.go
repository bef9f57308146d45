package signaling

import "github.com/prchen818/MicLink/internal/protocol"

// ChannelEvent is emitted by Channel. The set is closed.
type ChannelEvent interface{ channelEvent() }

type ChannelConnected struct{}

// ChannelDisconnected reports that an open socket went away. Err is nil for
// a clean close.
type ChannelDisconnected struct{ Err error }

type ChannelMessage struct{ Data []byte }

type ChannelError struct{ Err error }

func (ChannelConnected) channelEvent()    {}
func (ChannelDisconnected) channelEvent() {}
func (ChannelMessage) channelEvent()      {}
func (ChannelError) channelEvent()        {}

// Event is a typed domain event surfaced by Client.
type Event interface{ event() }

type IncomingCall struct {
	From    string
	Mode    protocol.ConnectionMode
	Quality protocol.AudioQuality
}

type CallAccepted struct{ From string }

type CallRejected struct{ From string }

type OfferReceived struct {
	From string
	SDP  string
}

type AnswerReceived struct {
	From string
	SDP  string
}

type CandidateReceived struct {
	From      string
	Candidate protocol.ICECandidate
}

type PeerHangup struct{ From string }

// RosterUpdated carries the new roster, self excluded, sorted.
type RosterUpdated struct{ Users []string }

// ProtocolError reports an inbound frame that could not be decoded. The
// connection stays up.
type ProtocolError struct{ Err error }

func (IncomingCall) event()      {}
func (CallAccepted) event()      {}
func (CallRejected) event()      {}
func (OfferReceived) event()     {}
func (AnswerReceived) event()    {}
func (CandidateReceived) event() {}
func (PeerHangup) event()        {}
func (RosterUpdated) event()     {}
func (ProtocolError) event()     {}

type ConnStatus int

const (
	StatusDisconnected ConnStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnState is the presence connection status. Reason is set for
// StatusError.
type ConnState struct {
	Status ConnStatus
	Reason string
}
