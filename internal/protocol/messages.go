package protocol

import (
	"fmt"
	"strings"
)

type Type string

const (
	TypeJoin         Type = "join"
	TypeLeave        Type = "leave"
	TypeUserList     Type = "user_list"
	TypeCall         Type = "call"
	TypeCallResponse Type = "call_response"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice_candidate"
	TypeHangup       Type = "hangup"
	TypeError        Type = "error"
)

// ConnectionMode selects which ICE paths a call may use.
type ConnectionMode string

const (
	ModeAuto      ConnectionMode = "auto"
	ModeP2POnly   ConnectionMode = "p2p_only"
	ModeRelayOnly ConnectionMode = "relay_only"
)

// ParseConnectionMode is strict; the wire decoder falls back to ModeAuto
// instead.
func ParseConnectionMode(raw string) (ConnectionMode, error) {
	switch ConnectionMode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeAuto:
		return ModeAuto, nil
	case ModeP2POnly:
		return ModeP2POnly, nil
	case ModeRelayOnly:
		return ModeRelayOnly, nil
	default:
		return "", fmt.Errorf("invalid connection mode %q (expected %s, %s, or %s)", raw, ModeAuto, ModeP2POnly, ModeRelayOnly)
	}
}

type AudioQuality string

const (
	QualityLow    AudioQuality = "low"
	QualityMedium AudioQuality = "medium"
	QualityHigh   AudioQuality = "high"
)

func ParseAudioQuality(raw string) (AudioQuality, error) {
	switch AudioQuality(strings.ToLower(strings.TrimSpace(raw))) {
	case QualityLow:
		return QualityLow, nil
	case QualityMedium:
		return QualityMedium, nil
	case QualityHigh:
		return QualityHigh, nil
	default:
		return "", fmt.Errorf("invalid audio quality %q (expected %s, %s, or %s)", raw, QualityLow, QualityMedium, QualityHigh)
	}
}

// Bitrate is the target Opus bitrate in bits/sec.
func (q AudioQuality) Bitrate() int {
	switch q {
	case QualityLow:
		return 32_000
	case QualityHigh:
		return 128_000
	default:
		return 64_000
	}
}

// SampleRate is the capture rate the profile was tuned for.
func (q AudioQuality) SampleRate() int {
	switch q {
	case QualityLow:
		return 8_000
	case QualityHigh:
		return 48_000
	default:
		return 16_000
	}
}

// Message is one of the variants below. The set is closed.
type Message interface {
	Type() Type
	// Target is the recipient user id, empty for undirected messages.
	Target() string
	message()
}

type Join struct{}

type Leave struct{}

type UserList struct {
	Users []string
}

type Call struct {
	To      string
	Mode    ConnectionMode
	Quality AudioQuality
}

type CallResponse struct {
	To       string
	Accepted bool
}

type Offer struct {
	To  string
	SDP string
}

type Answer struct {
	To  string
	SDP string
}

// ICECandidate carries one trickled candidate. SDPMid and SDPMLineIndex
// are nil when the sender did not provide them.
type ICECandidate struct {
	To            string
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

type Hangup struct {
	To string
}

// ServerError is only ever sent by the server.
type ServerError struct {
	Message string
}

func (Join) Type() Type         { return TypeJoin }
func (Leave) Type() Type        { return TypeLeave }
func (UserList) Type() Type     { return TypeUserList }
func (Call) Type() Type         { return TypeCall }
func (CallResponse) Type() Type { return TypeCallResponse }
func (Offer) Type() Type        { return TypeOffer }
func (Answer) Type() Type       { return TypeAnswer }
func (ICECandidate) Type() Type { return TypeICECandidate }
func (Hangup) Type() Type       { return TypeHangup }
func (ServerError) Type() Type  { return TypeError }

func (Join) Target() string           { return "" }
func (Leave) Target() string          { return "" }
func (UserList) Target() string       { return "" }
func (m Call) Target() string         { return m.To }
func (m CallResponse) Target() string { return m.To }
func (m Offer) Target() string        { return m.To }
func (m Answer) Target() string       { return m.To }
func (m ICECandidate) Target() string { return m.To }
func (m Hangup) Target() string       { return m.To }
func (ServerError) Target() string    { return "" }

func (Join) message()         {}
func (Leave) message()        {}
func (UserList) message()     {}
func (Call) message()         {}
func (CallResponse) message() {}
func (Offer) message()        {}
func (Answer) message()       {}
func (ICECandidate) message() {}
func (Hangup) message()       {}
func (ServerError) message()  {}

// Directed reports whether messages of type t must name a recipient.
func Directed(t Type) bool {
	switch t {
	case TypeCall, TypeCallResponse, TypeOffer, TypeAnswer, TypeICECandidate, TypeHangup:
		return true
	default:
		return false
	}
}
