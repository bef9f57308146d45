package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed     = errors.New("protocol: malformed message")
	ErrUnknownType   = errors.New("protocol: unknown message type")
	ErrMissingSender = errors.New("protocol: missing sender")
	ErrMissingTarget = errors.New("protocol: missing target")
)

// Envelope is a decoded frame. From is whatever the server asserted.
type Envelope struct {
	From    string
	Message Message
}

type wireMessage struct {
	Type    Type            `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type userListPayload struct {
	Users []string `json:"users"`
}

type callPayload struct {
	Mode    ConnectionMode `json:"mode"`
	Quality AudioQuality   `json:"quality"`
}

type callResponsePayload struct {
	Accepted bool `json:"accepted"`
}

type sdpPayload struct {
	SDP string `json:"sdp"`
}

type candidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// Encode serializes m with from as the sender. from may only be empty for
// server-originated messages (user_list, error).
func Encode(from string, m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	if from == "" && !serverOriginated(m.Type()) {
		return nil, ErrMissingSender
	}
	if Directed(m.Type()) && m.Target() == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingTarget, m.Type())
	}

	var payload any
	switch v := m.(type) {
	case Join, Leave, Hangup:
	case UserList:
		users := v.Users
		if users == nil {
			users = []string{}
		}
		payload = userListPayload{Users: users}
	case Call:
		payload = callPayload{Mode: v.Mode.orDefault(), Quality: v.Quality.orDefault()}
	case CallResponse:
		payload = callResponsePayload{Accepted: v.Accepted}
	case Offer:
		payload = sdpPayload{SDP: v.SDP}
	case Answer:
		payload = sdpPayload{SDP: v.SDP}
	case ICECandidate:
		payload = candidatePayload{Candidate: v.Candidate, SDPMid: v.SDPMid, SDPMLineIndex: v.SDPMLineIndex}
	case ServerError:
		payload = errorPayload{Message: v.Message}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}

	w := wireMessage{Type: m.Type(), From: from, To: m.Target()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

// Decode parses one inbound frame. Unknown fields are ignored; missing
// optional payload fields take their documented defaults.
func Decode(data []byte) (Envelope, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	env := Envelope{From: w.From}
	switch w.Type {
	case TypeJoin:
		env.Message = Join{}
	case TypeLeave:
		env.Message = Leave{}
	case TypeHangup:
		env.Message = Hangup{To: w.To}
	case TypeUserList:
		var p userListPayload
		if err := decodePayload(w, &p); err != nil {
			return Envelope{}, err
		}
		env.Message = UserList{Users: p.Users}
	case TypeCall:
		var p callPayload
		if err := decodePayload(w, &p); err != nil {
			return Envelope{}, err
		}
		env.Message = Call{To: w.To, Mode: p.Mode.orDefault(), Quality: p.Quality.orDefault()}
	case TypeCallResponse:
		var p callResponsePayload
		if err := decodePayload(w, &p); err != nil {
			return Envelope{}, err
		}
		env.Message = CallResponse{To: w.To, Accepted: p.Accepted}
	case TypeOffer, TypeAnswer:
		var p sdpPayload
		if err := decodePayload(w, &p); err != nil {
			return Envelope{}, err
		}
		if p.SDP == "" {
			return Envelope{}, fmt.Errorf("%w: %s without sdp", ErrMalformed, w.Type)
		}
		if w.Type == TypeOffer {
			env.Message = Offer{To: w.To, SDP: p.SDP}
		} else {
			env.Message = Answer{To: w.To, SDP: p.SDP}
		}
	case TypeICECandidate:
		var p candidatePayload
		if err := decodePayload(w, &p); err != nil {
			return Envelope{}, err
		}
		env.Message = ICECandidate{To: w.To, Candidate: p.Candidate, SDPMid: p.SDPMid, SDPMLineIndex: p.SDPMLineIndex}
	case TypeError:
		var p errorPayload
		if err := decodePayload(w, &p); err != nil {
			return Envelope{}, err
		}
		if p.Message == "" {
			p.Message = "unknown server error"
		}
		env.Message = ServerError{Message: p.Message}
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
	return env, nil
}

func decodePayload(w wireMessage, v any) error {
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(w.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, w.Type, err)
	}
	return nil
}

func serverOriginated(t Type) bool {
	return t == TypeUserList || t == TypeError
}

func (m ConnectionMode) orDefault() ConnectionMode {
	switch m {
	case ModeAuto, ModeP2POnly, ModeRelayOnly:
		return m
	default:
		return ModeAuto
	}
}

func (q AudioQuality) orDefault() AudioQuality {
	switch q {
	case QualityLow, QualityMedium, QualityHigh:
		return q
	default:
		return QualityMedium
	}
}
