package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prchen818/MicLink/internal/protocol"
)

var ErrEmptyTarget = errors.New("signaling: empty target user id")

type ClientConfig struct {
	Channel ChannelConfig
	Logger  *slog.Logger
}

// Client speaks the presence protocol over a Channel: it keeps the roster,
// turns inbound frames into typed events and stamps outbound frames with
// the local user id.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	events chan Event
	states chan ConnState

	mu     sync.Mutex
	ch     *Channel
	selfID string
	roster *Roster
	state  ConnState
	done   chan struct{}
}

func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Channel.Logger == nil {
		cfg.Channel.Logger = logger
	}
	return &Client{
		cfg:    cfg,
		log:    logger.With("component", "signaling_client"),
		events: make(chan Event, 64),
		states: make(chan ConnState, 16),
		roster: NewRoster(""),
	}
}

// Connect opens the presence connection as selfID. Reconnects after that
// are automatic until Disconnect.
func (c *Client) Connect(ctx context.Context, selfID string) error {
	if selfID == "" {
		return ErrEmptyUserID
	}

	c.mu.Lock()
	if c.ch != nil {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	ch := NewChannel(c.cfg.Channel)
	c.ch = ch
	c.selfID = selfID
	c.roster = NewRoster(selfID)
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	c.setState(ConnState{Status: StatusConnecting})
	stream, err := ch.Open(ctx, selfID)
	if err != nil {
		c.mu.Lock()
		c.ch = nil
		c.mu.Unlock()
		close(done)
		c.setState(ConnState{Status: StatusError, Reason: err.Error()})
		return err
	}
	go c.pump(ch, stream, done)
	return nil
}

// Disconnect says goodbye to the server when possible and closes the
// channel without reconnecting.
func (c *Client) Disconnect() {
	c.mu.Lock()
	ch := c.ch
	done := c.done
	c.ch = nil
	c.done = nil
	c.mu.Unlock()
	if ch == nil {
		return
	}

	if err := c.sendOn(ch, protocol.Leave{}); err != nil && !errors.Is(err, ErrNotConnected) {
		c.log.Debug("failed to send leave", "err", err)
	}
	_ = ch.Close()
	close(done)
	c.currentRoster().Clear()
	c.setState(ConnState{Status: StatusDisconnected})
}

// detach forgets ch after it stopped on its own, e.g. when the Connect
// context was cancelled. It is a no-op if Disconnect got there first.
func (c *Client) detach(ch *Channel) {
	c.mu.Lock()
	if c.ch != ch {
		c.mu.Unlock()
		return
	}
	done := c.done
	c.ch = nil
	c.done = nil
	c.mu.Unlock()

	close(done)
	c.currentRoster().Clear()
	c.setState(ConnState{Status: StatusDisconnected})
}

func (c *Client) Events() <-chan Event { return c.events }

// States delivers connection status changes. Updates are dropped when the
// consumer falls behind; State always has the latest value.
func (c *Client) States() <-chan ConnState { return c.states }

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Roster() []string { return c.currentRoster().Users() }

func (c *Client) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

func (c *Client) Call(to string, mode protocol.ConnectionMode, quality protocol.AudioQuality) error {
	return c.send(protocol.Call{To: to, Mode: mode, Quality: quality})
}

func (c *Client) Respond(to string, accepted bool) error {
	return c.send(protocol.CallResponse{To: to, Accepted: accepted})
}

func (c *Client) SendOffer(to, sdp string) error {
	return c.send(protocol.Offer{To: to, SDP: sdp})
}

func (c *Client) SendAnswer(to, sdp string) error {
	return c.send(protocol.Answer{To: to, SDP: sdp})
}

// SendCandidate trickles one local candidate to to. The candidate's own
// To field is ignored.
func (c *Client) SendCandidate(to string, cand protocol.ICECandidate) error {
	cand.To = to
	return c.send(cand)
}

func (c *Client) Hangup(to string) error {
	return c.send(protocol.Hangup{To: to})
}

// Leave tells the server this user is going offline. The socket stays
// open; use Disconnect to close it.
func (c *Client) Leave() error {
	return c.send(protocol.Leave{})
}

func (c *Client) send(m protocol.Message) error {
	if protocol.Directed(m.Type()) && m.Target() == "" {
		return ErrEmptyTarget
	}
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	return c.sendOn(ch, m)
}

func (c *Client) sendOn(ch *Channel, m protocol.Message) error {
	data, err := protocol.Encode(c.SelfID(), m)
	if err != nil {
		return err
	}
	if err := ch.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", m.Type(), err)
	}
	return nil
}

func (c *Client) pump(ch *Channel, stream <-chan ChannelEvent, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ch.Done():
			c.detach(ch)
			return
		case ev := <-stream:
			switch ev := ev.(type) {
			case ChannelConnected:
				c.setState(ConnState{Status: StatusConnected})
			case ChannelDisconnected:
				c.currentRoster().Clear()
				c.setState(ConnState{Status: StatusDisconnected})
			case ChannelError:
				c.setState(ConnState{Status: StatusError, Reason: ev.Err.Error()})
			case ChannelMessage:
				c.handleFrame(ev.Data, done)
			}
		}
	}
}

func (c *Client) handleFrame(data []byte, done <-chan struct{}) {
	env, err := protocol.Decode(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		c.log.Debug("dropping message of unknown type", "err", err)
		return
	case err != nil:
		c.log.Warn("dropping malformed message", "err", err)
		c.publish(ProtocolError{Err: err}, done)
		return
	}

	var ev Event
	switch m := env.Message.(type) {
	case protocol.UserList:
		ev = RosterUpdated{Users: c.currentRoster().Replace(m.Users)}
	case protocol.ServerError:
		c.log.Warn("server reported error", "message", m.Message)
		c.setState(ConnState{Status: StatusError, Reason: m.Message})
		return
	case protocol.Call:
		ev = IncomingCall{From: env.From, Mode: m.Mode, Quality: m.Quality}
	case protocol.CallResponse:
		if m.Accepted {
			ev = CallAccepted{From: env.From}
		} else {
			ev = CallRejected{From: env.From}
		}
	case protocol.Offer:
		ev = OfferReceived{From: env.From, SDP: m.SDP}
	case protocol.Answer:
		ev = AnswerReceived{From: env.From, SDP: m.SDP}
	case protocol.ICECandidate:
		ev = CandidateReceived{From: env.From, Candidate: m}
	case protocol.Hangup:
		ev = PeerHangup{From: env.From}
	default:
		c.log.Debug("ignoring message", "type", env.Message.Type(), "from", env.From)
		return
	}
	c.publish(ev, done)
}

func (c *Client) publish(ev Event, done <-chan struct{}) {
	select {
	case c.events <- ev:
	case <-done:
	}
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	select {
	case c.states <- s:
	default:
		c.log.Debug("dropping connection state update", "status", s.Status)
	}
}

func (c *Client) currentRoster() *Roster {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster
}
