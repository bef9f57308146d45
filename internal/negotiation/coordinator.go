// Package negotiation drives the offer/answer exchange and trickle ICE for
// one call.
//
// A Coordinator is not safe for concurrent use. The call machine calls it
// from its actor goroutine only.
package negotiation

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/prchen818/MicLink/internal/protocol"
)

var (
	ErrNegotiationInFlight = errors.New("negotiation: offer already in flight")
	ErrUnexpectedAnswer    = errors.New("negotiation: answer without local offer")
	ErrClosed              = errors.New("negotiation: coordinator closed")
)

// PeerConnection is the part of *webrtc.PeerConnection the coordinator
// drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	GetStats() webrtc.StatsReport
	Close() error
}

// Signaler carries negotiation messages to the peer.
type Signaler interface {
	SendOffer(to, sdp string) error
	SendAnswer(to, sdp string) error
	SendCandidate(to string, c protocol.ICECandidate) error
}

type Coordinator struct {
	pc     PeerConnection
	sig    Signaler
	peerID string
	log    *slog.Logger

	remoteSet bool
	pending   []webrtc.ICECandidateInit
	inFlight  bool
	closed    bool

	path   PathType
	probed bool
}

func New(pc PeerConnection, sig Signaler, peerID string, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		pc:     pc,
		sig:    sig,
		peerID: peerID,
		log:    logger.With("component", "negotiation", "peer", peerID),
	}
}

// StartAsInitiator creates the first offer, applies it locally and sends
// it to the peer.
func (c *Coordinator) StartAsInitiator() (string, error) {
	return c.offer(nil)
}

// RestartICE renegotiates with fresh ICE credentials.
func (c *Coordinator) RestartICE() (string, error) {
	sdp, err := c.offer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return "", err
	}
	c.probed = false
	c.path = PathUnknown
	return sdp, nil
}

func (c *Coordinator) offer(opts *webrtc.OfferOptions) (string, error) {
	if c.closed {
		return "", ErrClosed
	}
	if c.inFlight {
		return "", ErrNegotiationInFlight
	}

	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	if err := c.sig.SendOffer(c.peerID, offer.SDP); err != nil {
		return "", fmt.Errorf("send offer: %w", err)
	}
	c.inFlight = true
	return offer.SDP, nil
}

// AcceptRemoteOffer applies the peer's offer and answers it. An offer that
// arrives while our own offer is unanswered is refused.
func (c *Coordinator) AcceptRemoteOffer(sdp string) (string, error) {
	if c.closed {
		return "", ErrClosed
	}
	if c.inFlight {
		c.log.Warn("refusing remote offer during local negotiation")
		return "", ErrNegotiationInFlight
	}

	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	c.remoteSet = true
	c.flushPending()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	if err := c.sig.SendAnswer(c.peerID, answer.SDP); err != nil {
		return "", fmt.Errorf("send answer: %w", err)
	}
	return answer.SDP, nil
}

func (c *Coordinator) ApplyRemoteAnswer(sdp string) error {
	if c.closed {
		return ErrClosed
	}
	if !c.inFlight {
		return ErrUnexpectedAnswer
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	c.inFlight = false
	c.remoteSet = true
	c.flushPending()
	return nil
}

// AddRemoteCandidate applies a trickled candidate, or holds it until the
// remote description is known.
func (c *Coordinator) AddRemoteCandidate(cand protocol.ICECandidate) error {
	if c.closed {
		return ErrClosed
	}
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}
	if !c.remoteSet {
		c.pending = append(c.pending, init)
		c.log.Debug("buffering remote candidate", "pending", len(c.pending))
		return nil
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Pending is the number of buffered remote candidates.
func (c *Coordinator) Pending() int { return len(c.pending) }

func (c *Coordinator) flushPending() {
	pending := c.pending
	c.pending = nil
	for _, init := range pending {
		if err := c.pc.AddICECandidate(init); err != nil {
			c.log.Warn("failed to apply buffered candidate", "err", err)
		}
	}
	if len(pending) > 0 {
		c.log.Debug("applied buffered candidates", "count", len(pending))
	}
}

// LocalCandidate forwards one gathered candidate to the peer. A nil
// candidate marks the end of gathering and is not sent.
func (c *Coordinator) LocalCandidate(cand *webrtc.ICECandidate) error {
	if c.closed || cand == nil {
		return nil
	}
	init := cand.ToJSON()
	return c.sig.SendCandidate(c.peerID, protocol.ICECandidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	})
}

// Close releases the peer connection. Safe to call more than once.
func (c *Coordinator) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pending = nil
	return c.pc.Close()
}
