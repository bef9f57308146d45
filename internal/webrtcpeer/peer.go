package webrtcpeer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Peer is one call's peer connection plus its outbound audio track.
// Closing it returns the slot to the engine.
type Peer struct {
	*webrtc.PeerConnection

	engine    *Engine
	track     *webrtc.TrackLocalStaticSample
	sessionID string

	closeOnce sync.Once
	closeErr  error
}

func (p *Peer) AudioTrack() *webrtc.TrackLocalStaticSample {
	return p.track
}

func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.PeerConnection.Close()
		p.engine.release(p)
	})
	return p.closeErr
}
