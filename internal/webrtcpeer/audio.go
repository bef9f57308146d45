package webrtcpeer

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single Opus frame that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// SilenceSource feeds every open call a stream of silent Opus frames. It
// stands in for a capture device so the media path carries RTP and RTCP
// from the moment a call connects.
type SilenceSource struct {
	engine *Engine

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	written uint64
}

func NewSilenceSource(e *Engine) *SilenceSource {
	return &SilenceSource{engine: e}
}

func (s *SilenceSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	return nil
}

func (s *SilenceSource) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Frames is the number of samples written so far across all tracks.
func (s *SilenceSource) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *SilenceSource) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		var n uint64
		for _, track := range s.engine.tracks() {
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration}); err == nil {
				n++
			}
		}
		if n > 0 {
			s.mu.Lock()
			s.written += n
			s.mu.Unlock()
		}
	}
}
