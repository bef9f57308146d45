package signaling

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeServer is a minimal presence endpoint that records every connection
// and lets the test drive it.
type fakeServer struct {
	t     *testing.T
	ts    *httptest.Server
	conns chan *serverConn
}

type serverConn struct {
	conn   *websocket.Conn
	req    *http.Request
	frames chan []byte

	writeMu sync.Mutex
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	s := &fakeServer{t: t, conns: make(chan *serverConn, 16)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn, req: r, frames: make(chan []byte, 64)}
		s.conns <- sc
		go func() {
			defer close(sc.frames)
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				sc.frames <- data
			}
		}()
	}))
	t.Cleanup(s.ts.Close)
	return s
}

func (s *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws"
}

func (s *fakeServer) accept() *serverConn {
	s.t.Helper()
	select {
	case sc := <-s.conns:
		s.t.Cleanup(func() { _ = sc.conn.Close() })
		return sc
	case <-time.After(5 * time.Second):
		s.t.Fatalf("timed out waiting for client connection")
		return nil
	}
}

func (s *fakeServer) expectNoConn(d time.Duration) {
	s.t.Helper()
	select {
	case <-s.conns:
		s.t.Fatalf("unexpected client connection")
	case <-time.After(d):
	}
}

func (sc *serverConn) next(t *testing.T) []byte {
	t.Helper()
	select {
	case data, ok := <-sc.frames:
		if !ok {
			t.Fatalf("connection closed before frame arrived")
		}
		return data
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return nil
	}
}

func (sc *serverConn) send(t *testing.T, frame string) {
	t.Helper()
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if err := sc.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func (sc *serverConn) drop() {
	_ = sc.conn.Close()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func nextChannelEvent(t *testing.T, events <-chan ChannelEvent) ChannelEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for channel event")
		return nil
	}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
		return nil
	}
}
