package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prchen818/MicLink/internal/clock"
	"github.com/prchen818/MicLink/internal/protocol"
)

const (
	wsWriteWait = 5 * time.Second

	DefaultPingInterval     = 30 * time.Second
	DefaultPongWait         = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	// APIKeyQueryParam and APIKeyHeader carry the shared secret. Both are
	// sent so a proxy stripping one of them does not break authentication.
	APIKeyQueryParam = "api_key"
	APIKeyHeader     = "X-API-Key"
)

var (
	ErrEmptyUserID       = errors.New("signaling: empty user id")
	ErrNotConnected      = errors.New("signaling: not connected")
	ErrAlreadyOpen       = errors.New("signaling: channel already open")
	ErrChannelClosed     = errors.New("signaling: channel closed")
	errReconnectExceeded = errors.New("signaling: reconnect attempts exhausted")
)

type ChannelConfig struct {
	// URL is the ws:// or wss:// endpoint of the presence server.
	URL    string
	APIKey string

	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts bounds consecutive reconnect tries. Zero means unlimited.
	MaxAttempts int

	// PingInterval is the keepalive period. Zero disables pings and read
	// deadlines.
	PingInterval     time.Duration
	PongWait         time.Duration
	HandshakeTimeout time.Duration

	Dialer *websocket.Dialer
	Clock  clock.Clock
	Logger *slog.Logger
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Channel is a single self-healing WebSocket to the presence server.
//
// Transport failures never surface as returned errors: they are reported on
// the event stream and followed by a reconnect unless Close was called.
type Channel struct {
	cfg ChannelConfig
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan ChannelEvent
	done   chan struct{}

	mu        sync.Mutex
	selfID    string
	opened    bool
	manual    bool
	conn      *websocket.Conn
	attempt   int
	reconnect clock.Timer

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewChannel(cfg ChannelConfig) *Channel {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "signaling_channel"),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan ChannelEvent, 64),
		done:   make(chan struct{}),
	}
}

// Open starts connecting as selfID and returns the event stream. The first
// connection attempt runs in the background. Cancelling ctx closes the
// channel.
func (c *Channel) Open(ctx context.Context, selfID string) (<-chan ChannelEvent, error) {
	if selfID == "" {
		return nil, ErrEmptyUserID
	}

	c.mu.Lock()
	switch {
	case c.manual:
		c.mu.Unlock()
		return nil, ErrChannelClosed
	case c.opened:
		c.mu.Unlock()
		return nil, ErrAlreadyOpen
	}
	c.opened = true
	c.selfID = selfID
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()
	go c.run()
	return c.events, nil
}

// Send writes one text frame. It fails fast with ErrNotConnected while the
// socket is down.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, data)
}

// Done is closed once the channel stops for good, either through Close or
// because the Open context was cancelled.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Connected reports whether a socket is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close stops the channel for good: the open socket is closed and any
// pending reconnect is cancelled. It is safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.manual = true
		if c.reconnect != nil {
			c.reconnect.Stop()
			c.reconnect = nil
		}
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		c.cancel()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(wsWriteWait))
			_ = conn.Close()
		}
		close(c.done)
	})
	return nil
}

func (c *Channel) run() {
	conn, err := c.dial()
	if err != nil {
		if c.stopped() {
			return
		}
		c.log.Warn("signaling connect failed", "err", err)
		c.emit(ChannelError{Err: err})
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	selfID := c.selfID
	c.mu.Unlock()

	join, err := protocol.Encode(selfID, protocol.Join{})
	if err == nil {
		err = c.write(conn, join)
	}
	if err != nil {
		c.log.Warn("failed to send join", "err", err)
		_ = conn.Close()
	} else {
		c.log.Info("signaling connected", "user", selfID)
		c.emit(ChannelConnected{})
	}

	stop := make(chan struct{})
	go c.keepalive(conn, stop)
	readErr := c.readLoop(conn)
	close(stop)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	manual := c.manual
	c.mu.Unlock()
	_ = conn.Close()

	if manual {
		return
	}
	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		readErr = nil
	}
	c.log.Info("signaling disconnected", "err", readErr)
	c.emit(ChannelDisconnected{Err: readErr})
	c.scheduleReconnect()
}

func (c *Channel) dial() (*websocket.Conn, error) {
	target, err := c.endpoint()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set(APIKeyHeader, c.cfg.APIKey)
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", redactedURL(target), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", redactedURL(target), err)
	}
	return conn, nil
}

func (c *Channel) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", c.cfg.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid server url %q (expected ws:// or wss://)", c.cfg.URL)
	}
	if c.cfg.APIKey != "" {
		q := u.Query()
		q.Set(APIKeyQueryParam, c.cfg.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	deadline := func() {
		if c.cfg.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PingInterval + c.cfg.PongWait))
		}
	}
	deadline()
	conn.SetPongHandler(func(string) error {
		deadline()
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		deadline()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	joined := false
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		deadline()
		if msgType != websocket.TextMessage {
			c.emit(ChannelError{Err: fmt.Errorf("unexpected websocket message type %d", msgType)})
			continue
		}
		if !joined {
			joined = true
			c.confirmJoin(data)
		}
		c.emit(ChannelMessage{Data: data})
	}
}

// confirmJoin resets the reconnect backoff once the server answers the join
// with anything other than an error frame. A server that rejects the join
// and hangs up keeps the backoff growing.
func (c *Channel) confirmJoin(first []byte) {
	if env, err := protocol.Decode(first); err == nil {
		if _, rejected := env.Message.(protocol.ServerError); rejected {
			return
		}
	}
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
}

func (c *Channel) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.log.Debug("keepalive ping failed", "err", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return
	}
	if c.cfg.MaxAttempts > 0 && c.attempt >= c.cfg.MaxAttempts {
		attempts := c.attempt
		c.mu.Unlock()
		c.log.Error("giving up on signaling reconnect", "attempts", attempts)
		c.emit(ChannelError{Err: errReconnectExceeded})
		return
	}
	delay := Backoff(c.attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
	c.log.Debug("scheduling signaling reconnect", "delay", delay, "attempt", c.attempt+1)
	c.reconnect = c.cfg.Clock.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.manual {
			c.mu.Unlock()
			return
		}
		c.reconnect = nil
		c.attempt++
		c.mu.Unlock()
		go c.run()
	})
	c.mu.Unlock()
}

func (c *Channel) emit(ev ChannelEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Channel) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manual
}

func redactedURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has(APIKeyQueryParam) {
		q.Set(APIKeyQueryParam, "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
