// Package presence is the signaling server: it tracks who is online and
// relays call setup messages between them.
//
// Every connection must open with a join frame naming its user id. The hub
// then broadcasts the full user list on every join and leave, and forwards
// directed messages to their target with from rewritten to the sender's
// registered id.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/prchen818/MicLink/internal/auth"
	"github.com/prchen818/MicLink/internal/clock"
	"github.com/prchen818/MicLink/internal/metrics"
	"github.com/prchen818/MicLink/internal/protocol"
	"github.com/prchen818/MicLink/internal/ratelimit"
)

var (
	ErrDuplicateUser = errors.New("presence: user id already exists")
	ErrHubClosed     = errors.New("presence: hub closed")
)

const (
	msgDuplicateUser  = "User ID already exists"
	msgUserNotAllowed = "User ID not permitted by credential"

	wsWriteWait       = time.Second
	directoryTimeout  = 2 * time.Second
	defaultSendQueue  = 64
	defaultJoinWait   = 10 * time.Second
	defaultIdle       = 60 * time.Second
	defaultPing       = 20 * time.Second
	defaultMaxMessage = 64 * 1024
)

type Config struct {
	JoinTimeout     time.Duration
	IdleTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64

	// MessagesPerSecond is the per-connection inbound budget, with a one
	// second burst. Zero disables the limit.
	MessagesPerSecond int

	// SendQueue is the per-connection outbound buffer. A full queue drops.
	SendQueue int

	Directory Directory
	Metrics   *metrics.Metrics
	Clock     ratelimit.Clock
	Logger    *slog.Logger
}

type Hub struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

func NewHub(cfg Config) *Hub {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinWait
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdle
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = minDuration(defaultPing, cfg.IdleTimeout/2)
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessage
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.Directory == nil {
		cfg.Directory = NewMemoryDirectory()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg: cfg,
		log: logger.With("component", "presence"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin is enforced by the HTTP layer before the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Users returns the online user ids, sorted.
func (h *Hub) Users() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.usersLocked()
}

func (h *Hub) usersLocked() []string {
	out := make([]string, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an already authenticated request and runs the
// connection until it closes. p limits which user id the join may claim.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err, "remote_addr", r.RemoteAddr)
		return
	}
	h.cfg.Metrics.Inc(metrics.ConnAccepted)
	connID := uuid.NewString()
	log := h.log.With("conn", connID, "remote_addr", r.RemoteAddr)

	conn.SetReadLimit(h.cfg.MaxMessageBytes)

	userID, ok := h.awaitJoin(conn, p, log)
	if !ok {
		_ = conn.Close()
		h.cfg.Metrics.Inc(metrics.ConnClosed)
		return
	}

	c := &client{
		id:     userID,
		connID: connID,
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendQueue),
		done:   make(chan struct{}),
		log:    log.With("user", userID),
	}
	if h.cfg.MessagesPerSecond > 0 {
		rate := int64(h.cfg.MessagesPerSecond)
		c.limiter = ratelimit.NewTokenBucket(h.cfg.Clock, rate, rate)
	}

	if err := h.register(c); err != nil {
		if errors.Is(err, ErrDuplicateUser) {
			h.cfg.Metrics.Inc(metrics.JoinDuplicate)
			log.Info("join rejected", "user", userID, "reason", "duplicate")
			writeError(conn, msgDuplicateUser)
			writeClose(conn, websocket.ClosePolicyViolation, "duplicate user id")
		} else {
			writeClose(conn, websocket.CloseGoingAway, "server shutting down")
		}
		_ = conn.Close()
		h.cfg.Metrics.Inc(metrics.ConnClosed)
		return
	}

	go c.writePump(h.cfg.PingInterval)
	h.broadcastUserList()

	h.readLoop(c)

	h.unregister(c)
	c.close(websocket.CloseNormalClosure, "")
	h.cfg.Metrics.Inc(metrics.ConnClosed)
}

// awaitJoin reads the first frame, which must be a join naming a user id
// the principal may claim.
func (h *Hub) awaitJoin(conn *websocket.Conn, p auth.Principal, log *slog.Logger) (string, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.JoinTimeout))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			h.cfg.Metrics.Inc(metrics.DropOversize)
		}
		h.cfg.Metrics.Inc(metrics.JoinRejected)
		log.Debug("no join frame", "err", err)
		return "", false
	}
	if msgType != websocket.TextMessage {
		h.cfg.Metrics.Inc(metrics.JoinRejected)
		writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
		return "", false
	}

	env, err := protocol.Decode(data)
	if err != nil || env.Message.Type() != protocol.TypeJoin || env.From == "" {
		h.cfg.Metrics.Inc(metrics.JoinRejected)
		log.Info("first frame is not a join", "err", err)
		writeClose(conn, websocket.ClosePolicyViolation, "first message must be join")
		return "", false
	}
	if !p.Permits(env.From) {
		h.cfg.Metrics.Inc(metrics.JoinRejected)
		log.Info("join rejected", "user", env.From, "subject", p.Subject)
		writeError(conn, msgUserNotAllowed)
		writeClose(conn, websocket.ClosePolicyViolation, "user id not permitted")
		return "", false
	}
	return env.From, true
}

func (h *Hub) register(c *client) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if _, exists := h.clients[c.id]; exists {
		h.mu.Unlock()
		return ErrDuplicateUser
	}
	h.clients[c.id] = c
	online := len(h.clients)
	h.mu.Unlock()

	h.cfg.Metrics.Inc(metrics.JoinOK)
	c.log.Info("user joined", "online", online)

	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()
	if err := h.cfg.Directory.Add(ctx, c.id); err != nil {
		h.cfg.Metrics.Inc(metrics.DirectoryError)
		c.log.Warn("directory add failed", "err", err)
	}
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	cur, ok := h.clients[c.id]
	if !ok || cur != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	online := len(h.clients)
	h.mu.Unlock()

	h.cfg.Metrics.Inc(metrics.Leave)
	c.log.Info("user left", "online", online)

	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()
	if err := h.cfg.Directory.Remove(ctx, c.id); err != nil {
		h.cfg.Metrics.Inc(metrics.DirectoryError)
		c.log.Warn("directory remove failed", "err", err)
	}

	h.broadcastUserList()
}

func (h *Hub) broadcastUserList() {
	h.mu.RLock()
	users := h.usersLocked()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	data, err := protocol.Encode("", protocol.UserList{Users: users})
	if err != nil {
		h.log.Error("encode user list", "err", err)
		return
	}
	for _, c := range targets {
		if !c.enqueue(data) {
			h.cfg.Metrics.Inc(metrics.DropQueueFull)
		}
	}
	h.cfg.Metrics.Inc(metrics.UserListBroadcast)
}

func (h *Hub) readLoop(c *client) {
	conn := c.conn
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				h.cfg.Metrics.Inc(metrics.DropOversize)
				c.log.Info("message too large, closing")
				c.close(websocket.CloseMessageTooBig, "message too large")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read ended", "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))

		// Limit after reading so the frame is consumed from the socket.
		if c.limiter != nil && !c.limiter.Allow(1) {
			h.cfg.Metrics.Inc(metrics.DropRateLimited)
			c.log.Debug("message dropped", "reason", "rate_limited")
			continue
		}
		if msgType != websocket.TextMessage {
			h.cfg.Metrics.Inc(metrics.MessageMalformed)
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			h.cfg.Metrics.Inc(metrics.MessageMalformed)
			c.log.Debug("malformed message", "err", err)
			continue
		}

		switch m := env.Message.(type) {
		case protocol.Leave:
			return
		case protocol.Join:
		case protocol.UserList, protocol.ServerError:
			h.cfg.Metrics.Inc(metrics.MessageMalformed)
		default:
			h.relay(c, m)
		}
	}
}

// relay forwards m from c to its target, stamping c's registered id as the
// sender.
func (h *Hub) relay(c *client, m protocol.Message) {
	to := m.Target()
	h.mu.RLock()
	target, ok := h.clients[to]
	h.mu.RUnlock()
	if !ok {
		h.cfg.Metrics.Inc(metrics.DropUnknownTarget)
		c.log.Info("target not online", "to", to, "type", m.Type())
		return
	}

	data, err := protocol.Encode(c.id, m)
	if err != nil {
		h.cfg.Metrics.Inc(metrics.MessageMalformed)
		c.log.Debug("re-encode failed", "err", err)
		return
	}
	if !target.enqueue(data) {
		h.cfg.Metrics.Inc(metrics.DropQueueFull)
		c.log.Warn("target queue full", "to", to, "type", m.Type())
		return
	}
	h.cfg.Metrics.Inc(metrics.MessageRelayed)
	c.log.Debug("relayed", "to", to, "type", m.Type())
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func writeError(conn *websocket.Conn, message string) {
	data, err := protocol.Encode("", protocol.ServerError{Message: message})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
