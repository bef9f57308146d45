package metrics

import "sync"

// Presence server event names.
const (
	ConnAccepted      = "conn_accepted"
	ConnClosed        = "conn_closed"
	AuthFailed        = "auth_failed"
	IPDenied          = "ip_denied"
	JoinOK            = "join_ok"
	JoinRejected      = "join_rejected"
	JoinDuplicate     = "join_duplicate"
	Leave             = "leave"
	MessageRelayed    = "message_relayed"
	MessageMalformed  = "message_malformed"
	DropUnknownTarget = "drop_unknown_target"
	DropRateLimited   = "drop_rate_limited"
	DropOversize      = "drop_oversize"
	DropQueueFull     = "drop_queue_full"
	UserListBroadcast = "user_list_broadcast"
	DirectoryError    = "directory_error"
	ICERequests       = "ice_requests"
	TURNCredsIssued   = "turn_rest_credentials_issued"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
