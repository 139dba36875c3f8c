package metrics

import "sync"

// Event names recorded by the relay. Kept as plain strings so the registry
// stays a dumb counter map; the Prometheus handler exposes them as values of
// an `event` label.
const (
	ConnectionOpened  = "connection_opened"
	ConnectionClosed  = "connection_closed"
	RoomJoined        = "room_joined"
	RoomSwitched      = "room_switched"
	RoomLeft          = "room_left"
	JoinDenied        = "join_denied"
	SignalRelayed     = "signal_relayed"
	SignalDropped     = "signal_dropped_unknown_target"
	OutboundDropped   = "outbound_dropped_queue_full"
	ProtocolError     = "protocol_error"
	RateLimitedClose  = "rate_limited_close"
	RegistryViolation = "registry_invariant_violation"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay deliberately keeps counting in-process and dependency-free; the
// Prometheus handler in this package takes care of exposition.
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
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
