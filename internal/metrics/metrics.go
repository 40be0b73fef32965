package metrics

import "sync"

// Counter names used across the signalling server.
const (
	ConnectionsOpened  = "connections_opened"
	ConnectionsClosed  = "connections_closed"
	EnvelopesReceived  = "envelopes_received"
	EnvelopesSent      = "envelopes_sent"
	MalformedEnvelopes = "malformed_envelopes"
	ProtocolViolations = "protocol_violations"
	UnknownTypes       = "unknown_message_types"
	RelayDelivered     = "relay_delivered"
	RelayTargetOffline = "relay_target_offline"
	PairsAdded         = "pairs_added"
	PairsCleared       = "pairs_cleared"
	CodeMismatches     = "pairing_code_mismatches"
	PairingsExpired    = "pairings_expired"
	StoreWriteFailures = "store_write_failures"
	RateLimited        = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry. It keeps the
// protocol handlers testable without a real metrics backend; the counters
// are exposed for scraping via PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
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
