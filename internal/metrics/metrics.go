package metrics

import "sync/atomic"

// MetricID identifies one counter.
type MetricID uint8

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricTokenIssued
	MetricTokenVerified
	MetricTokenRejected
	MetricSessionEvicted
	MetricSessionRevoked
	MetricGuardAllowed
	MetricGuardDenied
	MetricPermCacheHit
	MetricPermCacheMiss
	MetricPermCacheInvalidated
	MetricBusPublished
	MetricBusPublishFailed
	MetricBusEventReceived
	MetricGatewayConnected
	MetricGatewayAuthFailed
	MetricGatewayKicked

	MetricIDCount
)

// Config controls metric collection.
type Config struct {
	Enabled bool
}

// Metrics holds atomic counters. All operations are no-ops when disabled.
type Metrics struct {
	enabled  bool
	counters [MetricIDCount]atomic.Uint64
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Counters map[MetricID]uint64
}

func New(cfg Config) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= MetricIDCount {
		return
	}
	m.counters[id].Add(1)
}

func (m *Metrics) Get(id MetricID) uint64 {
	if m == nil || !m.enabled || id >= MetricIDCount {
		return 0
	}
	return m.counters[id].Load()
}

func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{Counters: make(map[MetricID]uint64, MetricIDCount)}
	if m == nil || !m.enabled {
		return snap
	}
	for id := MetricID(0); id < MetricIDCount; id++ {
		snap.Counters[id] = m.counters[id].Load()
	}
	return snap
}
