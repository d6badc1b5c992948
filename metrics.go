package authrelay

import internalmetrics "github.com/mshop/authrelay/internal/metrics"

const (
	// MetricLoginSuccess counts successful logins.
	MetricLoginSuccess = MetricID(internalmetrics.MetricLoginSuccess)
	// MetricLoginFailure counts rejected logins.
	MetricLoginFailure = MetricID(internalmetrics.MetricLoginFailure)
	// MetricTokenIssued counts issued session tokens.
	MetricTokenIssued = MetricID(internalmetrics.MetricTokenIssued)
	// MetricTokenVerified counts tokens accepted by Verify.
	MetricTokenVerified = MetricID(internalmetrics.MetricTokenVerified)
	// MetricTokenRejected counts tokens rejected by Verify.
	MetricTokenRejected = MetricID(internalmetrics.MetricTokenRejected)
	// MetricSessionEvicted counts sessions evicted by the device limit.
	MetricSessionEvicted = MetricID(internalmetrics.MetricSessionEvicted)
	// MetricSessionRevoked counts explicit session revocations.
	MetricSessionRevoked = MetricID(internalmetrics.MetricSessionRevoked)
	// MetricGuardAllowed counts guard passes.
	MetricGuardAllowed = MetricID(internalmetrics.MetricGuardAllowed)
	// MetricGuardDenied counts guard denials.
	MetricGuardDenied = MetricID(internalmetrics.MetricGuardDenied)
	// MetricPermCacheHit counts permission cache hits.
	MetricPermCacheHit = MetricID(internalmetrics.MetricPermCacheHit)
	// MetricPermCacheMiss counts permission cache misses.
	MetricPermCacheMiss = MetricID(internalmetrics.MetricPermCacheMiss)
	// MetricPermCacheInvalidated counts permission cache invalidations.
	MetricPermCacheInvalidated = MetricID(internalmetrics.MetricPermCacheInvalidated)
	// MetricBusPublished counts events published to the bus.
	MetricBusPublished = MetricID(internalmetrics.MetricBusPublished)
	// MetricBusPublishFailed counts swallowed publish failures.
	MetricBusPublishFailed = MetricID(internalmetrics.MetricBusPublishFailed)
	// MetricBusEventReceived counts revoke events consumed from the bus.
	MetricBusEventReceived = MetricID(internalmetrics.MetricBusEventReceived)
	// MetricGatewayConnected counts authenticated gateway connections.
	MetricGatewayConnected = MetricID(internalmetrics.MetricGatewayConnected)
	// MetricGatewayAuthFailed counts gateway handshake rejections.
	MetricGatewayAuthFailed = MetricID(internalmetrics.MetricGatewayAuthFailed)
	// MetricGatewayKicked counts gateway connections force-closed by
	// revoke events.
	MetricGatewayKicked = MetricID(internalmetrics.MetricGatewayKicked)
)

// NewMetrics creates a [Metrics] instance configured by the given
// [MetricsConfig]. When Enabled is false, all operations are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return internalmetrics.New(internalmetrics.Config{Enabled: cfg.Enabled})
}

// Metrics returns the engine's counters so supporting components, such
// as the gateway, can report into the same snapshot.
func (e *Engine) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

// MetricsSnapshot returns a point-in-time copy of all engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}
