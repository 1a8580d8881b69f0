// Package observability holds the coordinator's Prometheus metrics,
// grounded on control_plane/observability/metrics.go's package-level
// promauto var block. Names are renamed to this coordinator's own
// domain (queue/backpressure/claims/review-gate/cache) but the pattern
// — plain exported *Vec globals registered at package init via
// promauto, scraped through a stock promhttp.Handler — is kept as-is.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/beadforge/fleetctl/internal/model"
)

var (
	// QueueDepth tracks current queue depth per provider/priority tier.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetctl_queue_depth",
		Help: "Current number of queued tasks by provider and priority",
	}, []string{"provider", "priority"})

	// QueueUtilization tracks per-provider queue utilization, sampled at
	// the end of each Submit call.
	QueueUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetctl_queue_utilization",
		Help: "Queue utilization ratio (0-1) by provider",
	}, []string{"provider"})

	// BackpressureDecisions tracks the Backpressure Manager's admission
	// decisions by provider and action.
	BackpressureDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetctl_backpressure_decisions_total",
		Help: "Total backpressure admission decisions by provider and action",
	}, []string{"provider", "action"})

	// ProviderHealth tracks the predicted/current health state per
	// provider (0=healthy, 1=warning, 2=critical, 3=unavailable).
	ProviderHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetctl_provider_health",
		Help: "Current provider health state (0=healthy,1=warning,2=critical,3=unavailable)",
	}, []string{"provider"})

	// QuotaOracleBreakerState tracks the quota oracle circuit breaker state
	// (0=closed, 1=half-open, 2=open).
	QuotaOracleBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetctl_quota_oracle_breaker_state",
		Help: "Quota oracle circuit breaker state (0=closed,1=half_open,2=open)",
	})

	// QuotaOracleFailOpens tracks how often the quota oracle client fell
	// back to its fail-open default.
	QuotaOracleFailOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetctl_quota_oracle_fail_opens_total",
		Help: "Total times the quota oracle client fell back to fail-open",
	}, []string{"provider"})

	// CacheEvictions tracks cache entries dropped by kind of invalidation.
	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetctl_cache_evictions_total",
		Help: "Total cache entries evicted by trigger",
	}, []string{"trigger"})

	// ClaimsTotal tracks successful task claims per agent.
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetctl_claims_total",
		Help: "Total successful task claims by agent",
	}, []string{"agent_id"})

	// ClaimsThrottled tracks claim requests rejected by the per-agent
	// claim-rate limiter.
	ClaimsThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetctl_claims_throttled_total",
		Help: "Total claim requests rejected by the per-agent rate limiter",
	}, []string{"agent_id"})

	// LeasesExpired tracks leases reclaimed by the Reclaimer due to missed
	// heartbeats.
	LeasesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetctl_leases_expired_total",
		Help: "Total leases reclaimed after expiry",
	})

	// ConnectedAgents tracks the number of agents with an active heartbeat.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetctl_connected_agents",
		Help: "Current number of agents with an active lease heartbeat",
	})

	// StreamingClients tracks the number of connected WebSocket event-stream
	// clients.
	StreamingClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetctl_streaming_clients",
		Help: "Current number of connected event-stream WebSocket clients",
	})

	// ReviewGateDecisions tracks CI Review Gate outcomes by fail code.
	ReviewGateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetctl_review_gate_decisions_total",
		Help: "Total CI review gate decisions by fail code",
	}, []string{"code"})

	// ReviewGateEscalations tracks how often a task's review cycle count
	// crossed the escalation threshold.
	ReviewGateEscalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetctl_review_gate_escalations_total",
		Help: "Total tasks whose review cycle count crossed the escalation threshold",
	})

	// VerifierOutcomes tracks verifier pass/fail counts by tag.
	VerifierOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetctl_verifier_outcomes_total",
		Help: "Total verifier outcomes by tag and result",
	}, []string{"tag", "result"})
)

// BackpressureMetrics adapts the package-level Prometheus vars to the
// backpressure.Metrics interface so the Backpressure Manager never
// imports prometheus directly.
type BackpressureMetrics struct{}

// IncDecision implements backpressure.Metrics.
func (BackpressureMetrics) IncDecision(provider string, action model.BackpressureAction) {
	BackpressureDecisions.WithLabelValues(provider, string(action)).Inc()
}

// ObserveQueueUtilization implements backpressure.Metrics.
func (BackpressureMetrics) ObserveQueueUtilization(provider string, utilization float64) {
	QueueUtilization.WithLabelValues(provider).Set(utilization)
}

// HealthRank maps a HealthState to the numeric value ProviderHealth
// expects.
func HealthRank(h model.HealthState) float64 {
	switch h {
	case model.HealthHealthy:
		return 0
	case model.HealthWarning:
		return 1
	case model.HealthCritical:
		return 2
	case model.HealthUnavailable:
		return 3
	default:
		return 0
	}
}
