// Package predict implements the predictive health indicator: a
// per-provider current/predicted health bucket derived from recent
// THROTTLED/DROPPED signal frequency plus the latest rate-limit and quota
// oracle results. Built as a small, lazily-initialized per-provider state
// map — the same shape a composite health score from weighted signals
// usually takes — with its own trend/confidence math layered on top.
package predict

import (
	"sync"
	"time"

	"github.com/beadforge/fleetctl/internal/model"
)

const (
	window = 5 * time.Minute

	rateLimitDegradingThreshold = 0.3
	rateLimitStableThreshold    = 0.1

	queueDegradingThreshold = 0.1
	queueStableThreshold    = 0.05
)

// RateLimitSignal is the latest leaky-bucket result for a provider.
type RateLimitSignal struct {
	Allowed bool
	WaitMS  float64
}

// QuotaSignal is the latest external quota oracle response for a
// provider.
type QuotaSignal struct {
	WithinQuota     bool
	DailyUsagePct   float64
	WeeklyUsagePct  float64
	MonthlyUsagePct float64
	MaxUsagePct     float64
}

// Indicator is a provider's current predictive-health state.
type Indicator struct {
	Provider             string
	Current              model.HealthState
	Predicted            model.HealthState
	Confidence           float64
	RateLimitTrend       model.Trend
	QueueUtilizationTrend model.Trend
	ErrorRateTrend       model.Trend
	QuotaUtilizationTrend model.Trend
	TimeToPredictedState time.Duration
	UpdatedAt            time.Time
}

type sample struct {
	kind model.EventKind
	at   time.Time
}

type providerState struct {
	mu              sync.Mutex
	indicator       Indicator
	recentSamples   []sample
	recentDropped1m []time.Time
}

// Manager tracks one Indicator per provider, lazily created on first
// reference.
type Manager struct {
	horizon time.Duration

	mu        sync.Mutex
	providers map[string]*providerState
}

// New builds a Manager with the configured prediction horizon.
func New(horizon time.Duration) *Manager {
	return &Manager{horizon: horizon, providers: make(map[string]*providerState)}
}

func (m *Manager) stateFor(provider string) *providerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.providers[provider]
	if !ok {
		ps = &providerState{
			indicator: Indicator{
				Provider:   provider,
				Current:    model.HealthHealthy,
				Predicted:  model.HealthHealthy,
				Confidence: 0.5,

				RateLimitTrend:        model.TrendStable,
				QueueUtilizationTrend: model.TrendStable,
				ErrorRateTrend:        model.TrendStable,
				QuotaUtilizationTrend: model.TrendStable,
			},
		}
		m.providers[provider] = ps
	}
	return ps
}

// RecordSignal appends one decision's event kind to the recent window,
// fed by the Backpressure Manager on every decision.
func (m *Manager) RecordSignal(provider string, kind model.EventKind, at time.Time) {
	ps := m.stateFor(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.recentSamples = append(ps.recentSamples, sample{kind: kind, at: at})
	if kind == model.EventDropped {
		ps.recentDropped1m = append(ps.recentDropped1m, at)
	}
	ps.pruneLocked(at)
}

func (ps *providerState) pruneLocked(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(ps.recentSamples); i++ {
		if ps.recentSamples[i].at.After(cutoff) {
			break
		}
	}
	ps.recentSamples = ps.recentSamples[i:]

	minuteCutoff := now.Add(-time.Minute)
	j := 0
	for ; j < len(ps.recentDropped1m); j++ {
		if ps.recentDropped1m[j].After(minuteCutoff) {
			break
		}
	}
	ps.recentDropped1m = ps.recentDropped1m[j:]
}

// Update recomputes trends, current and predicted health, and confidence
// from the latest rate-limit and quota signals, returning the refreshed
// indicator and whether a PREDICTIVE_HEALTH_ALERT should fire.
func (m *Manager) Update(provider string, rate RateLimitSignal, quota QuotaSignal, now time.Time) (Indicator, bool) {
	ps := m.stateFor(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.pruneLocked(now)

	throttledFrac, droppedFrac := fractions(ps.recentSamples)
	rateLimitTrend := trendFromFraction(throttledFrac, rateLimitDegradingThreshold, rateLimitStableThreshold)
	queueTrend := trendFromFraction(droppedFrac, queueDegradingThreshold, queueStableThreshold)

	current := currentHealth(rate, quota, len(ps.recentDropped1m))

	degradingCount := countTrend(model.TrendDegrading, rateLimitTrend, queueTrend, ps.indicator.ErrorRateTrend, ps.indicator.QuotaUtilizationTrend)
	improvingCount := countTrend(model.TrendImproving, rateLimitTrend, queueTrend, ps.indicator.ErrorRateTrend, ps.indicator.QuotaUtilizationTrend)

	predicted := current
	if degradingCount >= 2 {
		predicted = worsen(current)
	} else if improvingCount >= 2 {
		predicted = improve(current)
	}

	ttp := timeToPredictedState(m.horizon, degradingCount)
	confidence := computeConfidence(rateLimitTrend, queueTrend, throttledFrac, droppedFrac)

	ps.indicator.Current = current
	ps.indicator.Predicted = predicted
	ps.indicator.Confidence = confidence
	ps.indicator.RateLimitTrend = rateLimitTrend
	ps.indicator.QueueUtilizationTrend = queueTrend
	ps.indicator.TimeToPredictedState = ttp
	ps.indicator.UpdatedAt = now

	alert := shouldAlert(predicted, ttp, confidence, alertThreshold(predicted))
	return ps.indicator, alert
}

func fractions(samples []sample) (throttledFrac, droppedFrac float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var throttled, dropped int
	for _, s := range samples {
		switch s.kind {
		case model.EventThrottled:
			throttled++
		case model.EventDropped:
			dropped++
		}
	}
	n := float64(len(samples))
	return float64(throttled) / n, float64(dropped) / n
}

func trendFromFraction(frac, degrading, stable float64) model.Trend {
	switch {
	case frac > degrading:
		return model.TrendDegrading
	case frac > stable:
		return model.TrendStable
	default:
		return model.TrendImproving
	}
}

func currentHealth(rate RateLimitSignal, quota QuotaSignal, droppedLastMinute int) model.HealthState {
	if !quota.WithinQuota {
		if quota.MaxUsagePct > 120 {
			return model.HealthUnavailable
		}
		return model.HealthCritical
	}
	if !rate.Allowed {
		if rate.WaitMS > 10000 {
			return model.HealthCritical
		}
		if rate.WaitMS > 2000 || quota.DailyUsagePct > 70 {
			return model.HealthWarning
		}
	}
	if droppedLastMinute > 3 {
		return model.HealthWarning
	}
	return model.HealthHealthy
}

func countTrend(target model.Trend, trends ...model.Trend) int {
	n := 0
	for _, t := range trends {
		if t == target {
			n++
		}
	}
	return n
}

var healthOrder = []model.HealthState{model.HealthHealthy, model.HealthWarning, model.HealthCritical, model.HealthUnavailable}

func worsen(h model.HealthState) model.HealthState {
	for i, s := range healthOrder {
		if s == h && i+1 < len(healthOrder) {
			return healthOrder[i+1]
		}
	}
	return h
}

func improve(h model.HealthState) model.HealthState {
	for i, s := range healthOrder {
		if s == h && i > 0 {
			return healthOrder[i-1]
		}
	}
	return h
}

// timeToPredictedState scales inversely with degrading-trend weight,
// bounded to [30%, 80%] of the configured horizon.
func timeToPredictedState(horizon time.Duration, degradingCount int) time.Duration {
	weight := float64(degradingCount) / 4.0
	if weight < 0.01 {
		weight = 0.01
	}
	frac := 1.0 / (1.0 + weight*3)
	if frac < 0.3 {
		frac = 0.3
	}
	if frac > 0.8 {
		frac = 0.8
	}
	return time.Duration(float64(horizon) * frac)
}

// computeConfidence is a per-event-kind base plus a consistency bonus for
// historical frequency, clamped to [0, 0.95].
func computeConfidence(rateLimitTrend, queueTrend model.Trend, throttledFrac, droppedFrac float64) float64 {
	base := 0.5
	if rateLimitTrend == model.TrendDegrading {
		base += 0.2
	}
	if queueTrend == model.TrendDegrading {
		base += 0.15
	}
	consistency := (throttledFrac + droppedFrac) / 2
	confidence := base + consistency*0.3
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 0.95 {
		confidence = 0.95
	}
	return confidence
}

func alertThreshold(predicted model.HealthState) float64 {
	return 0.6
}

// shouldAlert implements the PREDICTIVE_HEALTH_ALERT condition.
func shouldAlert(predicted model.HealthState, ttp time.Duration, confidence, threshold float64) bool {
	if predicted == model.HealthCritical && ttp <= 5*time.Minute && confidence > threshold {
		return true
	}
	if predicted == model.HealthWarning && ttp <= 3*time.Minute && confidence > 0.9*threshold {
		return true
	}
	return false
}
