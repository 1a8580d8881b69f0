// Package backpressure implements the submit pipeline that composes the
// rate limiter, queue manager, predictive health model, and quota oracle
// into one combined admission decision per task. The pipeline runs as an
// explicit sequence of stages over a request-scoped decision struct,
// rather than one long method mutating shared fields, so each stage's
// inputs and outputs stay easy to trace independently.
package backpressure

import (
	"context"
	"sync"
	"time"

	"github.com/beadforge/fleetctl/internal/cache"
	"github.com/beadforge/fleetctl/internal/eventlog"
	"github.com/beadforge/fleetctl/internal/model"
	"github.com/beadforge/fleetctl/internal/predict"
	"github.com/beadforge/fleetctl/internal/quota"
	"github.com/beadforge/fleetctl/internal/queue"
	"github.com/beadforge/fleetctl/internal/ratelimit"
)

const (
	spikeWindow          = 10 * time.Second
	spikeSubmissionLimit = 5
	utilHistoryWindow    = 60 * time.Second
	utilRiseThreshold    = 0.05

	queueFullDropUtilization      = 0.90
	perPriorityDeferUtilization   = 0.80
	predictedCriticalDropWindow   = 60 * time.Second
	highPriorityThrottleWaitMS    = 5000
	mediumPriorityThrottleWaitMS  = 10000
	rateApproachingUtilization    = 0.40
)

// Metrics receives counters/averages from the pipeline's last stage. A nil
// Metrics is a safe no-op; internal/observability supplies the real
// Prometheus-backed implementation.
type Metrics interface {
	IncDecision(provider string, action model.BackpressureAction)
	ObserveQueueUtilization(provider string, utilization float64)
}

// Input is one submit() call's parameters.
type Input struct {
	TaskID   string
	Provider string
	Priority model.Priority
}

// Decision is the pipeline's final verdict for one submission.
type Decision struct {
	Action         model.BackpressureAction
	Reason         string
	WaitTimeMS     float64
	ProviderHealth model.HealthState
}

type utilSample struct {
	at    time.Time
	value float64
}

type providerSpikeState struct {
	mu            sync.Mutex
	recentSubmits []time.Time
	utilHistory   []utilSample
	lastHealth    model.HealthState
	// lastPredicted is the Predicted health this provider carried out of
	// its previous Submit call, kept so the next call can check whether
	// that prediction panned out.
	lastPredicted model.HealthState
}

// ManagerMetrics is a point-in-time snapshot of the Backpressure
// Manager's decision counters and predictive-alert bookkeeping, returned
// by GetMetrics.
type ManagerMetrics struct {
	DecisionCounts   map[model.BackpressureAction]int64
	AlertsFired      int64
	PredictionsTotal int64
	PredictionsHit   int64
}

// PredictiveAccuracy returns the fraction of predictions that matched the
// health state actually observed on the following Submit call for that
// provider. Returns 0 when no prediction has been checked yet.
func (mm ManagerMetrics) PredictiveAccuracy() float64 {
	if mm.PredictionsTotal == 0 {
		return 0
	}
	return float64(mm.PredictionsHit) / float64(mm.PredictionsTotal)
}

// ScheduledTask is one item pulled off the queue by GetNextScheduledTask.
type ScheduledTask struct {
	TaskID   string
	Priority model.Priority
}

// Manager wires together the rate limiter, queue manager, predictive
// health model, and quota oracle client behind one submit() entry point.
type Manager struct {
	rate    *ratelimit.Limiter
	queue   *queue.Manager
	predict *predict.Manager
	quota   *quota.Client
	cache   *cache.Cache
	events  *eventlog.Log
	metrics Metrics

	mu    sync.Mutex
	spike map[string]*providerSpikeState

	counterMu        sync.Mutex
	decisionCounts   map[model.BackpressureAction]int64
	alertsFired      int64
	predictionsTotal int64
	predictionsHit   int64
}

// New builds a Manager over its collaborators. metrics may be nil.
func New(rate *ratelimit.Limiter, q *queue.Manager, pred *predict.Manager, qc *quota.Client, c *cache.Cache, events *eventlog.Log, metrics Metrics) *Manager {
	return &Manager{
		rate:           rate,
		queue:          q,
		predict:        pred,
		quota:          qc,
		cache:          c,
		events:         events,
		metrics:        metrics,
		spike:          make(map[string]*providerSpikeState),
		decisionCounts: make(map[model.BackpressureAction]int64),
	}
}

// GetNextScheduledTask pops the next item off provider's queue (high
// priority before medium before low), for a caller that wants to re-run a
// previously deferred task back through the pipeline. Returns ok=false
// when the provider's queue is empty.
func (m *Manager) GetNextScheduledTask(ctx context.Context, provider string) (ScheduledTask, bool) {
	item, priority, ok := m.queue.Dequeue(provider)
	if !ok {
		return ScheduledTask{}, false
	}
	return ScheduledTask{TaskID: item.ID, Priority: priority}, true
}

// GetMetrics returns a snapshot of decision counts and predictive-alert
// bookkeeping accumulated since the Manager was created.
func (m *Manager) GetMetrics() ManagerMetrics {
	m.counterMu.Lock()
	defer m.counterMu.Unlock()
	counts := make(map[model.BackpressureAction]int64, len(m.decisionCounts))
	for k, v := range m.decisionCounts {
		counts[k] = v
	}
	return ManagerMetrics{
		DecisionCounts:   counts,
		AlertsFired:      m.alertsFired,
		PredictionsTotal: m.predictionsTotal,
		PredictionsHit:   m.predictionsHit,
	}
}

func (m *Manager) spikeStateFor(provider string) *providerSpikeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spike[provider]
	if !ok {
		s = &providerSpikeState{lastHealth: model.HealthHealthy}
		m.spike[provider] = s
	}
	return s
}

// Submit runs the full staged pipeline for one task and returns its
// admission decision.
func (m *Manager) Submit(ctx context.Context, input Input, now time.Time) Decision {
	provider := input.Provider

	// Stage 2: Rate.
	rateOutcome := m.rate.TryConsume(provider, now)
	status := m.rate.Status(provider, now)
	consumedFraction := 1 - status.Utilization()
	if rateOutcome.Allowed && consumedFraction >= rateApproachingUtilization {
		_ = m.events.RateLimitApproaching(ctx, provider, status.Level, status.Capacity)
		m.invalidateIfCritical(ctx, model.EventRateLimitApproaching)
	}

	// Stage 3: Quota.
	quotaStatus := m.quota.GetQuotaStatus(ctx, provider)

	// Stage 1: Predict (performed after the rate and quota stages, since
	// Update takes their results as its signals).
	rateSignal := predict.RateLimitSignal{Allowed: rateOutcome.Allowed, WaitMS: rateOutcome.WaitMS}
	quotaSignal := predict.QuotaSignal{
		WithinQuota:     quotaStatus.WithinQuota,
		DailyUsagePct:   quotaStatus.DailyUsagePct,
		WeeklyUsagePct:  quotaStatus.WeeklyUsagePct,
		MonthlyUsagePct: quotaStatus.MonthlyUsagePct,
		MaxUsagePct:     quotaStatus.MaxUsagePct,
	}
	indicator, alert := m.predict.Update(provider, rateSignal, quotaSignal, now)
	if alert {
		_ = m.events.PredictiveHealthAlert(ctx, provider, "combined", indicator.Predicted, indicator.TimeToPredictedState.Seconds(), indicator.Confidence)
		m.invalidateIfCritical(ctx, model.EventPredictiveHealthAlert)
		m.counterMu.Lock()
		m.alertsFired++
		m.counterMu.Unlock()
	}

	queueUtil := m.queue.TotalUtilization(provider)
	priorityUtil := m.queue.Utilization(provider, input.Priority)

	// Stage 4: Decide.
	decision := decide(decideInput{
		withinQuota:      quotaStatus.WithinQuota,
		predicted:        indicator.Predicted,
		ttp:              indicator.TimeToPredictedState,
		priority:          input.Priority,
		rateAllowed:      rateOutcome.Allowed,
		rateWaitMS:       rateOutcome.WaitMS,
		totalQueueUtil:   queueUtil,
		priorityUtil:     priorityUtil,
	})
	decision.ProviderHealth = indicator.Current

	// Stage 5: Transition detection.
	spikeState := m.spikeStateFor(provider)
	spikeState.mu.Lock()
	if healthWorsened(spikeState.lastHealth, indicator.Current) {
		_ = m.events.ProviderHealthDegrading(ctx, provider, spikeState.lastHealth, indicator.Current)
		m.invalidateIfCritical(ctx, model.EventProviderHealthDegrading)
	} else if healthImproved(spikeState.lastHealth, indicator.Current) {
		_ = m.events.ProviderHealthRecovering(ctx, provider, spikeState.lastHealth, indicator.Current)
		m.invalidateIfCritical(ctx, model.EventProviderHealthRecovering)
	}
	if spikeState.lastPredicted != "" {
		m.counterMu.Lock()
		m.predictionsTotal++
		if spikeState.lastPredicted == indicator.Current {
			m.predictionsHit++
		}
		m.counterMu.Unlock()
	}
	spikeState.lastHealth = indicator.Current
	spikeState.lastPredicted = indicator.Predicted
	spikeState.mu.Unlock()

	// Stage 6: Apply.
	decision = m.apply(ctx, input, decision)

	// Feed the decision into the predictive model's recent-event window.
	signal := model.EventAllowed
	switch decision.Action {
	case model.ActionThrottle:
		signal = model.EventThrottled
	case model.ActionDefer:
		signal = model.EventDeferred
	case model.ActionDrop:
		signal = model.EventDropped
	}
	m.predict.RecordSignal(provider, signal, now)

	// Stage 7: Spike detection.
	m.detectSpike(ctx, spikeState, provider, queueUtil, now)

	// Stage 8: Cache invalidation happens inside apply()/emit helpers via
	// invalidateIfCritical, called per emitted event kind.

	// Stage 9: Metrics.
	m.counterMu.Lock()
	m.decisionCounts[decision.Action]++
	m.counterMu.Unlock()
	if m.metrics != nil {
		m.metrics.IncDecision(provider, decision.Action)
		m.metrics.ObserveQueueUtilization(provider, queueUtil)
	}

	return decision
}

type decideInput struct {
	withinQuota    bool
	predicted      model.HealthState
	ttp            time.Duration
	priority       model.Priority
	rateAllowed    bool
	rateWaitMS     float64
	totalQueueUtil float64
	priorityUtil   float64
}

// decide applies the admission ladder's ordered rule list as a pure
// function: quota, then predicted-critical, then rate, then queue
// utilization, falling through to ROUTE if nothing else fired.
func decide(in decideInput) Decision {
	if !in.withinQuota {
		return Decision{Action: model.ActionDrop, Reason: model.ReasonQuotaExceeded}
	}

	if in.predicted == model.HealthCritical && in.ttp <= predictedCriticalDropWindow && in.priority != model.PriorityHigh {
		return Decision{Action: model.ActionDrop, Reason: model.ReasonSystemOverloaded}
	}

	if !in.rateAllowed {
		switch {
		case in.priority == model.PriorityHigh && in.rateWaitMS < highPriorityThrottleWaitMS:
			return Decision{Action: model.ActionThrottle, Reason: model.ReasonRateLimited, WaitTimeMS: in.rateWaitMS}
		case in.priority == model.PriorityMedium && in.rateWaitMS < mediumPriorityThrottleWaitMS:
			return Decision{Action: model.ActionThrottle, Reason: model.ReasonRateLimited, WaitTimeMS: in.rateWaitMS}
		default:
			return Decision{Action: model.ActionDrop, Reason: model.ReasonRateLimited}
		}
	}

	if in.totalQueueUtil > queueFullDropUtilization && in.priority == model.PriorityLow {
		return Decision{Action: model.ActionDrop, Reason: model.ReasonSystemOverloaded}
	}

	if in.priorityUtil > perPriorityDeferUtilization && in.priority != model.PriorityHigh {
		return Decision{Action: model.ActionDefer}
	}

	return Decision{Action: model.ActionRoute}
}

func (m *Manager) apply(ctx context.Context, input Input, decision Decision) Decision {
	switch decision.Action {
	case model.ActionDefer:
		result := m.queue.Enqueue(&model.QueueItem{
			ID:       input.TaskID,
			Provider: input.Provider,
			Priority: input.Priority,
		})
		// queue.Manager emits its own QUEUED/DEFERRED/DROPPED events; if
		// the demotion path itself dropped the item, surface that in the
		// decision the caller sees.
		if !result.Accepted {
			decision.Action = model.ActionDrop
			decision.Reason = model.ReasonQueueFull
			m.invalidateIfCritical(ctx, model.EventDropped)
		}
	case model.ActionRoute:
		_ = m.events.Allowed(ctx, input.Provider, input.Priority)
	case model.ActionThrottle:
		_ = m.events.Throttled(ctx, input.Provider, decision.Reason)
	case model.ActionDrop:
		_ = m.events.Dropped(ctx, input.TaskID, decision.Reason)
		m.invalidateIfCritical(ctx, model.EventDropped)
	}
	return decision
}

func (m *Manager) invalidateIfCritical(ctx context.Context, kind model.EventKind) {
	if m.cache == nil {
		return
	}
	m.cache.InvalidateOnCriticalChange(kind, time.Now())
}

func (m *Manager) detectSpike(ctx context.Context, s *providerSpikeState, provider string, util float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recentSubmits = append(s.recentSubmits, now)
	cutoff := now.Add(-spikeWindow)
	i := 0
	for ; i < len(s.recentSubmits); i++ {
		if s.recentSubmits[i].After(cutoff) {
			break
		}
	}
	s.recentSubmits = s.recentSubmits[i:]
	burstSpike := len(s.recentSubmits) > spikeSubmissionLimit

	s.utilHistory = append(s.utilHistory, utilSample{at: now, value: util})
	histCutoff := now.Add(-utilHistoryWindow)
	j := 0
	for ; j < len(s.utilHistory); j++ {
		if s.utilHistory[j].at.After(histCutoff) {
			break
		}
	}
	s.utilHistory = s.utilHistory[j:]

	riseSpike := false
	var before float64
	if len(s.utilHistory) > 0 {
		for _, sample := range s.utilHistory {
			if now.Sub(sample.at) <= spikeWindow {
				continue
			}
			before = sample.value
		}
		if util-before > utilRiseThreshold {
			riseSpike = true
		}
	}

	if burstSpike || riseSpike {
		_ = m.events.QueueUtilizationSpike(ctx, provider, before, util)
		m.invalidateIfCritical(ctx, model.EventQueueUtilizationSpike)
	}
}

func healthRank(h model.HealthState) int {
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

func healthWorsened(from, to model.HealthState) bool {
	return healthRank(to) > healthRank(from)
}

func healthImproved(from, to model.HealthState) bool {
	return healthRank(to) < healthRank(from) && to == model.HealthHealthy
}
