// Package eventlog is a thin, typed façade over store.Store's event table:
// one small helper per event kind so producers don't build map[string]any
// payloads by hand.
package eventlog

import (
	"context"
	"time"

	"github.com/beadforge/fleetctl/internal/model"
	"github.com/beadforge/fleetctl/internal/store"
)

// Log wraps a store.Store for event emission and querying.
type Log struct {
	store store.Store
}

// New builds a Log over s.
func New(s store.Store) *Log {
	return &Log{store: s}
}

func (l *Log) emit(ctx context.Context, taskID string, kind model.EventKind, severity model.Severity, data map[string]interface{}) error {
	_, err := l.store.AppendEvent(ctx, &model.Event{
		TaskID:    taskID,
		Timestamp: time.Now(),
		Kind:      kind,
		Severity:  severity,
		Data:      data,
	})
	return err
}

// Allowed records a backpressure ALLOWED decision for a queue item.
func (l *Log) Allowed(ctx context.Context, provider string, priority model.Priority) error {
	return l.emit(ctx, model.SystemTaskID, model.EventAllowed, model.SeverityInfo, map[string]interface{}{
		"provider": provider,
		"priority": string(priority),
	})
}

// Throttled records a THROTTLED decision with its reason code.
func (l *Log) Throttled(ctx context.Context, provider string, reason string) error {
	return l.emit(ctx, model.SystemTaskID, model.EventThrottled, model.SeverityWarning, map[string]interface{}{
		"provider": provider,
		"reason":   reason,
	})
}

// Queued records a QUEUED decision.
func (l *Log) Queued(ctx context.Context, itemID string, provider string, priority model.Priority) error {
	return l.emit(ctx, itemID, model.EventQueued, model.SeverityInfo, map[string]interface{}{
		"provider": provider,
		"priority": string(priority),
	})
}

// Deferred records a medium→low demotion.
func (l *Log) Deferred(ctx context.Context, itemID string, fromPriority, toPriority model.Priority) error {
	return l.emit(ctx, itemID, model.EventDeferred, model.SeverityWarning, map[string]interface{}{
		"from_priority": string(fromPriority),
		"to_priority":   string(toPriority),
	})
}

// Dropped records a DROPPED decision with its reason code.
func (l *Log) Dropped(ctx context.Context, itemID string, reason string) error {
	return l.emit(ctx, itemID, model.EventDropped, model.SeverityError, map[string]interface{}{
		"reason": reason,
	})
}

// QueueFull records a tier hitting its depth cap.
func (l *Log) QueueFull(ctx context.Context, provider string, priority model.Priority, depth int) error {
	return l.emit(ctx, model.SystemTaskID, model.EventQueueFull, model.SeverityWarning, map[string]interface{}{
		"provider": provider,
		"priority": string(priority),
		"depth":    depth,
	})
}

// RateLimitApproaching records a leaky bucket nearing capacity.
func (l *Log) RateLimitApproaching(ctx context.Context, provider string, level, capacity float64) error {
	return l.emit(ctx, model.SystemTaskID, model.EventRateLimitApproaching, model.SeverityWarning, map[string]interface{}{
		"provider": provider,
		"level":    level,
		"capacity": capacity,
	})
}

// ProviderHealthDegrading records a provider's health bucket worsening.
func (l *Log) ProviderHealthDegrading(ctx context.Context, provider string, from, to model.HealthState) error {
	return l.emit(ctx, model.SystemTaskID, model.EventProviderHealthDegrading, model.SeverityWarning, map[string]interface{}{
		"provider": provider,
		"from":     string(from),
		"to":       string(to),
	})
}

// ProviderHealthRecovering records a provider's health bucket improving.
func (l *Log) ProviderHealthRecovering(ctx context.Context, provider string, from, to model.HealthState) error {
	return l.emit(ctx, model.SystemTaskID, model.EventProviderHealthRecovering, model.SeverityInfo, map[string]interface{}{
		"provider": provider,
		"from":     string(from),
		"to":       string(to),
	})
}

// QueueUtilizationSpike records a sudden jump in queue depth.
func (l *Log) QueueUtilizationSpike(ctx context.Context, provider string, before, after float64) error {
	return l.emit(ctx, model.SystemTaskID, model.EventQueueUtilizationSpike, model.SeverityWarning, map[string]interface{}{
		"provider": provider,
		"before":   before,
		"after":    after,
	})
}

// PredictiveHealthAlert records a predicted time-to-state crossing the
// alert threshold.
func (l *Log) PredictiveHealthAlert(ctx context.Context, provider string, channel string, predictedState model.HealthState, etaSeconds float64, confidence float64) error {
	return l.emit(ctx, model.SystemTaskID, model.EventPredictiveHealthAlert, model.SeverityWarning, map[string]interface{}{
		"provider":        provider,
		"channel":         channel,
		"predicted_state": string(predictedState),
		"eta_seconds":     etaSeconds,
		"confidence":      confidence,
	})
}

// LimitConfigChanged records a provider policy hot-reload.
func (l *Log) LimitConfigChanged(ctx context.Context, provider string, field string, oldValue, newValue interface{}) error {
	return l.emit(ctx, model.SystemTaskID, model.EventLimitConfigChanged, model.SeverityInfo, map[string]interface{}{
		"provider":  provider,
		"field":     field,
		"old_value": oldValue,
		"new_value": newValue,
	})
}

// HeartbeatMissed records an agent failing to renew a lease on schedule.
func (l *Log) HeartbeatMissed(ctx context.Context, taskID, agentID string, consecutiveMisses int) error {
	return l.emit(ctx, taskID, model.EventHeartbeatMissed, model.SeverityWarning, map[string]interface{}{
		"agent_id":           agentID,
		"consecutive_misses": consecutiveMisses,
	})
}

// HeartbeatRenewFailure records a lease renewal attempt that errored.
func (l *Log) HeartbeatRenewFailure(ctx context.Context, taskID, agentID string, reason string) error {
	return l.emit(ctx, taskID, model.EventHeartbeatRenewFailure, model.SeverityError, map[string]interface{}{
		"agent_id": agentID,
		"reason":   reason,
	})
}

// AgentHealthCheck records a periodic liveness sweep result for an agent.
func (l *Log) AgentHealthCheck(ctx context.Context, agentID string, healthy bool, activeLeases int) error {
	return l.emit(ctx, model.SystemTaskID, model.EventAgentHealthCheck, model.SeverityInfo, map[string]interface{}{
		"agent_id":      agentID,
		"healthy":       healthy,
		"active_leases": activeLeases,
	})
}

// Since returns events of kind since a timestamp, newest first.
func (l *Log) Since(ctx context.Context, kind model.EventKind, since time.Time, limit int) ([]*model.Event, error) {
	return l.store.QueryEvents(ctx, store.EventFilter{Kind: kind, Since: since}, limit)
}

// ForTask returns all events recorded against a task, newest first.
func (l *Log) ForTask(ctx context.Context, taskID string, limit int) ([]*model.Event, error) {
	return l.store.QueryEvents(ctx, store.EventFilter{TaskID: taskID}, limit)
}

// CountSince counts events of a kind recorded since a timestamp.
func (l *Log) CountSince(ctx context.Context, kind model.EventKind, since time.Time) (int, error) {
	return l.store.CountEventsByKind(ctx, kind, since)
}
