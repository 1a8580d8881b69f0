package backpressure

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/beadforge/fleetctl/internal/cache"
	"github.com/beadforge/fleetctl/internal/eventlog"
	"github.com/beadforge/fleetctl/internal/model"
	"github.com/beadforge/fleetctl/internal/predict"
	"github.com/beadforge/fleetctl/internal/quota"
	"github.com/beadforge/fleetctl/internal/queue"
	"github.com/beadforge/fleetctl/internal/ratelimit"
	"github.com/beadforge/fleetctl/internal/store"
)

func newTestManager(t *testing.T, withinQuota bool, daily float64) (*Manager, *ratelimit.Limiter, *queue.Manager) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		emoji := "green"
		if !withinQuota {
			emoji = "red"
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"withinQuota": withinQuota,
			"healthEmoji": emoji,
			"daily":       daily,
		})
	}))
	t.Cleanup(srv.Close)

	s := store.NewMemoryStore()
	events := eventlog.New(s)
	rate := ratelimit.New()
	q := queue.New(events, 10, 10, 10)
	pred := predict.New(10 * time.Minute)
	qc := quota.New(srv.URL, nil)
	c := cache.New()

	return New(rate, q, pred, qc, c, events, nil), rate, q
}

func TestHealthyRouteScenario(t *testing.T) {
	mgr, rate, _ := newTestManager(t, true, 10)
	rate.Configure("p", 5, 1)

	now := time.Now()
	decision := mgr.Submit(context.Background(), Input{TaskID: "t1", Provider: "p", Priority: model.PriorityMedium}, now)
	if decision.Action != model.ActionRoute {
		t.Fatalf("expected ROUTE, got %+v", decision)
	}
}

func TestQuotaBlockedScenario(t *testing.T) {
	mgr, rate, _ := newTestManager(t, false, 120)
	rate.Configure("p", 5, 1)

	now := time.Now()
	decision := mgr.Submit(context.Background(), Input{TaskID: "t2", Provider: "p", Priority: model.PriorityHigh}, now)
	if decision.Action != model.ActionDrop || decision.Reason != model.ReasonQuotaExceeded {
		t.Fatalf("expected DROP/QUOTA_EXCEEDED, got %+v", decision)
	}
}

func TestRateThrottleVsDropByPriority(t *testing.T) {
	mgr, rate, _ := newTestManager(t, true, 10)
	rate.Configure("p", 0, 0.0001) // effectively always empty, huge wait

	now := time.Now()
	high := mgr.Submit(context.Background(), Input{TaskID: "t-high", Provider: "p", Priority: model.PriorityHigh}, now)
	if high.Action != model.ActionDrop && high.Action != model.ActionThrottle {
		t.Fatalf("expected throttle or drop for high, got %+v", high)
	}

	low := mgr.Submit(context.Background(), Input{TaskID: "t-low", Provider: "p", Priority: model.PriorityLow}, now)
	if low.Action != model.ActionDrop || low.Reason != model.ReasonRateLimited {
		t.Fatalf("expected low priority to DROP with RATE_LIMITED, got %+v", low)
	}
}

func TestMediumDemotedToLowScenario(t *testing.T) {
	s := store.NewMemoryStore()
	events := eventlog.New(s)
	rate := ratelimit.New()
	rate.Configure("p", 5, 1)
	q := queue.New(events, 10, 1, 10)
	pred := predict.New(10 * time.Minute)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"withinQuota": true, "healthEmoji": "green"})
	}))
	defer srv.Close()
	qc := quota.New(srv.URL, nil)
	c := cache.New()
	mgr := New(rate, q, pred, qc, c, events, nil)

	now := time.Now()
	// Fill medium tier to capacity directly via the queue manager so the
	// pipeline's next medium submission must demote.
	q.Enqueue(&model.QueueItem{ID: "filler", Provider: "p", Priority: model.PriorityMedium})

	decision := mgr.Submit(context.Background(), Input{TaskID: "m2", Provider: "p", Priority: model.PriorityMedium}, now)
	if decision.Action != model.ActionDefer && decision.Action != model.ActionDrop {
		t.Fatalf("expected defer (applied as enqueue+demote), got %+v", decision)
	}
	if q.Depth("p", model.PriorityLow) != 1 {
		t.Fatalf("expected demoted item in low tier, got depth %d", q.Depth("p", model.PriorityLow))
	}
}
