// Command coordinatord is the fleet coordinator's long-running process:
// the durable task/lease state machine, the backpressure pipeline, and
// their HTTP surfaces (Agent Protocol + event stream), wired together and
// started under one cron-driven maintenance scheduler. Wiring runs in the
// usual top-level order: store, then scheduler, then background workers,
// then HTTP routes, then listen; routes mount on go-chi and logging runs
// through zap rather than the stdlib logger.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/beadforge/fleetctl/internal/agentproto"
	"github.com/beadforge/fleetctl/internal/backpressure"
	"github.com/beadforge/fleetctl/internal/cache"
	"github.com/beadforge/fleetctl/internal/config"
	"github.com/beadforge/fleetctl/internal/eventlog"
	"github.com/beadforge/fleetctl/internal/heartbeat"
	"github.com/beadforge/fleetctl/internal/logging"
	"github.com/beadforge/fleetctl/internal/model"
	"github.com/beadforge/fleetctl/internal/observability"
	"github.com/beadforge/fleetctl/internal/predict"
	"github.com/beadforge/fleetctl/internal/quota"
	"github.com/beadforge/fleetctl/internal/queue"
	"github.com/beadforge/fleetctl/internal/ratelimit"
	"github.com/beadforge/fleetctl/internal/reviewgate"
	"github.com/beadforge/fleetctl/internal/scheduler"
	"github.com/beadforge/fleetctl/internal/store"
	"github.com/beadforge/fleetctl/internal/streaming"
	"github.com/beadforge/fleetctl/internal/verify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logging.New(cfg.Development)
	if err != nil {
		panic(err)
	}
	defer log.Sync() //nolint:errcheck

	var s store.Store
	if cfg.PostgresDSN != "" {
		if err := store.RunMigrations(cfg.PostgresDSN); err != nil {
			log.Fatalw("running migrations", "error", err)
		}
		pg, err := store.NewPostgresStore(context.Background(), cfg.PostgresDSN)
		if err != nil {
			log.Fatalw("connecting to postgres", "error", err)
		}
		s = pg
		log.Infow("using postgres store", "dsn_host_redacted", true)
	} else {
		s = store.NewMemoryStore()
		log.Warnw("no FLEETCTL_POSTGRES_DSN set, using in-memory store (not durable)")
	}

	var idem *store.IdempotencyStore
	if cfg.RedisAddr != "" {
		idem, err = store.NewIdempotencyStore(cfg.RedisAddr)
		if err != nil {
			log.Fatalw("connecting to redis for idempotency store", "error", err)
		}
	} else {
		log.Warnw("no FLEETCTL_REDIS_ADDR set, Agent Protocol calls are not deduplicated")
	}

	events := eventlog.New(s)
	sched := scheduler.New(s, scheduler.Config{MaxRetries: cfg.MaxRetries})
	hb := heartbeat.New(s, heartbeat.Config{
		HeartbeatInterval:    cfg.HeartbeatInterval,
		LeaseRenewalInterval: cfg.LeaseRenewalInterval,
		HealthCheckInterval:  cfg.HealthCheckInterval,
		LeaseTTL:             cfg.LeaseTTL,
		MaxConsecutiveMisses: cfg.MaxHeartbeatFailures,
	}, log)

	providers, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		log.Fatalw("loading providers config", "error", err)
	}
	rate := ratelimit.New()
	for _, p := range providers.Providers {
		rate.Configure(p.Name, p.BucketCapacity, p.RefillPerSecond)
	}
	q := queue.New(events, 1000, 1000, 1000)
	pred := predict.New(cfg.PredictionHorizon)
	qc := quota.New(os.Getenv("FLEETCTL_QUOTA_ORACLE_URL"), nil)
	qc.OnFailOpen = func(provider string, err error) {
		observability.QuotaOracleFailOpens.WithLabelValues(provider).Inc()
		log.Warnw("quota oracle fail-open", "provider", provider, "error", err)
	}
	c := cache.New()
	bp := backpressure.New(rate, q, pred, qc, c, events, observability.BackpressureMetrics{})

	rehydrateQueue(context.Background(), s, q, log)

	hub := streaming.NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	for _, p := range providers.Providers {
		go runQueueConsumer(ctx, s, bp, q, p.Name, log)
	}

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.Get("/stream", hub.ServeWS)
	mux.Get("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		snap, err := streaming.BuildSnapshot(r.Context(), s, 100)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, snap)
	})
	mux.Post("/submit", func(w http.ResponseWriter, r *http.Request) {
		handleSubmit(w, r, s, bp)
	})
	mux.Get("/backpressure/metrics", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, bp.GetMetrics())
	})

	agents := agentproto.New(sched, hb, idem, agentproto.Config{
		LeaseTTL:           cfg.LeaseTTL,
		CORSAllowedOrigins: []string{"*"},
	}, log)
	mux.Mount("/", agents.Router)

	gate := reviewgate.New(s)
	verifiers := verify.New()
	ciRoutes(mux, gate, verifiers)

	cronSched := cron.New()
	if _, err := cronSched.AddFunc("@every 1m", func() {
		n, err := sched.ReclaimExpired(context.Background())
		if err != nil {
			log.Errorw("reclaim expired leases", "error", err)
			return
		}
		if n > 0 {
			observability.LeasesExpired.Add(float64(n))
			log.Infow("reclaimed expired leases", "count", n)
		}
	}); err != nil {
		log.Fatalw("scheduling lease reclamation", "error", err)
	}
	if _, err := cronSched.AddFunc("@every 1h", func() {
		cutoff := time.Now().Add(-cfg.EventRetention)
		n, err := s.TrimEventsBefore(context.Background(), cutoff)
		if err != nil {
			log.Errorw("trim events", "error", err)
			return
		}
		log.Infow("trimmed old events", "count", n, "cutoff", cutoff)
	}); err != nil {
		log.Fatalw("scheduling event retention trim", "error", err)
	}
	if _, err := cronSched.AddFunc("@every 30s", func() {
		for _, key := range c.RefreshCandidates(time.Now()) {
			log.Debugw("cache entry past half-TTL, candidate for refresh", "key", key)
		}
		c.Sweep(time.Now())
	}); err != nil {
		log.Fatalw("scheduling cache sweep", "error", err)
	}
	cronSched.Start()
	defer cronSched.Stop()

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Infow("coordinator listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("http server failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Infow("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("http server shutdown", "error", err)
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

type submitRequest struct {
	TaskID   string         `json:"task_id"`
	Provider string         `json:"provider"`
	Priority model.Priority `json:"priority"`
}

// handleSubmit runs a proposed task through the Backpressure Manager's
// admission pipeline before any task row is written: a ROUTE decision
// creates a READY row, a DEFER decision a BLOCKED row, and THROTTLE or
// DROP creates no row.
func handleSubmit(w http.ResponseWriter, r *http.Request, s store.Store, bp *backpressure.Manager) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	decision := bp.Submit(r.Context(), backpressure.Input{
		TaskID:   req.TaskID,
		Provider: req.Provider,
		Priority: req.Priority,
	}, time.Now())

	switch decision.Action {
	case model.ActionRoute:
		if err := s.InsertTask(r.Context(), &model.Task{
			ID:       req.TaskID,
			State:    model.TaskReady,
			Provider: req.Provider,
			Priority: priorityWeight(req.Priority),
		}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	case model.ActionDefer:
		// The queue accepted this task in-memory only; persist a BLOCKED
		// row so a restart can rehydrate it back into the queue instead
		// of losing it outright.
		if err := s.InsertTask(r.Context(), &model.Task{
			ID:       req.TaskID,
			State:    model.TaskBlocked,
			Provider: req.Provider,
			Priority: priorityWeight(req.Priority),
		}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	respondJSON(w, decision)
}

// priorityFromWeight is priorityWeight's inverse, used when rehydrating a
// BLOCKED task row back into the queue's named priority tiers.
func priorityFromWeight(w int) model.Priority {
	switch w {
	case 3:
		return model.PriorityHigh
	case 2:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}

// rehydrateQueue repopulates the in-memory queue from BLOCKED tasks left
// over from a previous process, since the queue itself holds no state
// across restarts.
func rehydrateQueue(ctx context.Context, s store.Store, q *queue.Manager, log *zap.SugaredLogger) {
	tasks, err := s.ListTasksByState(ctx, model.TaskBlocked, 0)
	if err != nil {
		log.Warnw("rehydrate: listing blocked tasks failed", "error", err)
		return
	}
	for _, t := range tasks {
		result := q.Enqueue(&model.QueueItem{
			ID:         t.ID,
			Provider:   t.Provider,
			Priority:   priorityFromWeight(t.Priority),
			EnqueuedAt: t.CreatedAt,
		})
		if !result.Accepted {
			log.Warnw("rehydrate: queue rejected blocked task", "task_id", t.ID, "provider", t.Provider)
		}
	}
	if len(tasks) > 0 {
		log.Infow("rehydrated blocked tasks into queue", "count", len(tasks))
	}
}

// runQueueConsumer periodically drains provider's deferred-task queue,
// re-running each item through the backpressure pipeline until it routes,
// drops, or goes back to waiting.
func runQueueConsumer(ctx context.Context, s store.Store, bp *backpressure.Manager, q *queue.Manager, provider string, log *zap.SugaredLogger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drainQueueOnce(ctx, s, bp, q, provider, log)
		}
	}
}

// drainQueueOnce pulls at most one tick's worth of items off provider's
// queue: the number of pops is bounded by the depth observed at the start
// of the tick. An item that goes back onto the queue can be popped again
// within the same tick when it is the highest-priority item left.
func drainQueueOnce(ctx context.Context, s store.Store, bp *backpressure.Manager, q *queue.Manager, provider string, log *zap.SugaredLogger) {
	depth := q.TotalDepth(provider)
	for i := 0; i < depth; i++ {
		task, ok := bp.GetNextScheduledTask(ctx, provider)
		if !ok {
			return
		}

		decision := bp.Submit(ctx, backpressure.Input{
			TaskID:   task.TaskID,
			Provider: provider,
			Priority: task.Priority,
		}, time.Now())

		switch decision.Action {
		case model.ActionRoute:
			if err := s.Transition(ctx, task.TaskID, model.TaskBlocked, model.TaskReady, model.EventAllowed, model.SeverityInfo, nil); err != nil {
				log.Warnw("queue consumer: promoting blocked task to ready failed", "task_id", task.TaskID, "provider", provider, "error", err)
			}
		case model.ActionDrop:
			if err := s.Transition(ctx, task.TaskID, model.TaskBlocked, model.TaskError, model.EventTaskError, model.SeverityError, map[string]interface{}{"reason": decision.Reason}); err != nil {
				log.Warnw("queue consumer: erroring dropped blocked task failed", "task_id", task.TaskID, "provider", provider, "error", err)
			}
		case model.ActionThrottle:
			// Rate tightened since this item was queued; give it another
			// pass instead of losing its place.
			q.Enqueue(&model.QueueItem{ID: task.TaskID, Provider: provider, Priority: task.Priority})
		case model.ActionDefer:
			// Submit's own apply stage already re-enqueued it; the task
			// row stays BLOCKED until a later tick routes or drops it.
		}
	}
}

// priorityWeight maps the backpressure pipeline's named priority tiers
// to the Task table's integer priority column, which Reserve orders on
// directly ("priority desc").
func priorityWeight(p model.Priority) int {
	switch p {
	case model.PriorityHigh:
		return 3
	case model.PriorityMedium:
		return 2
	default:
		return 1
	}
}
