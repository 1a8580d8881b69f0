// Package agentproto implements the pull-based Agent Protocol HTTP
// surface: claimNextTask, heartbeat, reportOutcome. The coordinator never
// opens a connection to an agent; agents poll. Built on a chi.Router with
// a Respond/RespondError JSON envelope. claimNextTask delegates straight
// to scheduler.Reserve and must not emit its own CLAIMED event — both the
// scheduler and a dispatch layer emitting it was a past duplicate-claim
// regression.
package agentproto

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/beadforge/fleetctl/internal/heartbeat"
	"github.com/beadforge/fleetctl/internal/model"
	"github.com/beadforge/fleetctl/internal/scheduler"
	"github.com/beadforge/fleetctl/internal/store"
)

// Config controls the claim-request throttle and default lease TTL.
type Config struct {
	LeaseTTL            time.Duration
	ClaimRateLimit      rate.Limit // claims/sec allowed per agent
	ClaimBurst          int
	CORSAllowedOrigins  []string
}

// Server exposes the Agent Protocol over HTTP.
type Server struct {
	Router *chi.Mux

	scheduler *scheduler.Scheduler
	heartbeat *heartbeat.Manager
	idem      *store.IdempotencyStore
	config    Config
	log       *zap.SugaredLogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Server wiring the Scheduler and Heartbeat Manager behind
// chi routes. idem may be nil to disable idempotency deduplication.
func New(sched *scheduler.Scheduler, hb *heartbeat.Manager, idem *store.IdempotencyStore, config Config, log *zap.SugaredLogger) *Server {
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 5 * time.Minute
	}
	if config.ClaimRateLimit <= 0 {
		config.ClaimRateLimit = 5
	}
	if config.ClaimBurst <= 0 {
		config.ClaimBurst = 5
	}

	s := &Server{
		scheduler: sched,
		heartbeat: hb,
		idem:      idem,
		config:    config,
		log:       log,
		limiters:  make(map[string]*rate.Limiter),
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: config.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "Idempotency-Key"},
	}))
	r.Post("/agent/{agentID}/claim", s.handleClaim)
	r.Post("/agent/{agentID}/heartbeat/{taskID}", s.handleHeartbeat)
	r.Post("/agent/outcome/{taskID}", s.handleReportOutcome)

	s.Router = r
	return s
}

func (s *Server) limiterFor(agentID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[agentID]
	if !ok {
		l = rate.NewLimiter(s.config.ClaimRateLimit, s.config.ClaimBurst)
		s.limiters[agentID] = l
	}
	return l
}

type claimResponse struct {
	TaskID   string `json:"task_id"`
	Provider string `json:"provider"`
	Priority int    `json:"priority"`
	Payload  []byte `json:"payload"`
	LeaseExp string `json:"lease_expires_at"`
}

// handleClaim implements claimNextTask(agent): reserve the next eligible
// task for agentID and activate its heartbeat loops. Emits no events of
// its own — Scheduler.Reserve already emitted CLAIMED inside the Store
// transaction.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	if !s.limiterFor(agentID).Allow() {
		respondError(w, http.StatusTooManyRequests, "rate_limited", "claim requests throttled")
		return
	}

	task, lease, err := s.scheduler.Reserve(r.Context(), agentID, s.config.LeaseTTL)
	if errors.Is(err, scheduler.ErrNoEligibleTask) {
		respond(w, http.StatusNoContent, nil)
		return
	}
	if err != nil {
		s.log.Errorw("claim: reserve failed", "agent_id", agentID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal", "reserve failed")
		return
	}

	if s.heartbeat != nil {
		s.heartbeat.Start(r.Context(), agentID)
	}

	respond(w, http.StatusOK, claimResponse{
		TaskID:   task.ID,
		Provider: task.Provider,
		Priority: task.Priority,
		Payload:  task.Payload,
		LeaseExp: lease.LeaseExpiresAt.Format(time.RFC3339),
	})
}

// handleHeartbeat implements heartbeat(agent, taskId): a liveness ping
// from the agent. Lease renewal itself is driven by the Heartbeat
// Manager's own ticker, not this call — this endpoint exists so an agent
// can report progress/liveness out of band without waiting for the next
// renewal tick, and is a no-op beyond acknowledging receipt.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

type reportOutcomeRequest struct {
	Success   bool                   `json:"success"`
	Evidence  map[string]interface{} `json:"evidence"`
	Error     string                 `json:"error"`
	Retryable *bool                  `json:"retryable"`
}

// handleReportOutcome implements reportOutcome(taskId, {success|error,
// evidence}). Deduplicated via the Idempotency-Key header when idem is
// configured, so an agent retrying a dropped response doesn't double-
// apply a COMMITTED/ERROR transition.
func (s *Server) handleReportOutcome(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var req reportOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	apply := func(ctx context.Context) ([]byte, error) {
		var taskErr error
		if req.Error != "" {
			taskErr = errors.New(req.Error)
		}
		outcome := scheduler.Outcome{
			Success:   req.Success,
			Evidence:  req.Evidence,
			Err:       taskErr,
			Retryable: req.Retryable,
		}
		if err := s.scheduler.ReportOutcome(ctx, taskID, outcome); err != nil {
			return nil, err
		}
		return []byte(`{"status":"ok"}`), nil
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if s.idem == nil || idemKey == "" {
		if _, err := apply(r.Context()); err != nil {
			s.log.Errorw("report outcome failed", "task_id", taskID, "error", err)
			respondError(w, http.StatusInternalServerError, "internal", "report outcome failed")
			return
		}
		respond(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	rec, err := s.idem.Execute(r.Context(), idemKey, apply)
	if err != nil {
		s.log.Errorw("report outcome failed", "task_id", taskID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal", "report outcome failed")
		return
	}
	if rec.Phase == store.PhaseLocked {
		respondError(w, http.StatusConflict, "in_progress", "a prior attempt is still executing")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Body)
}

func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errCode, message string) {
	respond(w, status, map[string]string{"error": errCode, "message": message})
}

var _ = model.EventClaimed // claimNextTask intentionally never emits this directly
