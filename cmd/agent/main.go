// Command agent is the fleet coordinator's pull-based worker process: it
// polls claimNextTask, executes the claimed payload, pings heartbeat while
// the task runs, and reports the outcome. There is no agent-side HTTP
// server for job dispatch: the coordinator never initiates a connection
// to an agent, so the whole loop is poll-execute-report rather than a
// register-once-then-push model.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/beadforge/fleetctl/internal/logging"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		panic(err)
	}

	slog, err := logging.New(os.Getenv("FLEETCTL_AGENT_DEV_LOGGING") == "true")
	if err != nil {
		panic(err)
	}
	defer slog.Sync() //nolint:errcheck

	slog.Infow("agent starting", "agent_id", cfg.AgentID, "coordinator", cfg.CoordinatorURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Infow("received shutdown signal")
		cancel()
	}()

	go serveHealth(cfg, slog)

	c := newClient(cfg)
	ex := newExecutor(slog)

	runClaimLoop(ctx, c, ex, cfg, slog)
	slog.Infow("agent shutting down")
}

// runClaimLoop polls claimNextTask, backing off with a cap when nothing is
// eligible, and executes+reports whatever it claims. One task at a time:
// the Agent Protocol's claim throttle and this loop's synchronous
// claim-execute-report cycle together bound an agent to a single
// in-flight task.
func runClaimLoop(ctx context.Context, c *client, ex *executor, cfg *Config, log *zap.SugaredLogger) {
	backoff := cfg.ClaimEmptyBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		task, err := c.claimNextTask()
		if err != nil {
			if errors.Is(err, ErrNoTask) {
				if !sleepOrDone(ctx, backoff) {
					return
				}
				backoff *= 2
				if backoff > cfg.ClaimMaxBackoff {
					backoff = cfg.ClaimMaxBackoff
				}
				continue
			}
			log.Warnw("claim failed", "error", err)
			if !sleepOrDone(ctx, cfg.ClaimEmptyBackoff) {
				return
			}
			continue
		}

		backoff = cfg.ClaimEmptyBackoff
		executeAndReport(ctx, c, ex, cfg, log, task)

		if !sleepOrDone(ctx, cfg.ClaimPollInterval) {
			return
		}
	}
}

// executeAndReport runs one claimed task to completion, pinging heartbeat
// on an interval for the duration, and posts the outcome when done.
func executeAndReport(ctx context.Context, c *client, ex *executor, cfg *Config, log *zap.SugaredLogger, task *claimedTask) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	go func() {
		ticker := time.NewTicker(cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.sendHeartbeat(task.TaskID); err != nil {
					log.Warnw("heartbeat failed", "task_id", task.TaskID, "error", err)
				}
			case <-hbCtx.Done():
				return
			}
		}
	}()

	result := ex.run(task.TaskID, task.Payload)
	stopHeartbeat()

	req := outcomeRequest{
		Success:  result.Success,
		Evidence: result.Evidence,
		Error:    result.ErrMsg,
	}
	if err := c.reportOutcome(task.TaskID, req); err != nil {
		log.Errorw("reporting outcome failed", "task_id", task.TaskID, "error", err)
		return
	}
	log.Infow("outcome reported", "task_id", task.TaskID, "success", result.Success)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// serveHealth exposes a liveness endpoint for process supervisors. The
// agent has no other HTTP surface: job dispatch is pull-only.
func serveHealth(cfg *Config, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	log.Infow("agent health endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnw("health server stopped", "error", err)
	}
}
