package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/beadforge/fleetctl/internal/reviewgate"
	"github.com/beadforge/fleetctl/internal/verify"
)

// ciRoutes mounts the CI-facing endpoints a build pipeline calls once it
// has review-tool output or verifier results for a task, ahead of
// reportOutcome. Neither endpoint touches task state directly: the review
// endpoint records evidence and returns a gate decision, the verify
// endpoint only runs the verifiers and returns their report, leaving the agent's
// reportOutcome as the single place a task actually transitions — one
// writer per concern, same as everywhere else state changes.
func ciRoutes(mux chi.Router, gate *reviewgate.Gate, verifiers *verify.Registry) {
	mux.Post("/ci/review/{taskID}", func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")

		var req struct {
			Attempt    int                     `json:"attempt"`
			Tier       reviewgate.Tier         `json:"tier"`
			Risk       reviewgate.Risk         `json:"risk"`
			Tier1Files []string                `json:"tier1_files"`
			Codex      *reviewgate.ToolSummary `json:"codex"`
			GPT5       *reviewgate.ToolSummary `json:"gpt5"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		result, err := gate.EvaluateGate(r.Context(), reviewgate.Input{
			TaskID:     taskID,
			Tier:       req.Tier,
			Risk:       req.Risk,
			Tier1Files: req.Tier1Files,
			Codex:      req.Codex,
			GPT5:       req.GPT5,
		}, req.Attempt, time.Now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		respondJSON(w, result)
	})

	mux.Post("/ci/verify/{taskID}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tags []string `json:"tags"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		report := verifiers.RunVerifications(r.Context(), req.Tags)
		respondJSON(w, report)
	})
}
