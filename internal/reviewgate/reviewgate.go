// Package reviewgate implements the CI review gate: a pure decision
// function over a review-tool summary, plus an evidence-persisting wrapper
// that tracks review cycles per task and recommends escalation past a
// threshold. The wrapper holds a full store.Store and persists through
// internal/store's Evidence row (shared with the Verifier Registry).
package reviewgate

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/beadforge/fleetctl/internal/store"
)

// Tier is the review weight assigned to a change.
type Tier string

const (
	TierLight  Tier = "LIGHT"
	TierMedium Tier = "MEDIUM"
	TierHeavy  Tier = "HEAVY"
)

// Risk is the assessed risk level of a change.
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// ToolSummary is one review tool's findings.
type ToolSummary struct {
	Blocking int
	Details  map[string]interface{}
}

// Input is the full decision context for one review-gate evaluation.
type Input struct {
	TaskID     string
	Tier       Tier
	Risk       Risk
	Tier1Files []string
	Codex      *ToolSummary
	GPT5       *ToolSummary
}

// FailCode enumerates the gate's pass/fail outcomes. 0 is the only
// passing code.
type FailCode int

const (
	CodePass                  FailCode = 0
	CodeCodexBlocking         FailCode = 1
	CodeGPT5Required          FailCode = 2
	CodeCodexSummaryMissing   FailCode = 3
)

// Decision is the result of decide().
type Decision struct {
	Code    FailCode
	Reason  string
	Pass    bool
}

// Decide is a pure function over Input applying a fixed rule order:
// missing codex summary, codex blocking issues, gpt5-required check,
// gpt5 blocking issues, else pass.
func Decide(input Input) Decision {
	if input.Codex == nil {
		return Decision{Code: CodeCodexSummaryMissing, Reason: "codex summary missing"}
	}
	if input.Codex.Blocking > 0 {
		return Decision{Code: CodeCodexBlocking, Reason: "codex blocking issues"}
	}

	requiresGPT5 := input.Risk == RiskHigh || input.Tier == TierHeavy || len(input.Tier1Files) > 0
	if requiresGPT5 && input.GPT5 == nil {
		return Decision{Code: CodeGPT5Required, Reason: "gpt5 review required but missing"}
	}
	if input.GPT5 != nil && input.GPT5.Blocking > 0 {
		return Decision{Code: CodeCodexBlocking, Reason: "gpt5 blocking issues"}
	}

	return Decision{Code: CodePass, Reason: "", Pass: true}
}

const defaultEscalationThreshold = 3

// Gate wraps Decide with evidence persistence and cycle counting, backed
// by the same Store that holds task/lease/event state.
type Gate struct {
	store     store.Store
	threshold int
}

// New builds a Gate, reading FLEETCTL_REVIEW_ESCALATION_THRESHOLD if set
// (defaults to 3).
func New(s store.Store) *Gate {
	threshold := defaultEscalationThreshold
	if v := os.Getenv("FLEETCTL_REVIEW_ESCALATION_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			threshold = n
		}
	}
	return &Gate{store: s, threshold: threshold}
}

// GateResult is evaluateGate's return value: the decision plus
// cycle/escalation bookkeeping.
type GateResult struct {
	Decision              Decision
	Cycles                int
	EscalationRecommended bool
}

// EvaluateGate runs Decide, persists an Evidence row for this attempt, and
// computes whether the task's total review-cycle count has crossed the
// escalation threshold.
func (g *Gate) EvaluateGate(ctx context.Context, input Input, attempt int, now time.Time) (GateResult, error) {
	decision := Decide(input)

	result := "PASS"
	if !decision.Pass {
		result = "FAIL"
	}

	ev := &store.Evidence{
		TaskID:   input.TaskID,
		Attempt:  attempt,
		Verifier: "ci_review_gate",
		Result:   result,
		Details: map[string]interface{}{
			"code":   decision.Code,
			"reason": decision.Reason,
			"tier":   input.Tier,
			"risk":   input.Risk,
		},
		Timestamp: now,
	}
	if err := g.store.InsertEvidence(ctx, ev); err != nil {
		return GateResult{}, err
	}

	cycles, err := g.store.CountEvidenceCycles(ctx, input.TaskID)
	if err != nil {
		return GateResult{}, err
	}

	return GateResult{
		Decision:              decision,
		Cycles:                cycles,
		EscalationRecommended: cycles >= g.threshold,
	}, nil
}
