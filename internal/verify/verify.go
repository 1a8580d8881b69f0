// Package verify implements the verifier registry: named, pure
// verification functions keyed by tag, run sequentially and aggregated
// into a pass/fail report. Built on a named-check/report-collection
// shape generalized to an arbitrary tag-keyed registry, rather than any
// one fixed set of checks.
package verify

import "context"

// Result is PASS or FAIL.
type Result string

const (
	ResultPass Result = "PASS"
	ResultFail Result = "FAIL"
)

// Verifier is a pure function over ctx: no side effects, no mutation of
// shared state, failures returned rather than panicked.
type Verifier func(ctx context.Context) (Result, map[string]interface{})

// Outcome is one verifier's recorded result.
type Outcome struct {
	Tag     string
	Result  Result
	Details map[string]interface{}
}

// Report is the aggregate of every matching verifier's Outcome.
type Report struct {
	Outcomes []Outcome
	Pass     bool
}

// Registry holds named verifiers keyed by tag. Multiple verifiers may
// share a tag; all of them run when that tag is requested.
type Registry struct {
	verifiers map[string][]Verifier
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{verifiers: make(map[string][]Verifier)}
}

// Register adds v under tag.
func (r *Registry) Register(tag string, v Verifier) {
	r.verifiers[tag] = append(r.verifiers[tag], v)
}

// RunVerifications invokes every verifier registered under any of tags,
// sequentially, collecting one Outcome per invocation. Aggregate Pass is
// true only if every outcome is PASS (an empty tag set or a tag with no
// registered verifiers trivially passes).
func (r *Registry) RunVerifications(ctx context.Context, tags []string) Report {
	report := Report{Pass: true}
	for _, tag := range tags {
		for _, v := range r.verifiers[tag] {
			result, details := v(ctx)
			report.Outcomes = append(report.Outcomes, Outcome{
				Tag:     tag,
				Result:  result,
				Details: details,
			})
			if result != ResultPass {
				report.Pass = false
			}
		}
	}
	return report
}
