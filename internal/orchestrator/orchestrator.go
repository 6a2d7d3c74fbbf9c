// Package orchestrator sequences EarCrawler's end-to-end build pipeline
// (C11): snapshot-validate, corpus build, corpus validate, kg emit, kg
// validate, baseline compare, index rebuild, eval harness, one after
// another with a short-circuit on first failure, and emits a structured
// run summary.
package orchestrator

import (
	"context"
	"time"

	"earcrawler/internal/errs"
	"earcrawler/internal/logging"

	"github.com/google/uuid"
)

// StepStatus is one step's terminal outcome.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult records one step's name, outcome, and duration.
type StepResult struct {
	Name       string        `json:"name"`
	Status     StepStatus    `json:"status"`
	DurationMS int64         `json:"duration_ms"`
	Err        string        `json:"error,omitempty"`
}

// RunSummary is the structured output spec.md §4.11 requires.
type RunSummary struct {
	RunID      string       `json:"run_id"`
	Steps      []StepResult `json:"steps"`
	ExitCode   int          `json:"exit_code"`
	Provenance Provenance   `json:"provenance"`
}

// Provenance pins the summary to the inputs that produced it.
type Provenance struct {
	SnapshotDigest string `json:"snapshot_digest,omitempty"`
	CorpusDigest   string `json:"corpus_digest,omitempty"`
	KGDigest       string `json:"kg_digest,omitempty"`
}

// StepFunc runs one named pipeline step. It receives the running
// Provenance so later steps can read digests earlier steps computed, and
// may mutate it (e.g. corpus-build sets CorpusDigest for kg-emit to read).
type StepFunc func(ctx context.Context, prov *Provenance) error

// Step pairs a name with its function, in the fixed pipeline order.
type Step struct {
	Name string
	Run  StepFunc
}

// DefaultPipeline names the eight steps in spec.md §4.11's fixed order.
// Callers supply the Run function for each; Run wires them together.
var DefaultPipeline = []string{
	"snapshot-validate",
	"corpus-build",
	"corpus-validate",
	"kg-emit",
	"kg-validate",
	"baseline-compare",
	"index-rebuild",
	"eval-harness",
}

// Run executes steps strictly in order, stopping at the first failure.
// Every step after a failure is recorded as skipped rather than omitted,
// so the summary always accounts for the full pipeline shape.
func Run(ctx context.Context, steps []Step) RunSummary {
	summary := RunSummary{RunID: uuid.NewString(), Steps: make([]StepResult, 0, len(steps))}
	var prov Provenance

	failed := false
	for _, step := range steps {
		if failed {
			summary.Steps = append(summary.Steps, StepResult{Name: step.Name, Status: StepSkipped})
			continue
		}

		start := time.Now()
		err := step.Run(ctx, &prov)
		duration := time.Since(start)

		if err != nil {
			logging.OrchestratorError("step %s failed after %s: %v", step.Name, duration, err)
			summary.Steps = append(summary.Steps, StepResult{
				Name: step.Name, Status: StepFailed, DurationMS: duration.Milliseconds(), Err: err.Error(),
			})
			failed = true
			continue
		}

		logging.Orchestrator("step %s completed in %s", step.Name, duration)
		summary.Steps = append(summary.Steps, StepResult{Name: step.Name, Status: StepOK, DurationMS: duration.Milliseconds()})
	}

	summary.Provenance = prov
	if failed {
		summary.ExitCode = 1
	}
	return summary
}

// ErrStepNotImplemented is returned by a placeholder step a caller has
// not yet wired a real implementation for.
func ErrStepNotImplemented(name string) error {
	return errs.Newf(errs.InvalidInput, "step %q has no implementation wired", name)
}
