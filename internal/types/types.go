// Package types defines the domain records shared by the classifier, the
// extraction engine and the repair orchestrator.
package types

import (
	"fmt"
	"time"
)

// Module is a unit of code under test. Immutable once loaded.
type Module struct {
	ID     string `json:"id"`     // stable identifier, e.g. "module_007"
	Name   string `json:"name"`   // importable Python module name
	Path   string `json:"path"`   // source path, empty for in-memory modules
	Source string `json:"source"` // module source text
}

// ArtifactKind distinguishes an initial generation from a repair.
type ArtifactKind string

const (
	KindInitial ArtifactKind = "initial"
	KindRepair  ArtifactKind = "repair"
)

// TestArtifact is a candidate test source produced by generation or repair.
type TestArtifact struct {
	ModuleID string       `json:"module_id"`
	Kind     ArtifactKind `json:"kind"`
	Sequence int          `json:"sequence"` // 0 for initial, retry number for repairs
	Source   string       `json:"source"`
}

// Transcript is the combined stdout/stderr of running an artifact.
type Transcript struct {
	Output    string        `json:"output"`
	CleanExit bool          `json:"clean_exit"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Status is the coarse outcome of one iteration.
type Status string

const (
	StatusCompiled Status = "compiled"
	StatusRan      Status = "ran"
	StatusPassed   Status = "passed"
	StatusFailed   Status = "failed"

	// StatusError marks a RunRecord aborted by an infrastructure fault.
	// It never appears on an OutcomeRecord.
	StatusError Status = "error"
)

// FailureKind refines a non-passing status.
type FailureKind string

const (
	FailureSyntax    FailureKind = "syntax"
	FailureImport    FailureKind = "import"
	FailureAssertion FailureKind = "assertion"
	FailureNone      FailureKind = "none"
)

// Counts are per-run test tallies. Total is Passed+Failed+Errored except
// when a collection error short-circuits counting.
type Counts struct {
	Passed  int `json:"tests_passed"`
	Failed  int `json:"tests_failed"`
	Errored int `json:"tests_error"`
	Total   int `json:"tests_total"`
}

// OutcomeRecord is the classifier's verdict for one artifact/transcript pair.
type OutcomeRecord struct {
	Status      Status      `json:"status"`
	FailureKind FailureKind `json:"failure_kind"`
	Counts      Counts      `json:"counts"`
}

// IsPassed reports whether the outcome ends the repair loop successfully.
func (o OutcomeRecord) IsPassed() bool { return o.Status == StatusPassed }

// IsSyntax reports whether the artifact failed to parse.
func (o OutcomeRecord) IsSyntax() bool { return o.FailureKind == FailureSyntax }

func (o OutcomeRecord) String() string {
	return fmt.Sprintf("%s/%s (%d passed, %d failed, %d errors, %d total)",
		o.Status, o.FailureKind, o.Counts.Passed, o.Counts.Failed, o.Counts.Errored, o.Counts.Total)
}

// Iteration is one step of the repair loop.
type Iteration struct {
	Index          int           `json:"index"`
	Artifact       TestArtifact  `json:"artifact"`
	Transcript     Transcript    `json:"transcript"`
	Outcome        OutcomeRecord `json:"outcome"`
	GenerationTime time.Duration `json:"generation_time"`
	Tokens         int           `json:"tokens"`
	StartedAt      time.Time     `json:"started_at"`
}

// RunRecord is the full per-module trace of one pipeline invocation.
type RunRecord struct {
	RunID            string        `json:"run_id"`
	ModuleID         string        `json:"module_id"`
	Model            string        `json:"model"`
	PromptID         string        `json:"prompt_id"`
	Iterations       []Iteration   `json:"iterations"`
	FinalStatus      Status        `json:"final_status"`
	FinalFailureKind FailureKind   `json:"final_failure_kind"`
	Error            string        `json:"error,omitempty"`
	Elapsed          time.Duration `json:"elapsed"`
	StartedAt        time.Time     `json:"started_at"`
}

// Append adds the next iteration. Indices must be contiguous from zero.
func (r *RunRecord) Append(it Iteration) error {
	if it.Index != len(r.Iterations) {
		return fmt.Errorf("iteration index %d out of order (have %d)", it.Index, len(r.Iterations))
	}
	r.Iterations = append(r.Iterations, it)
	return nil
}

// Last returns the most recent iteration, if any.
func (r *RunRecord) Last() (Iteration, bool) {
	if len(r.Iterations) == 0 {
		return Iteration{}, false
	}
	return r.Iterations[len(r.Iterations)-1], true
}

// Finalize copies the last iteration's outcome into the final fields.
func (r *RunRecord) Finalize() {
	if last, ok := r.Last(); ok {
		r.FinalStatus = last.Outcome.Status
		r.FinalFailureKind = last.Outcome.FailureKind
	}
}

// Fail marks the record as aborted by an infrastructure fault.
func (r *RunRecord) Fail(err error) {
	r.FinalStatus = StatusError
	r.FinalFailureKind = FailureNone
	r.Error = err.Error()
}

// Passed reports whether the run ended in Passed.
func (r *RunRecord) Passed() bool { return r.FinalStatus == StatusPassed }
