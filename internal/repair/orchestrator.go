// Package repair drives the per-module generate → execute → classify →
// repair loop and records every step as an append-only RunRecord.
package repair

import (
	"context"
	"fmt"
	"time"

	"tinytest/internal/extract"
	"tinytest/internal/generate"
	"tinytest/internal/logging"
	"tinytest/internal/outcome"
	"tinytest/internal/types"
)

// State is a state of the per-module repair loop.
type State string

const (
	StateInitial   State = "initial"
	StateRepairing State = "repairing"
	StatePassed    State = "passed"
	StateExhausted State = "exhausted"
	StateError     State = "error"
)

// Terminal reports whether the loop stops in this state.
func (s State) Terminal() bool {
	return s == StatePassed || s == StateExhausted || s == StateError
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Generator produces test source for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (generate.Generation, error)
}

// Executor runs an artifact against its module. Ordinary test failures are
// transcripts; only infrastructure faults are errors.
type Executor interface {
	Execute(ctx context.Context, artifact types.TestArtifact, module types.Module) (types.Transcript, error)
}

// PromptBuilder renders the prompts sent to the Generator.
type PromptBuilder interface {
	Generation(ctx context.Context, module types.Module) string
	Repair(ctx context.Context, module types.Module, previousTest, pytestLog string) string
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Observer is told about every recorded iteration, in order.
type Observer interface {
	IterationRecorded(rec *types.RunRecord, it types.Iteration)
}

// =============================================================================
// ERRORS
// =============================================================================

// Stages at which an infrastructure fault can occur.
const (
	StageGenerate = "generate"
	StageExecute  = "execute"
	StageCanceled = "canceled"
)

// InfraError is an infrastructure fault: the generator or executor failed, or
// the run was canceled. It aborts only the module it happened in.
type InfraError struct {
	ModuleID  string
	Stage     string
	Iteration int
	Err       error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("%s: %s failed at iteration %d: %v", e.ModuleID, e.Stage, e.Iteration, e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Config holds the loop bounds and the identifiers recorded on each run.
type Config struct {
	MaxRetries int    // repair attempts after the initial iteration; 0 disables repair
	Model      string // recorded on the RunRecord
	PromptID   string // recorded on the RunRecord
}

// Orchestrator runs the repair loop. It holds no per-module state, so one
// Orchestrator may serve many modules concurrently.
type Orchestrator struct {
	config     Config
	generator  Generator
	executor   Executor
	classifier outcome.Classifier
	prompts    PromptBuilder
	clock      Clock
	observer   Observer
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(o *Orchestrator) { o.clock = c } }

// WithClassifier replaces the marker classifier.
func WithClassifier(c outcome.Classifier) Option { return func(o *Orchestrator) { o.classifier = c } }

// WithObserver registers an iteration observer.
func WithObserver(obs Observer) Option { return func(o *Orchestrator) { o.observer = obs } }

// New creates an Orchestrator.
func New(config Config, generator Generator, executor Executor, prompts PromptBuilder, opts ...Option) (*Orchestrator, error) {
	if config.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be non-negative, got %d", config.MaxRetries)
	}
	if generator == nil || executor == nil || prompts == nil {
		return nil, fmt.Errorf("generator, executor and prompt builder are required")
	}
	o := &Orchestrator{
		config:     config,
		generator:  generator,
		executor:   executor,
		classifier: outcome.NewMarkerClassifier(),
		prompts:    prompts,
		clock:      SystemClock{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Transition records one state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Result is the outcome of one module's loop.
type Result struct {
	Record  types.RunRecord
	State   State
	History []Transition
}

// session is the state of one module's loop.
type session struct {
	o       *Orchestrator
	module  types.Module
	record  types.RunRecord
	state   State
	history []Transition
}

func (s *session) transition(to State, iteration int, reason string) {
	s.history = append(s.history, Transition{
		From:      s.state,
		To:        to,
		Iteration: iteration,
		Timestamp: s.o.clock.Now(),
		Reason:    reason,
	})
	logging.RepairDebug("%s: %s -> %s (iteration %d) %s", s.module.ID, s.state, to, iteration, reason)
	s.state = to
}

// Run drives one module to Passed, Exhausted or Error. The returned Result
// is always non-nil; the error is the *InfraError that stopped the loop, if
// any, and is also recorded on the RunRecord.
func (o *Orchestrator) Run(ctx context.Context, runID string, module types.Module) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryRepair, "Repair loop "+module.ID)
	defer timer.Stop()

	s := &session{
		o:      o,
		module: module,
		state:  StateInitial,
		record: types.RunRecord{
			RunID:     runID,
			ModuleID:  module.ID,
			Model:     o.config.Model,
			PromptID:  o.config.PromptID,
			StartedAt: o.clock.Now(),
		},
	}

	err := s.loop(ctx)
	s.record.Elapsed = o.clock.Now().Sub(s.record.StartedAt)
	if err != nil {
		s.record.Fail(err)
		s.transition(StateError, len(s.record.Iterations), err.Error())
		logging.RepairError("%v", err)
	} else {
		s.record.Finalize()
	}

	logging.Repair("%s: %s after %d iteration(s), final %s/%s",
		module.ID, s.state, len(s.record.Iterations), s.record.FinalStatus, s.record.FinalFailureKind)

	return &Result{Record: s.record, State: s.state, History: s.history}, err
}

func (s *session) loop(ctx context.Context) error {
	o := s.o

	it, err := s.iterate(ctx, 0, types.KindInitial, o.prompts.Generation(ctx, s.module))
	if err != nil {
		return err
	}
	switch {
	case it.Outcome.IsPassed():
		s.transition(StatePassed, 0, it.Outcome.String())
		return nil
	case it.Outcome.IsSyntax():
		s.transition(StateExhausted, 0, "initial artifact does not parse")
		return nil
	case o.config.MaxRetries == 0:
		s.transition(StateExhausted, 0, "repair disabled")
		return nil
	}
	s.transition(StateRepairing, 1, it.Outcome.String())

	for k := 1; k <= o.config.MaxRetries; k++ {
		subset := extract.Extract(ctx, it.Artifact, it.Transcript)
		if subset.FellOpen {
			logging.RepairDebug("%s: repair %d uses full artifact (%s)", s.module.ID, k, subset.Reason)
		}
		p := o.prompts.Repair(ctx, s.module, subset.Source, it.Transcript.Output)

		it, err = s.iterate(ctx, k, types.KindRepair, p)
		if err != nil {
			return err
		}
		if it.Outcome.IsPassed() {
			s.transition(StatePassed, k, it.Outcome.String())
			return nil
		}
		if k == o.config.MaxRetries {
			s.transition(StateExhausted, k, "retry budget spent: "+it.Outcome.String())
			return nil
		}
		s.transition(StateRepairing, k+1, it.Outcome.String())
	}
	return nil
}

// iterate generates, executes and classifies one artifact and appends the
// iteration to the record.
func (s *session) iterate(ctx context.Context, index int, kind types.ArtifactKind, prompt string) (types.Iteration, error) {
	o := s.o
	if err := ctx.Err(); err != nil {
		return types.Iteration{}, &InfraError{ModuleID: s.module.ID, Stage: StageCanceled, Iteration: index, Err: err}
	}

	started := o.clock.Now()
	gen, err := o.generator.Generate(ctx, prompt)
	if err != nil {
		return types.Iteration{}, &InfraError{ModuleID: s.module.ID, Stage: StageGenerate, Iteration: index, Err: err}
	}

	artifact := types.TestArtifact{
		ModuleID: s.module.ID,
		Kind:     kind,
		Sequence: index,
		Source:   gen.Text,
	}

	transcript, err := o.executor.Execute(ctx, artifact, s.module)
	if err != nil {
		return types.Iteration{}, &InfraError{ModuleID: s.module.ID, Stage: StageExecute, Iteration: index, Err: err}
	}

	it := types.Iteration{
		Index:          index,
		Artifact:       artifact,
		Transcript:     transcript,
		Outcome:        o.classifier.Classify(transcript, artifact),
		GenerationTime: gen.Elapsed,
		Tokens:         gen.Tokens,
		StartedAt:      started,
	}
	if err := s.record.Append(it); err != nil {
		return types.Iteration{}, err
	}
	logging.Repair("%s: iteration %d (%s) -> %s", s.module.ID, index, kind, it.Outcome)

	if o.observer != nil {
		o.observer.IterationRecorded(&s.record, it)
	}
	return it, nil
}
