// Package pipeline is the batch driver: it runs the repair loop over a set of
// modules, persists every RunRecord to the run directory and the index, and
// keeps batch metrics.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tinytest/internal/logging"
	"tinytest/internal/metrics"
	"tinytest/internal/repair"
	"tinytest/internal/store"
	"tinytest/internal/types"
)

// Orchestrator runs the repair loop for one module. *repair.Orchestrator
// satisfies it.
type Orchestrator interface {
	Run(ctx context.Context, runID string, module types.Module) (*repair.Result, error)
}

// RunIndex receives every persisted record. *store.Index satisfies it.
type RunIndex interface {
	SaveRun(m store.Metadata) error
}

// Config names the batch and bounds its parallelism.
type Config struct {
	OutputRoot  string // parent of run directories
	Model       string // used in the run directory name
	Template    string // used in the run directory name
	Workers     int    // modules processed concurrently; <1 means 1
	MetricsFile string // Prometheus textfile written after the batch; empty disables
}

// Runner drives one batch at a time.
type Runner struct {
	config       Config
	orchestrator Orchestrator
	index        RunIndex
	metrics      *metrics.Metrics
	clock        repair.Clock
	newRunID     func() string
}

// Option customizes a Runner.
type Option func(*Runner)

// WithIndex records every run in the index.
func WithIndex(idx RunIndex) Option { return func(r *Runner) { r.index = idx } }

// WithMetrics counts finished runs and exports the registry after the batch.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Runner) { r.metrics = m } }

// WithClock replaces the clock used to name the run directory.
func WithClock(c repair.Clock) Option { return func(r *Runner) { r.clock = c } }

// WithRunID replaces the run id generator.
func WithRunID(f func() string) Option { return func(r *Runner) { r.newRunID = f } }

// NewRunner creates a Runner.
func NewRunner(config Config, orchestrator Orchestrator, opts ...Option) (*Runner, error) {
	if orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if config.OutputRoot == "" {
		return nil, fmt.Errorf("output root is required")
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	r := &Runner{
		config:       config,
		orchestrator: orchestrator,
		clock:        repair.SystemClock{},
		newRunID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Batch is the result of one Run.
type Batch struct {
	RunID   string
	Dir     string
	Records []types.RunRecord // one per module, in input order
}

// Passed counts records whose final status is passed.
func (b *Batch) Passed() int {
	n := 0
	for i := range b.Records {
		if b.Records[i].Passed() {
			n++
		}
	}
	return n
}

// Run processes every module. An infrastructure fault in one module is
// recorded on its RunRecord and never stops the others. The returned error
// joins persistence failures only; the Batch is complete either way.
func (r *Runner) Run(ctx context.Context, modules []types.Module) (*Batch, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "Batch")
	defer timer.StopWithInfo()

	run, err := store.NewRun(r.config.OutputRoot, r.config.Model, r.config.Template, r.clock.Now())
	if err != nil {
		return nil, err
	}
	batch := &Batch{
		RunID:   r.newRunID(),
		Dir:     run.Dir,
		Records: make([]types.RunRecord, len(modules)),
	}
	logging.Pipeline("Batch %s: %d modules, %d worker(s), output %s", batch.RunID, len(modules), r.config.Workers, run.Dir)

	var (
		mu          sync.Mutex
		persistErrs []error
	)

	var g errgroup.Group
	g.SetLimit(r.config.Workers)
	for i, module := range modules {
		g.Go(func() error {
			rec := r.runModule(ctx, batch.RunID, module)
			batch.Records[i] = rec

			if err := r.persist(run, rec); err != nil {
				logging.PipelineError("%s: %v", module.ID, err)
				mu.Lock()
				persistErrs = append(persistErrs, fmt.Errorf("%s: %w", module.ID, err))
				mu.Unlock()
			}
			if r.metrics != nil {
				r.metrics.RunFinished(rec)
			}
			return nil
		})
	}
	_ = g.Wait()

	if r.metrics != nil {
		if err := r.metrics.WriteTextfile(r.config.MetricsFile); err != nil {
			persistErrs = append(persistErrs, err)
		}
	}

	logging.Pipeline("Batch %s done: %d/%d passed", batch.RunID, batch.Passed(), len(batch.Records))
	return batch, errors.Join(persistErrs...)
}

func (r *Runner) runModule(ctx context.Context, runID string, module types.Module) types.RunRecord {
	logging.PipelineDebug("Processing %s", module.ID)
	res, err := r.orchestrator.Run(ctx, runID, module)
	if err != nil {
		logging.PipelineError("%s aborted: %v", module.ID, err)
	}
	if res == nil {
		rec := types.RunRecord{RunID: runID, ModuleID: module.ID, Model: r.config.Model, PromptID: r.config.Template}
		if err == nil {
			err = fmt.Errorf("orchestrator returned no result")
		}
		rec.Fail(err)
		return rec
	}
	return res.Record
}

// persist writes artifacts, transcripts, repair diffs and metadata.json, then
// indexes the record.
func (r *Runner) persist(run *store.Run, rec types.RunRecord) error {
	dir, err := run.ModuleDir(rec.ModuleID)
	if err != nil {
		return err
	}
	for i, it := range rec.Iterations {
		if err := store.WriteIteration(dir, rec.ModuleID, it); err != nil {
			return err
		}
		if i > 0 {
			if _, err := store.WriteRepairDiff(dir, rec.ModuleID, rec.Iterations[i-1].Artifact, it.Artifact); err != nil {
				return err
			}
		}
	}

	md := store.NewMetadata(rec)
	md.Path = dir
	if err := store.WriteMetadata(dir, md); err != nil {
		return err
	}
	if r.index != nil {
		if err := r.index.SaveRun(md); err != nil {
			return err
		}
	}
	return nil
}
