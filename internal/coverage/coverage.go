// Package coverage measures line coverage of the modules under test by
// running coverage.py over a directory of consolidated tests.
package coverage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tinytest/internal/logging"
	"tinytest/internal/tactile"
)

// Config configures a coverage run.
type Config struct {
	Python  string
	Timeout time.Duration
}

// DefaultConfig returns python3 with a ten minute budget.
func DefaultConfig() Config {
	return Config{Python: "python3", Timeout: 10 * time.Minute}
}

// Runner runs coverage.py through a tactile executor.
type Runner struct {
	config   Config
	executor tactile.Executor
}

// NewRunner creates a Runner. A nil executor means a DirectExecutor.
func NewRunner(config Config, executor tactile.Executor) *Runner {
	if executor == nil {
		executor = tactile.NewDirectExecutor()
	}
	if config.Python == "" {
		config.Python = "python3"
	}
	return &Runner{config: config, executor: executor}
}

// Result holds the report text and the pytest transcript of the measured run.
type Result struct {
	Report       string
	PytestOutput string
	TestsPassed  bool
}

// Run measures sourceDir while running pytest over testDir, then writes the
// `coverage report -m` text to output. Failing tests still produce a report.
func (r *Runner) Run(ctx context.Context, testDir, sourceDir, output string) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryCoverage, "coverage "+testDir)
	defer timer.Stop()

	for _, dir := range []string{testDir, sourceDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("directory not found: %s", dir)
		}
	}

	dataFile, err := filepath.Abs(filepath.Join(filepath.Dir(output), ".coverage"))
	if err != nil {
		return nil, err
	}
	src, err := filepath.Abs(sourceDir)
	if err != nil {
		return nil, err
	}
	env := []string{"COVERAGE_FILE=" + dataFile, "PYTHONPATH=" + src}

	if err := os.MkdirAll(filepath.Dir(dataFile), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	measured, err := r.exec(ctx, env, "-m", "coverage", "run", "--source="+src, "-m", "pytest", "-q", testDir)
	if err != nil {
		return nil, fmt.Errorf("coverage run failed: %w", err)
	}
	if !measured.CleanExit() {
		logging.CoverageWarn("pytest exited %d under coverage; reporting anyway", measured.ExitCode)
	}

	report, err := r.exec(ctx, env, "-m", "coverage", "report", "-m")
	if err != nil {
		return nil, fmt.Errorf("coverage report failed: %w", err)
	}
	if !report.CleanExit() {
		return nil, fmt.Errorf("coverage report exited %d: %s", report.ExitCode, report.Output())
	}

	if err := os.WriteFile(output, []byte(report.Stdout), 0644); err != nil {
		return nil, fmt.Errorf("failed to write report: %w", err)
	}
	logging.Coverage("Coverage report saved to %s", output)

	return &Result{
		Report:       report.Stdout,
		PytestOutput: measured.Output(),
		TestsPassed:  measured.CleanExit(),
	}, nil
}

func (r *Runner) exec(ctx context.Context, env []string, args ...string) (*tactile.ExecutionResult, error) {
	cmd := tactile.Command{
		Binary:      r.config.Python,
		Arguments:   args,
		Environment: env,
		Tags:        map[string]string{"stage": "coverage"},
	}
	if r.config.Timeout > 0 {
		cmd.Limits = &tactile.ResourceLimits{TimeoutMs: r.config.Timeout.Milliseconds()}
	}

	result, err := r.executor.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if result.IsError() {
		return nil, fmt.Errorf("failed to start %s: %s", r.config.Python, result.Error)
	}
	if result.Killed {
		return nil, fmt.Errorf("%s killed: %s", r.config.Python, result.KillReason)
	}
	return result, nil
}
