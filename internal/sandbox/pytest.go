// Package sandbox runs one test artifact against one module with pytest in a
// throwaway working directory.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tinytest/internal/logging"
	"tinytest/internal/tactile"
	"tinytest/internal/types"
)

// TimeoutNote is appended to the transcript of a run that hit its deadline.
const TimeoutNote = "[tinytest] pytest timed out"

// Config controls where and how pytest runs.
type Config struct {
	Python       string        // interpreter, e.g. "python3"
	Timeout      time.Duration // per-run wall clock budget
	WorkRoot     string        // parent of per-run dirs; empty = os.TempDir()
	KeepWorkDirs bool          // leave dirs behind for debugging
	ExtraArgs    []string      // appended after -q
}

// DefaultConfig returns the sandbox defaults.
func DefaultConfig() Config {
	return Config{
		Python:  "python3",
		Timeout: 60 * time.Second,
	}
}

// PytestExecutor implements the repair loop's Executor collaborator.
type PytestExecutor struct {
	config   Config
	executor tactile.Executor
}

// NewPytestExecutor wraps a tactile executor. A nil executor uses a
// DirectExecutor with default settings.
func NewPytestExecutor(config Config, executor tactile.Executor) *PytestExecutor {
	if config.Python == "" {
		config.Python = "python3"
	}
	if executor == nil {
		executor = tactile.NewDirectExecutor()
	}
	return &PytestExecutor{config: config, executor: executor}
}

// TestFileName is the file the artifact is written to for a module.
func TestFileName(moduleName string) string {
	return "test_" + moduleName + ".py"
}

// Execute writes the module and the artifact side by side and runs pytest on
// the artifact. A non-zero exit is a normal transcript; only a failure to set
// up the directory or to start the interpreter is returned as an error.
func (p *PytestExecutor) Execute(ctx context.Context, artifact types.TestArtifact, module types.Module) (types.Transcript, error) {
	timer := logging.StartTimer(logging.CategorySandbox, "pytest "+module.ID)
	defer timer.Stop()

	if module.Name == "" {
		return types.Transcript{}, fmt.Errorf("module %q has no importable name", module.ID)
	}

	workDir, err := os.MkdirTemp(p.config.WorkRoot, "tinytest-"+module.ID+"-")
	if err != nil {
		return types.Transcript{}, fmt.Errorf("failed to create sandbox dir: %w", err)
	}
	if !p.config.KeepWorkDirs {
		defer os.RemoveAll(workDir)
	}

	testFile := TestFileName(module.Name)
	if err := writeFile(filepath.Join(workDir, module.Name+".py"), module.Source); err != nil {
		return types.Transcript{}, err
	}
	if err := writeFile(filepath.Join(workDir, testFile), artifact.Source); err != nil {
		return types.Transcript{}, err
	}

	args := append([]string{"-m", "pytest", "-q", "-p", "no:cacheprovider", testFile}, p.config.ExtraArgs...)
	cmd := tactile.Command{
		Binary:           p.config.Python,
		Arguments:        args,
		WorkingDirectory: workDir,
		Environment: []string{
			"PYTHONPATH=" + workDir,
			"PYTHONDONTWRITEBYTECODE=1",
		},
		Tags: map[string]string{
			"module":   module.ID,
			"kind":     string(artifact.Kind),
			"sequence": fmt.Sprintf("%d", artifact.Sequence),
		},
	}
	if p.config.Timeout > 0 {
		cmd.Limits = &tactile.ResourceLimits{TimeoutMs: p.config.Timeout.Milliseconds()}
	}

	logging.SandboxDebug("Running %s in %s", cmd.CommandString(), workDir)
	result, err := p.executor.Execute(ctx, cmd)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("pytest rejected: %w", err)
	}
	if result.IsError() {
		return types.Transcript{}, fmt.Errorf("failed to start %s: %s", p.config.Python, result.Error)
	}
	if result.Killed && !result.TimedOut {
		return types.Transcript{}, fmt.Errorf("pytest interrupted: %s", result.KillReason)
	}

	transcript := types.Transcript{
		Output:    result.Output(),
		CleanExit: result.CleanExit(),
		TimedOut:  result.TimedOut,
		Duration:  result.Duration,
	}
	if result.TimedOut {
		transcript.Output = appendNote(transcript.Output, fmt.Sprintf("%s (%s)", TimeoutNote, result.KillReason))
	}

	logging.Sandbox("%s/%s#%d: exit=%d timedOut=%v duration=%s",
		module.ID, artifact.Kind, artifact.Sequence, result.ExitCode, result.TimedOut, result.Duration)
	return transcript, nil
}

func writeFile(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func appendNote(output, note string) string {
	if output == "" {
		return note + "\n"
	}
	if !strings.HasSuffix(output, "\n") {
		output += "\n"
	}
	return output + note + "\n"
}
