package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"tinytest/internal/logging"
)

// waitDelay bounds how long Execute waits for output pipes held open by
// grandchildren after the main process is killed.
const waitDelay = 2 * time.Second

// DirectExecutor runs pytest, coverage and model CLIs as host processes.
type DirectExecutor struct {
	config ExecutorConfig
}

// NewDirectExecutor creates an executor with DefaultExecutorConfig.
func NewDirectExecutor() *DirectExecutor {
	return NewDirectExecutorWithConfig(DefaultExecutorConfig())
}

// NewDirectExecutorWithConfig creates an executor. config.AuditCallback, when
// set, sees every start and terminal event.
func NewDirectExecutorWithConfig(config ExecutorConfig) *DirectExecutor {
	logging.TactileDebug("DirectExecutor: timeout=%s maxOutput=%d", config.DefaultTimeout, config.MaxOutputBytes)
	return &DirectExecutor{config: config}
}

func (e *DirectExecutor) audit(kind AuditEventType, cmd Command, result *ExecutionResult) {
	if e.config.AuditCallback == nil {
		return
	}
	e.config.AuditCallback(AuditEvent{
		Type:         kind,
		Timestamp:    time.Now(),
		Command:      cmd,
		Result:       result,
		ExecutorName: "direct",
	})
}

// Validate rejects commands that cannot be started.
func (e *DirectExecutor) Validate(cmd Command) error {
	switch {
	case cmd.Binary == "":
		return fmt.Errorf("binary is required")
	case cmd.Limits != nil && cmd.Limits.TimeoutMs < 0:
		return fmt.Errorf("negative timeout: %dms", cmd.Limits.TimeoutMs)
	}
	return nil
}

// Execute runs cmd to completion. Timeouts and cancellation kill the whole
// process group and are reported on the result, not as an error.
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	timer := logging.StartTimer(logging.CategoryTactile, "Execute")
	defer timer.Stop()

	if err := e.Validate(cmd); err != nil {
		logging.TactileWarn("Rejected %s: %v", cmd.Binary, err)
		return nil, err
	}
	cmd = e.config.Merge(cmd)
	timeout := cmd.Limits.Timeout()
	logging.Tactile("Executing: %s (dir=%s, timeout=%s)", cmd.CommandString(), cmd.WorkingDirectory, timeout)
	e.audit(AuditEventStart, cmd, nil)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc := exec.CommandContext(runCtx, cmd.Binary, cmd.Arguments...)
	proc.Dir = cmd.WorkingDirectory
	proc.Env = e.environ(cmd.Environment)
	proc.WaitDelay = waitDelay
	setupProcessGroup(proc)
	if cmd.Stdin != "" {
		proc.Stdin = strings.NewReader(cmd.Stdin)
	}

	stdout := &cappedBuffer{limit: cmd.Limits.MaxOutputBytes}
	stderr := &cappedBuffer{limit: cmd.Limits.MaxOutputBytes}
	proc.Stdout, proc.Stderr = stdout, stderr

	result := &ExecutionResult{ExitCode: -1, StartedAt: time.Now()}
	runErr := proc.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Combined = joinStreams(result.Stdout, result.Stderr)
	if dropped := stdout.dropped + stderr.dropped; dropped > 0 {
		result.Truncated = true
		result.TruncatedBytes = dropped
		logging.TactileWarn("Output of %s truncated: %d bytes dropped", cmd.Binary, dropped)
	}

	terminal := e.settle(ctx, runCtx, runErr, timeout, result)
	if e.config.EnableResourceUsage && result.Error == "" {
		result.ResourceUsage = getProcessResourceUsage(proc)
	}
	e.audit(terminal, cmd, result)

	logging.Tactile("Finished: %s exit=%d duration=%s output=%d bytes",
		cmd.Binary, result.ExitCode, result.Duration, len(result.Combined))
	return result, nil
}

// settle fills in how the process ended and returns the audit event for it.
// Success means the process ran; ExitCode and Killed say how it ended.
func (e *DirectExecutor) settle(parent, runCtx context.Context, runErr error, timeout time.Duration, result *ExecutionResult) AuditEventType {
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		result.Success = true
		result.ExitCode = 0
		return AuditEventComplete
	case parent.Err() != nil:
		result.Success = true
		result.Killed = true
		result.KillReason = "context canceled"
		logging.TactileDebug("Canceled by caller")
		return AuditEventKilled
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Success = true
		result.Killed = true
		result.TimedOut = true
		result.KillReason = fmt.Sprintf("timeout after %s", timeout)
		logging.TactileWarn("Killed after %s", timeout)
		return AuditEventKilled
	case errors.As(runErr, &exitErr):
		result.Success = true
		result.ExitCode = exitErr.ExitCode()
		return AuditEventComplete
	default:
		result.Error = runErr.Error()
		logging.TactileError("Could not run process: %v", runErr)
		return AuditEventError
	}
}

// environ passes through the allowed host variables, then the command's own.
// os/exec keeps the last duplicate, so command values win.
func (e *DirectExecutor) environ(extra []string) []string {
	env := make([]string, 0, len(e.config.AllowedEnvironment)+len(extra))
	for _, key := range e.config.AllowedEnvironment {
		if val, ok := os.LookupEnv(key); ok && val != "" {
			env = append(env, key+"="+val)
		}
	}
	return append(env, extra...)
}

func joinStreams(stdout, stderr string) string {
	if stderr == "" {
		return stdout
	}
	if stdout != "" && !strings.HasSuffix(stdout, "\n") {
		stdout += "\n"
	}
	return stdout + stderr
}

// cappedBuffer keeps the first limit bytes written and counts the rest.
// A limit <= 0 keeps everything. Writes never fail short, so the child is
// not killed by a broken pipe when it outgrows the cap.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int64
	dropped int64
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	keep := int64(len(p))
	if c.limit > 0 {
		keep = min(keep, max(0, c.limit-int64(c.buf.Len())))
	}
	c.buf.Write(p[:keep])
	c.dropped += int64(len(p)) - keep
	return len(p), nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }
