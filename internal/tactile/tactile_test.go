//go:build !windows

package tactile

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDirectExecutor_Execute(t *testing.T) {
	executor := NewDirectExecutor()

	result, err := executor.Execute(context.Background(), Command{
		Binary:    "echo",
		Arguments: []string{"hello"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Success {
		t.Errorf("Expected success, got failure: %s", result.Error)
	}
	if !result.CleanExit() {
		t.Errorf("Expected clean exit, got exit=%d killed=%v", result.ExitCode, result.Killed)
	}
	if !strings.Contains(result.Output(), "hello") {
		t.Errorf("Expected output to contain 'hello', got: %s", result.Output())
	}
}

func TestDirectExecutor_Timeout(t *testing.T) {
	executor := NewDirectExecutor()

	cmd := Command{
		Binary:    "sleep",
		Arguments: []string{"10"},
		Limits:    &ResourceLimits{TimeoutMs: 300},
	}

	start := time.Now()
	result, err := executor.Execute(context.Background(), cmd)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Killed || !result.TimedOut {
		t.Errorf("Expected command to be killed by timeout, got killed=%v timedOut=%v", result.Killed, result.TimedOut)
	}
	if !strings.Contains(result.KillReason, "timeout") {
		t.Errorf("Expected kill reason to mention timeout, got: %s", result.KillReason)
	}
	if result.CleanExit() {
		t.Error("A killed process is never a clean exit")
	}
	if elapsed > 5*time.Second {
		t.Errorf("Timeout took too long: %v", elapsed)
	}
}

func TestDirectExecutor_TimeoutKillsChildren(t *testing.T) {
	executor := NewDirectExecutor()

	// The shell forks a sleeper that inherits stdout; without group kill the
	// pipe would stay open until the sleeper exits.
	cmd := Command{
		Binary:    "sh",
		Arguments: []string{"-c", "sleep 20 & sleep 20"},
		Limits:    &ResourceLimits{TimeoutMs: 300},
	}

	start := time.Now()
	result, err := executor.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.TimedOut {
		t.Error("Expected timeout")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Child processes kept the command alive for %v", elapsed)
	}
}

func TestDirectExecutor_NonZeroExit(t *testing.T) {
	executor := NewDirectExecutor()

	result, err := executor.Execute(context.Background(), Command{
		Binary:    "sh",
		Arguments: []string{"-c", "echo boom >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Success {
		t.Errorf("Non-zero exit is still a successful execution: %s", result.Error)
	}
	if result.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", result.ExitCode)
	}
	if !result.IsNonZeroExit() {
		t.Error("IsNonZeroExit should be true")
	}
	if !strings.Contains(result.Stderr, "boom") {
		t.Errorf("Expected stderr to contain 'boom', got %q", result.Stderr)
	}
}

func TestDirectExecutor_InvalidCommand(t *testing.T) {
	executor := NewDirectExecutor()

	result, err := executor.Execute(context.Background(), Command{
		Binary: "tinytest-no-such-binary-xyz",
	})
	if err != nil {
		t.Fatalf("Spawn failures are reported in the result, got error: %v", err)
	}
	if result.Success {
		t.Error("Expected failure for missing binary")
	}
	if result.Error == "" {
		t.Error("Expected error message")
	}
	if !result.IsError() {
		t.Error("IsError should be true")
	}
}

func TestDirectExecutor_WorkingDirectoryAndEnv(t *testing.T) {
	executor := NewDirectExecutor()
	dir := t.TempDir()

	result, err := executor.Execute(context.Background(), Command{
		Binary:           "sh",
		Arguments:        []string{"-c", "pwd; echo $TINYTEST_ENV_CHECK"},
		WorkingDirectory: dir,
		Environment:      []string{"TINYTEST_ENV_CHECK=env-value"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	out := result.Output()
	if !strings.Contains(out, "env-value") {
		t.Errorf("Expected env var in output, got %q", out)
	}
	// macOS temp dirs resolve through /private; compare the base name.
	parts := strings.Split(strings.TrimRight(dir, "/"), "/")
	if !strings.Contains(out, parts[len(parts)-1]) {
		t.Errorf("Expected working directory %s in output, got %q", dir, out)
	}
}

func TestDirectExecutor_Stdin(t *testing.T) {
	executor := NewDirectExecutor()

	result, err := executor.Execute(context.Background(), Command{
		Binary: "cat",
		Stdin:  "from stdin",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Stdout != "from stdin" {
		t.Errorf("Expected stdin echoed, got %q", result.Stdout)
	}
}

func TestDirectExecutor_OutputTruncation(t *testing.T) {
	config := DefaultExecutorConfig()
	config.MaxOutputBytes = 10
	executor := NewDirectExecutorWithConfig(config)

	result, err := executor.Execute(context.Background(), Command{
		Binary:    "sh",
		Arguments: []string{"-c", "printf '0123456789abcdefghij'"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Truncated {
		t.Error("Expected output to be truncated")
	}
	if result.Stdout != "0123456789" {
		t.Errorf("Expected first 10 bytes, got %q", result.Stdout)
	}
	if result.TruncatedBytes != 10 {
		t.Errorf("Expected 10 discarded bytes, got %d", result.TruncatedBytes)
	}
}

func TestDirectExecutor_ContextCancellation(t *testing.T) {
	executor := NewDirectExecutor()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result, err := executor.Execute(ctx, Command{Binary: "sleep", Arguments: []string{"10"}})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Killed {
		t.Error("Expected command to be killed on cancellation")
	}
	if result.TimedOut {
		t.Error("Cancellation is not a timeout")
	}
	if result.KillReason != "context canceled" {
		t.Errorf("Unexpected kill reason %q", result.KillReason)
	}
}

func TestDirectExecutor_AuditEvents(t *testing.T) {
	var mu sync.Mutex
	var events []AuditEventType

	config := DefaultExecutorConfig()
	config.AuditCallback = func(ev AuditEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev.Type)
	}
	executor := NewDirectExecutorWithConfig(config)

	if _, err := executor.Execute(context.Background(), Command{Binary: "true"}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != AuditEventStart || events[1] != AuditEventComplete {
		t.Errorf("Expected [start complete], got %v", events)
	}
}

func TestDirectExecutor_Validate(t *testing.T) {
	executor := NewDirectExecutor()

	if err := executor.Validate(Command{Binary: "echo"}); err != nil {
		t.Errorf("Valid command rejected: %v", err)
	}
	if err := executor.Validate(Command{}); err == nil {
		t.Error("Expected error for empty binary")
	}
	if err := executor.Validate(Command{Binary: "echo", Limits: &ResourceLimits{TimeoutMs: -1}}); err == nil {
		t.Error("Expected error for negative timeout")
	}
	if _, err := executor.Execute(context.Background(), Command{}); err == nil {
		t.Error("Execute should surface validation errors")
	}
}

func TestExecutorConfig_Merge(t *testing.T) {
	config := DefaultExecutorConfig()
	config.DefaultTimeout = 5 * time.Second
	config.MaxTimeout = 10 * time.Second

	merged := config.Merge(Command{Binary: "x"})
	if merged.WorkingDirectory != "." {
		t.Errorf("Expected default working dir, got %q", merged.WorkingDirectory)
	}
	if merged.Limits.TimeoutMs != 5000 {
		t.Errorf("Expected default timeout 5000ms, got %d", merged.Limits.TimeoutMs)
	}

	capped := config.Merge(Command{Binary: "x", Limits: &ResourceLimits{TimeoutMs: 60000}})
	if capped.Limits.TimeoutMs != 10000 {
		t.Errorf("Expected timeout capped at 10000ms, got %d", capped.Limits.TimeoutMs)
	}

	original := &ResourceLimits{TimeoutMs: 1000}
	_ = config.Merge(Command{Binary: "x", Limits: original})
	if original.MaxOutputBytes != 0 {
		t.Error("Merge must not mutate the caller's limits")
	}
}

func TestCommand_CommandString(t *testing.T) {
	if got := (Command{Binary: "ls"}).CommandString(); got != "ls" {
		t.Errorf("Expected 'ls', got %q", got)
	}
	if got := (Command{Binary: "python", Arguments: []string{"-m", "pytest"}}).CommandString(); got != "python -m pytest" {
		t.Errorf("Expected 'python -m pytest', got %q", got)
	}
}

func TestExecutionResult_Output(t *testing.T) {
	r := &ExecutionResult{Stdout: "out", Stderr: "err"}
	if r.Output() != "out\nerr" {
		t.Errorf("Unexpected joined output %q", r.Output())
	}
	r.Combined = "both"
	if r.Output() != "both" {
		t.Errorf("Combined should win, got %q", r.Output())
	}
}
