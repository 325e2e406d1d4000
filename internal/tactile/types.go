// Package tactile runs external processes for tinytest: the pytest sandbox and
// the command-line model runner both go through an Executor.
package tactile

import (
	"strings"
	"time"
)

// Command describes one process invocation.
type Command struct {
	// Binary is the executable name or path.
	Binary string `json:"binary"`

	// Arguments are passed verbatim, no shell interpretation.
	Arguments []string `json:"arguments"`

	// WorkingDirectory defaults to ExecutorConfig.DefaultWorkingDir.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Environment is appended after the allowed host variables (KEY=VALUE).
	Environment []string `json:"environment,omitempty"`

	// Stdin is written to the process if non-empty.
	Stdin string `json:"stdin,omitempty"`

	Limits *ResourceLimits `json:"limits,omitempty"`

	// Tags are opaque labels carried into audit events (module id, iteration).
	Tags map[string]string `json:"tags,omitempty"`
}

// CommandString renders the command for logs.
func (c Command) CommandString() string {
	if len(c.Arguments) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Arguments, " ")
}

// ResourceLimits bounds a single invocation.
type ResourceLimits struct {
	// TimeoutMs is the wall-clock budget in milliseconds (0 = executor default).
	TimeoutMs int64 `json:"timeout_ms,omitempty"`

	// MaxOutputBytes caps each of stdout and stderr.
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

// Timeout returns the limit as a duration.
func (l *ResourceLimits) Timeout() time.Duration {
	if l == nil {
		return 0
	}
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

// ExecutionResult is everything observed about one invocation.
type ExecutionResult struct {
	// Success is true when the process ran, whatever its exit code.
	// A process that could not be started has Success=false and Error set.
	Success bool `json:"success"`

	ExitCode int `json:"exit_code"`

	Stdout string `json:"stdout"`

	Stderr string `json:"stderr"`

	// Combined is stdout followed by stderr.
	Combined string `json:"combined"`

	Duration time.Duration `json:"duration"`

	StartedAt time.Time `json:"started_at"`

	FinishedAt time.Time `json:"finished_at"`

	// Killed is set when the timeout or the caller's context ended the process.
	Killed bool `json:"killed"`

	KillReason string `json:"kill_reason,omitempty"`

	TimedOut bool `json:"timed_out"`

	Truncated bool `json:"truncated"`

	TruncatedBytes int64 `json:"truncated_bytes,omitempty"`

	ResourceUsage *ResourceUsage `json:"resource_usage,omitempty"`

	Error string `json:"error,omitempty"`
}

// IsError reports whether the process failed to run.
func (r *ExecutionResult) IsError() bool {
	return !r.Success || r.Error != ""
}

// IsNonZeroExit reports a process that ran and exited non-zero.
func (r *ExecutionResult) IsNonZeroExit() bool {
	return r.Success && r.ExitCode != 0
}

// CleanExit reports a zero exit that was not killed.
func (r *ExecutionResult) CleanExit() bool {
	return r.Success && !r.Killed && r.ExitCode == 0
}

// Output returns the combined output, falling back to joining the streams.
func (r *ExecutionResult) Output() string {
	if r.Combined != "" {
		return r.Combined
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// ResourceUsage is the rusage snapshot of a finished process.
type ResourceUsage struct {
	UserTimeMs   int64 `json:"user_time_ms"`
	SystemTimeMs int64 `json:"system_time_ms"`
	MaxRSSBytes  int64 `json:"max_rss_bytes"`
}

// TotalCPUTimeMs returns total CPU time (user + system).
func (r *ResourceUsage) TotalCPUTimeMs() int64 {
	return r.UserTimeMs + r.SystemTimeMs
}

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventStart    AuditEventType = "start"
	AuditEventComplete AuditEventType = "complete"
	AuditEventKilled   AuditEventType = "killed"
	AuditEventError    AuditEventType = "error"
)

// AuditEvent is emitted around every execution. The pipeline feeds these
// into process metrics.
type AuditEvent struct {
	Type         AuditEventType   `json:"type"`
	Timestamp    time.Time        `json:"timestamp"`
	Command      Command          `json:"command"`
	Result       *ExecutionResult `json:"result,omitempty"`
	ExecutorName string           `json:"executor_name"`
}

// ExecutorConfig is the configuration for creating executors.
type ExecutorConfig struct {
	// DefaultWorkingDir is used when Command.WorkingDirectory is empty.
	DefaultWorkingDir string `json:"default_working_dir"`

	DefaultTimeout time.Duration `json:"default_timeout"`

	// MaxTimeout caps any per-command timeout (0 = uncapped).
	MaxTimeout time.Duration `json:"max_timeout"`

	// AllowedEnvironment lists host variables passed through to children.
	AllowedEnvironment []string `json:"allowed_environment"`

	MaxOutputBytes int64 `json:"max_output_bytes"`

	AuditCallback func(AuditEvent) `json:"-"`

	EnableResourceUsage bool `json:"enable_resource_usage"`
}

// DefaultExecutorConfig returns a config suited to running pytest and model CLIs.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultWorkingDir: ".",
		DefaultTimeout:    60 * time.Second,
		MaxTimeout:        30 * time.Minute,
		MaxOutputBytes:    1 << 20,
		AllowedEnvironment: []string{
			"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR",
			"VIRTUAL_ENV", "CONDA_PREFIX", "PYENV_ROOT", "OLLAMA_HOST", "OLLAMA_MODELS",
		},
		EnableResourceUsage: true,
	}
}

// Merge fills a command's unset fields from the config.
func (c ExecutorConfig) Merge(cmd Command) Command {
	result := cmd

	if result.WorkingDirectory == "" {
		result.WorkingDirectory = c.DefaultWorkingDir
	}

	limits := ResourceLimits{}
	if cmd.Limits != nil {
		limits = *cmd.Limits
	}
	if limits.TimeoutMs <= 0 {
		limits.TimeoutMs = int64(c.DefaultTimeout / time.Millisecond)
	}
	if limits.MaxOutputBytes <= 0 {
		limits.MaxOutputBytes = c.MaxOutputBytes
	}
	if c.MaxTimeout > 0 {
		maxMs := int64(c.MaxTimeout / time.Millisecond)
		if limits.TimeoutMs > maxMs {
			limits.TimeoutMs = maxMs
		}
	}
	result.Limits = &limits

	return result
}
