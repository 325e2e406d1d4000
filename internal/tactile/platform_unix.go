//go:build !windows

package tactile

import (
	"os/exec"
	"runtime"
	"syscall"
)

// getProcessResourceUsage extracts resource usage on Unix systems.
func getProcessResourceUsage(cmd *exec.Cmd) *ResourceUsage {
	if cmd.ProcessState == nil {
		return nil
	}

	rusage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage)
	if !ok || rusage == nil {
		return nil
	}

	maxRSS := int64(rusage.Maxrss)
	if runtime.GOOS != "darwin" {
		// Linux and the BSDs report kilobytes.
		maxRSS *= 1024
	}

	return &ResourceUsage{
		UserTimeMs:   int64(rusage.Utime.Sec)*1000 + int64(rusage.Utime.Usec)/1000,
		SystemTimeMs: int64(rusage.Stime.Sec)*1000 + int64(rusage.Stime.Usec)/1000,
		MaxRSSBytes:  maxRSS,
	}
}

// setupProcessGroup runs the command in its own process group and makes
// context cancellation kill the whole group, so pytest workers and model
// runners do not outlive a timeout.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
}

// killProcessGroup kills the process and all its children.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}

	// Also kill the main process directly as a fallback
	return cmd.Process.Kill()
}
