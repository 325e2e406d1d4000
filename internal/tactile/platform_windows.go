//go:build windows

package tactile

import "os/exec"

// Windows has no rusage; callers treat nil as unavailable.
func getProcessResourceUsage(cmd *exec.Cmd) *ResourceUsage {
	return nil
}

func setupProcessGroup(cmd *exec.Cmd) {}
