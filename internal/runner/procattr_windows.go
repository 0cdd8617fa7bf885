//go:build windows

package runner

import "os/exec"

// isolateProcessGroup is a no-op on Windows; there is no POSIX process group.
func isolateProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup kills the simulator process itself.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
