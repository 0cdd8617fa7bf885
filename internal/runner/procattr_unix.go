//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// isolateProcessGroup starts the simulator in its own process group so a
// timeout can take down anything it spawned.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the simulator's whole process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
