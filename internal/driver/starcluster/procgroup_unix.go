//go:build unix

package starcluster

import (
	"os/exec"
	"syscall"
)

// setProcessGroup makes the child a process group leader and has context
// cancellation send SIGTERM to the whole group.  WaitDelay escalates to
// SIGKILL.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
}
