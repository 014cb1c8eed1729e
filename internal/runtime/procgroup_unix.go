//go:build !windows

package runtime

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcGroup runs cmd in its own process group and wires Cancel/WaitDelay
// so that context cancellation kills the entire group -- including any
// grandchild processes the agent CLI spawns -- rather than only the direct
// child.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second
}

// killGroup force-kills the process group after the grace period elapses.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
