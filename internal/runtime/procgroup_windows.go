//go:build windows

package runtime

import (
	"os/exec"
	"time"
)

// setProcGroup on Windows relies on exec.Cmd's default Cancel (process.Kill)
// since process groups/signals don't exist the same way; WaitDelay still
// bounds how long we wait for pipes to drain after Cancel runs.
func setProcGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = 5 * time.Second
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
