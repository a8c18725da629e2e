//go:build windows

package transfer

import (
	"os/exec"
)

func setProcGroup(_ *exec.Cmd) {}

// Windows has no SIGTERM equivalent for console children started this way;
// terminate and kill both fall through to Process.Kill.
func terminateProc(cmd *exec.Cmd) {
	killProc(cmd)
}

func killProc(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
