//go:build unix

package transfer

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the child in its own process group so that a cancel can
// signal aria2c together with any helper processes it spawns.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProc sends SIGTERM to the child's process group, giving aria2c a
// chance to flush its control file before a later SIGKILL.
func terminateProc(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

// killProc forcibly kills the child's process group.
func killProc(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
