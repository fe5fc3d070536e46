//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the worker in its own group so signals reach the
// tools it spawns too.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func interruptGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGTERM)
}

func killGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		// group already gone; fall back to the leader alone
		return cmd.Process.Signal(sig)
	}
	return nil
}
