//go:build !unix

package process

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// No SIGTERM outside unix: interrupt is a kill.
func interruptGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
