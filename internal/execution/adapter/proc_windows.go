//go:build windows

package adapter

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}

func signalTerminate(cmd *exec.Cmd) { signalKill(cmd) }

func signalKill(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
