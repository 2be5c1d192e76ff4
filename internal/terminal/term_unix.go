//go:build !windows

package terminal

import (
	"os/exec"
	"syscall"
)

// signalGraceful asks the shell's whole process group (pty_unix.go
// starts it as a session leader via Setsid) to exit, the unix half of
// killTerminal's "signal graceful exit then force-terminate"
// (§4.3), mirroring internal/adapter's setProcGroup/killProcGroup split.
func signalGraceful(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

func forceKill(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
