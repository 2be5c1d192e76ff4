//go:build unix

package adapter

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs cmd in its own process group so killProcGroup can
// terminate the whole subprocess tree, not just the direct child.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcGroup(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
