//go:build windows

package adapter

import (
	"fmt"
	"os/exec"
	"syscall"
)

// setProcGroup creates a new process group so killProcGroup can reach
// every process the agent binary spawns underneath it.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

func killProcGroup(cmd *exec.Cmd) error {
	kill := exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", cmd.Process.Pid))
	return kill.Run()
}
