//go:build windows

package terminal

import (
	"fmt"
	"os/exec"
)

// signalGraceful has no POSIX-signal equivalent on Windows; conpty's
// ConPty.Close already sends a close event to the console's processes,
// so the graceful step here is a best-effort CTRL_BREAK via taskkill
// without /F, falling back to force-kill if the shell ignores it.
func signalGraceful(cmd *exec.Cmd) error {
	kill := exec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", cmd.Process.Pid))
	return kill.Run()
}

func forceKill(cmd *exec.Cmd) error {
	kill := exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", cmd.Process.Pid))
	return kill.Run()
}
