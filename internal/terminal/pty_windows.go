//go:build windows

package terminal

import (
	"os"
	"os/exec"
	"strings"

	"github.com/UserExistsError/conpty"
)

// windowsHandle wraps a UserExistsError/conpty pseudo-console, grounded
// on the teacher's pty_windows.go windowsPTY.
type windowsHandle struct {
	cpty *conpty.ConPty
}

func startPTYWithSizeImpl(cmd *exec.Cmd, cols, rows uint16) (ptyHandle, error) {
	cmdLine := buildCommandLine(cmd)

	opts := []conpty.ConPtyOption{
		conpty.ConPtyDimensions(int(cols), int(rows)),
	}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if len(cmd.Env) > 0 {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}

	cpty, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, err
	}

	if proc, err := os.FindProcess(int(cpty.Pid())); err == nil {
		cmd.Process = proc
	}

	return &windowsHandle{cpty: cpty}, nil
}

func buildCommandLine(cmd *exec.Cmd) string {
	parts := append([]string{cmd.Path}, cmd.Args[1:]...)
	return strings.Join(parts, " ")
}

func (h *windowsHandle) Read(p []byte) (int, error)  { return h.cpty.Read(p) }
func (h *windowsHandle) Write(p []byte) (int, error) { return h.cpty.Write(p) }
func (h *windowsHandle) Close() error                { return h.cpty.Close() }

func (h *windowsHandle) Resize(cols, rows uint16) error {
	return h.cpty.Resize(int(cols), int(rows))
}
