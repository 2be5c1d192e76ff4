//go:build !windows

package terminal

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// unixHandle wraps the master side of a creack/pty pseudo-terminal pair,
// grounded on the teacher's pty_unix.go unixPTY.
type unixHandle struct {
	f *os.File
}

func startPTYWithSizeImpl(cmd *exec.Cmd, cols, rows uint16) (ptyHandle, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}
	return &unixHandle{f: f}, nil
}

func (h *unixHandle) Read(p []byte) (int, error)  { return h.f.Read(p) }
func (h *unixHandle) Write(p []byte) (int, error) { return h.f.Write(p) }
func (h *unixHandle) Close() error                { return h.f.Close() }

func (h *unixHandle) Resize(cols, rows uint16) error {
	return pty.Setsize(h.f, &pty.Winsize{Cols: cols, Rows: rows})
}
