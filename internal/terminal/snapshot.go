package terminal

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/tuzig/vt10x"
)

// snapshotter feeds every byte a PTY produces into a headless vt10x
// screen so a newly attached subscriber can be handed a clean,
// cursor-consistent redraw instead of raw scrollback bytes that may
// begin mid-escape-sequence (§4.3 I7: "snapshot followed by live tail
// without gaps or duplicates").
type snapshotter struct {
	mu         sync.Mutex
	vt         vt10x.Terminal
	cols, rows int
}

func newSnapshotter(cols, rows int) *snapshotter {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	vt := vt10x.NewVT100()
	vt.Resize(cols, rows)
	return &snapshotter{vt: vt, cols: cols, rows: rows}
}

// feed advances the virtual screen by data. Must be called with every
// byte also appended to the terminal's scrollback, in the same order.
func (s *snapshotter) feed(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.vt.Write(data)
}

func (s *snapshotter) resize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Resize(cols, rows)
	s.cols, s.rows = cols, rows
}

// render reconstructs the current screen as a self-contained escape
// sequence: clear, redraw every cell, then reposition the cursor. The
// result never contains a truncated escape sequence, unlike a raw
// scrollback slice taken at an arbitrary byte offset.
func (s *snapshotter) render() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b bytes.Buffer
	b.WriteString("\x1b[2J\x1b[H")
	for y := 0; y < s.rows; y++ {
		for x := 0; x < s.cols; x++ {
			ch, _, _ := s.vt.Cell(x, y)
			if ch == 0 {
				ch = ' '
			}
			b.WriteRune(ch)
		}
		if y < s.rows-1 {
			b.WriteString("\r\n")
		}
	}
	cur := s.vt.Cursor()
	fmt.Fprintf(&b, "\x1b[%d;%dH", cur.Y+1, cur.X+1)
	return b.Bytes()
}
