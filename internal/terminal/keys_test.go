package terminal

import (
	"bytes"
	"testing"
)

func TestEncodeKey_ArrowsAndControl(t *testing.T) {
	cases := []struct {
		name string
		in   KeyInput
		want []byte
	}{
		{"enter", KeyInput{Key: "Enter"}, []byte{'\r'}},
		{"escape", KeyInput{Key: "Escape"}, []byte{0x1b}},
		{"tab", KeyInput{Key: "Tab"}, []byte{'\t'}},
		{"backspace", KeyInput{Key: "Backspace"}, []byte{0x7f}},
		{"arrow up", KeyInput{Key: "ArrowUp"}, []byte("\x1b[A")},
		{"arrow down", KeyInput{Key: "ArrowDown"}, []byte("\x1b[B")},
		{"ctrl-c", KeyInput{Key: "c", Ctrl: true}, []byte{0x03}},
		{"ctrl-a", KeyInput{Key: "a", Ctrl: true}, []byte{0x01}},
		{"plain rune", KeyInput{Key: "x"}, []byte("x")},
		{"alt-arrow", KeyInput{Key: "ArrowLeft", Alt: true}, []byte("\x1b\x1b[D")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := encodeKey(tc.in)
			if !bytes.Equal(got, tc.want) {
				t.Errorf("encodeKey(%+v) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
