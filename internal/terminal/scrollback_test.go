package terminal

import (
	"bytes"
	"testing"
)

func TestScrollback_EvictsOldestBeyondCap(t *testing.T) {
	s := newScrollback(8)
	s.append([]byte("12345"))
	s.append([]byte("6789"))

	got := s.snapshot()
	want := []byte("23456789")
	if !bytes.Equal(got, want) {
		t.Errorf("snapshot = %q, want %q", got, want)
	}
}

func TestScrollback_UnderCapKeepsEverything(t *testing.T) {
	s := newScrollback(100)
	s.append([]byte("hello "))
	s.append([]byte("world"))

	got := s.snapshot()
	want := []byte("hello world")
	if !bytes.Equal(got, want) {
		t.Errorf("snapshot = %q, want %q", got, want)
	}
}
