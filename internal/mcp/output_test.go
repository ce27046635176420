package mcp

import (
	"slices"
	"testing"
)

func TestLineBuffer(t *testing.T) {
	b := newLineBuffer(3)
	b.Write([]byte("boot\r\nMicroPython v1"))
	if got := b.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
	b.Write([]byte(".22\r\n"))

	lines, dropped := b.Drain()
	if want := []string{"boot", "MicroPython v1.22"}; !slices.Equal(lines, want) {
		t.Errorf("Drain() = %q, want %q", lines, want)
	}
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if lines, _ := b.Drain(); len(lines) != 0 {
		t.Errorf("second Drain() = %q, want empty", lines)
	}
}

func TestLineBufferOverwritesOldest(t *testing.T) {
	b := newLineBuffer(3)
	b.Write([]byte("1\n2\n3\n4\n5\n"))

	if got := b.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
	lines, dropped := b.Drain()
	if want := []string{"3", "4", "5"}; !slices.Equal(lines, want) {
		t.Errorf("Drain() = %q, want %q", lines, want)
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
}
