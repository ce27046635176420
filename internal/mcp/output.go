package mcp

import (
	"bytes"
	"sync"
)

// maxBufferedLines bounds the unsolicited output kept per session.
const maxBufferedLines = 500

// lineBuffer keeps the most recent lines of a session's unsolicited
// output in a circular buffer until a client reads them.
type lineBuffer struct {
	mu      sync.Mutex
	lines   []string
	pos     int
	full    bool
	partial []byte
	dropped int
}

func newLineBuffer(capacity int) *lineBuffer {
	return &lineBuffer{lines: make([]string, capacity)}
}

// Write implements io.Writer, splitting on newlines.
func (b *lineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := append(b.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.add(string(bytes.TrimRight(data[:i], "\r")))
		data = data[i+1:]
	}
	b.partial = append([]byte(nil), data...)
	return len(p), nil
}

func (b *lineBuffer) add(line string) {
	if b.full {
		b.dropped++
	}
	b.lines[b.pos] = line
	b.pos = (b.pos + 1) % len(b.lines)
	if b.pos == 0 {
		b.full = true
	}
}

// Drain returns the buffered lines in order, and how many older lines
// were overwritten, then empties the buffer.
func (b *lineBuffer) Drain() ([]string, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	if b.full {
		out = append(out, b.lines[b.pos:]...)
	}
	out = append(out, b.lines[:b.pos]...)
	dropped := b.dropped

	clear(b.lines)
	b.pos, b.full, b.dropped = 0, false, 0
	return out, dropped
}

// Len returns the number of buffered lines.
func (b *lineBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.lines)
	}
	return b.pos
}
