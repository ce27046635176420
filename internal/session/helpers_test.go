package session

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acolita/micro-repl/internal/testing/fakes/fakedevice"
)

func testOptions() Options {
	return Options{
		CommandTimeout: 2 * time.Second,
		ResetTimeout:   time.Second,
		HandshakeQuiet: 5 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// connect opens a session on dev. mod may adjust the options first.
func connect(t *testing.T, dev *fakedevice.Device, mod func(*Options)) *Session {
	t.Helper()
	opts := testOptions()
	if mod != nil {
		mod(&opts)
	}
	s, err := Connect(context.Background(), dev, opts)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// syncBuffer is a bytes.Buffer safe for use as Options.Output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), s)
}

// counter counts callback invocations.
type counter struct {
	mu   sync.Mutex
	n    int
	errs []error
}

func (c *counter) hit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	c.errs = append(c.errs, err)
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
