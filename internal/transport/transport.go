// Package transport provides the byte streams a session talks to a board over.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("transport closed")

// Transport is a byte-accurate, ordered, full-duplex stream to a device.
// Read blocks until data arrives or the transport is closed.
type Transport interface {
	Open(ctx context.Context) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	IsOpen() bool
}

// Describer is implemented by transports that can name their endpoint for
// logs and status output.
type Describer interface {
	Describe() string
}

// Describe returns a printable name for t.
func Describe(t Transport) string {
	if d, ok := t.(Describer); ok {
		return d.Describe()
	}
	return "device"
}
