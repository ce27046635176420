package mcp

import (
	"context"

	"github.com/acolita/micro-repl/internal/session"
	"github.com/acolita/micro-repl/internal/transport"
)

// sessionManager is the registry the handlers use.
type sessionManager interface {
	Create(ctx context.Context, t transport.Transport, opts session.Options) (*session.Session, error)
	Get(id string) (*session.Session, error)
	Close(id string) error
	CloseAll() error
	List() []string
	Remembered() []session.Metadata
}

var _ sessionManager = (*session.Manager)(nil)
