package mcp

import (
	"context"

	"github.com/acolita/resilient-shell-mcp/internal/session"
	"github.com/acolita/resilient-shell-mcp/internal/timeout"
)

// sessionManager abstracts the session pool for testing.
type sessionManager interface {
	Create(ctx context.Context, opts session.CreateOptions) (*session.Session, error)
	Get(id string) (*session.Session, error)
	Close(id string) error
	ListDetailed() []session.Stats
	TimeoutStats() timeout.Stats
}

// Verify concrete types satisfy the interfaces at compile time.
var _ sessionManager = (*session.Manager)(nil)
