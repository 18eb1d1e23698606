//go:build windows

package process

import (
	"context"
	"errors"
)

// PTYStrategy is unavailable on Windows; the manager falls back to pipes.
type PTYStrategy struct{}

func (s *PTYStrategy) Name() string { return StrategyPTY }

func (s *PTYStrategy) Spawn(ctx context.Context, opts Options) (Process, error) {
	return nil, errors.New("pseudo-terminals are not supported on windows")
}

var _ Strategy = (*PTYStrategy)(nil)
