//go:build !windows

package process

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/creack/pty"
)

// PTYStrategy runs the shell on a pseudo-terminal so tools that check for
// interactivity behave as they would for a user.
type PTYStrategy struct{}

func (s *PTYStrategy) Name() string { return StrategyPTY }

// Spawn starts the shell on a new pty. Output arrives merged on Stdout.
func (s *PTYStrategy) Spawn(ctx context.Context, opts Options) (Process, error) {
	shell := opts.Resolved
	cmd := exec.Command(shell.Path, shell.Args(opts.SourceRC, true)...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Environ

	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 200
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	p := newExecProcess(cmd, shell, StrategyPTY, ptmx, true)
	p.closers = append(p.closers, ptmx)
	p.read(Stdout, ptmx)
	p.watch(false)

	if _, err := p.Write([]byte(shell.InitScript(true))); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("initialize pty shell: %w", err)
	}
	return p, nil
}

var _ Strategy = (*PTYStrategy)(nil)
