package process

import (
	"context"
	"fmt"
	"os/exec"
)

// PipeStrategy runs the shell with plain pipes and separate stderr.
type PipeStrategy struct{}

func (s *PipeStrategy) Name() string { return StrategyPipe }

// Spawn starts the shell with stdin, stdout and stderr pipes.
func (s *PipeStrategy) Spawn(ctx context.Context, opts Options) (Process, error) {
	shell := opts.Resolved
	cmd := exec.Command(shell.Path, shell.Args(opts.SourceRC, false)...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Environ
	cmd.SysProcAttr = pipeSysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", shell.Path, err)
	}

	// cmd.exe has no process group to signal; ^C on stdin is the closest
	// thing to an interrupt.
	p := newExecProcess(cmd, shell, StrategyPipe, stdin, shell.Family == FamilyCmd)
	p.closers = append(p.closers, stdin)
	p.read(Stdout, stdout)
	p.read(Stderr, stderr)
	p.watch(true)

	if script := shell.InitScript(false); script != "" {
		if _, err := p.Write([]byte(script)); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("initialize shell: %w", err)
		}
	}
	return p, nil
}

var _ Strategy = (*PipeStrategy)(nil)
