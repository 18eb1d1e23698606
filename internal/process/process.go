// Package process spawns and owns persistent shell processes, trying a
// pseudo-terminal first and falling back to plain pipes.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Stream tags where a chunk of output came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Chunk is one read from the process, in emission order per stream. A pty
// merges both streams into Stdout.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Signal is a portable stop request.
type Signal string

const (
	Interrupt Signal = "interrupt"
	Terminate Signal = "terminate"
	ForceKill Signal = "kill"
)

// ParseSignal accepts interrupt/int/sigint, terminate/term/sigterm and
// kill/sigkill.
func ParseSignal(s string) (Signal, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "interrupt", "int", "sigint":
		return Interrupt, nil
	case "terminate", "term", "sigterm":
		return Terminate, nil
	case "kill", "sigkill", "force_kill":
		return ForceKill, nil
	}
	return "", fmt.Errorf("unknown signal %q (want interrupt, terminate or kill)", s)
}

// Process is a live shell.
type Process interface {
	// Output delivers chunks until the process exits, then is closed.
	Output() <-chan Chunk
	// Write sends raw input to the shell.
	Write(p []byte) (int, error)
	// Signal delivers sig to the shell's process group.
	Signal(sig Signal) error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitErr returns the wait error after Done is closed.
	ExitErr() error
	// Close kills the process and releases its resources. Idempotent.
	Close() error
	Shell() Shell
	Strategy() string
}

// Strategy is one way of creating a shell process.
type Strategy interface {
	Name() string
	Spawn(ctx context.Context, opts Options) (Process, error)
}

// Strategy names accepted in Options.Strategy.
const (
	StrategyPTY  = "pty"
	StrategyPipe = "pipe"
)

// Options configures CreateShell.
type Options struct {
	Shell    string // explicit path or name; empty selects automatically
	Strategy string // "", "pty" or "pipe"
	Dir      string
	Env      map[string]string
	CleanEnv bool
	SourceRC bool
	Rows     uint16
	Cols     uint16

	// Filled in by Manager before Spawn.
	Resolved Shell
	Environ  []string
}

// Attempt records one failed strategy.
type Attempt struct {
	Strategy string
	Err      error
}

// InitError reports that no strategy produced a shell.
type InitError struct {
	Attempts []Attempt
}

func (e *InitError) Error() string {
	if len(e.Attempts) == 0 {
		return "create shell: no strategy available"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
	}
	return "create shell: all strategies failed (" + strings.Join(parts, "; ") + ")"
}

// Unwrap exposes every attempt error to errors.Is and errors.As.
func (e *InitError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// ErrUnknownStrategy is returned for an unrecognised Options.Strategy.
var ErrUnknownStrategy = errors.New("unknown process strategy")

// EnvSource supplies the inherited environment and tool directories.
type EnvSource interface {
	Dirs() []string
}

// Manager creates shells through an ordered strategy list.
type Manager struct {
	strategies []Strategy
	tools      EnvSource
	lookPath   func(string) (string, error)
	environ    func() []string
	getenv     func(string) string
	goos       string
	logger     *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStrategies replaces the default pty-then-pipe order.
func WithStrategies(s ...Strategy) ManagerOption {
	return func(m *Manager) { m.strategies = s }
}

// WithToolDirs sets the source of extra PATH entries for clean environments.
func WithToolDirs(src EnvSource) ManagerOption {
	return func(m *Manager) { m.tools = src }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithHost overrides host probing, for tests.
func WithHost(goos string, lookPath func(string) (string, error), environ func() []string, getenv func(string) string) ManagerOption {
	return func(m *Manager) {
		m.goos = goos
		m.lookPath = lookPath
		m.environ = environ
		m.getenv = getenv
	}
}

// NewManager returns a Manager trying PTYStrategy, then PipeStrategy.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		strategies: []Strategy{&PTYStrategy{}, &PipeStrategy{}},
	}
	hostDefaults(m)
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// CreateShell resolves the shell and environment, then tries each strategy
// in order. The first success wins; otherwise it returns *InitError.
func (m *Manager) CreateShell(ctx context.Context, opts Options) (Process, error) {
	shell, err := m.resolveShell(opts.Shell)
	if err != nil {
		return nil, &InitError{Attempts: []Attempt{{Strategy: "shell", Err: err}}}
	}
	opts.Resolved = shell
	opts.Environ = BuildEnv(EnvOptions{
		Base:     m.environ(),
		Env:      opts.Env,
		Clean:    opts.CleanEnv,
		Shell:    shell,
		GOOS:     m.goos,
		ToolDirs: m.toolDirs(opts.CleanEnv),
	})

	chain, err := m.chain(opts.Strategy)
	if err != nil {
		return nil, err
	}

	initErr := &InitError{}
	for _, s := range chain {
		if err := ctx.Err(); err != nil {
			initErr.Attempts = append(initErr.Attempts, Attempt{Strategy: s.Name(), Err: err})
			break
		}
		p, err := s.Spawn(ctx, opts)
		if err != nil {
			m.logger.Warn("shell strategy failed",
				slog.String("strategy", s.Name()),
				slog.String("shell", shell.Path),
				slog.String("error", err.Error()),
			)
			initErr.Attempts = append(initErr.Attempts, Attempt{Strategy: s.Name(), Err: err})
			continue
		}
		m.logger.Info("shell started",
			slog.String("strategy", s.Name()),
			slog.String("shell", shell.Path),
			slog.String("family", string(shell.Family)),
		)
		return p, nil
	}
	return nil, initErr
}

func (m *Manager) resolveShell(explicit string) (Shell, error) {
	if explicit != "" {
		path := explicit
		if p, err := m.lookPath(explicit); err == nil {
			path = p
		}
		return NewShell(path), nil
	}
	return SelectShell(m.goos, m.lookPath, m.getenv("SHELL"))
}

func (m *Manager) toolDirs(clean bool) []string {
	if !clean || m.tools == nil {
		return nil
	}
	return m.tools.Dirs()
}

func (m *Manager) chain(name string) ([]Strategy, error) {
	if name == "" {
		return m.strategies, nil
	}
	for _, s := range m.strategies {
		if s.Name() == name {
			return []Strategy{s}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}
