// Package session runs commands one at a time on a persistent shell, framing
// each with unique markers and supervising it with a resilient timeout.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/acolita/resilient-shell-mcp/internal/adapters/realclock"
	"github.com/acolita/resilient-shell-mcp/internal/logging"
	"github.com/acolita/resilient-shell-mcp/internal/patterns"
	"github.com/acolita/resilient-shell-mcp/internal/ports"
	"github.com/acolita/resilient-shell-mcp/internal/process"
	"github.com/acolita/resilient-shell-mcp/internal/timeout"
)

var (
	// ErrSessionDied is returned when the shell exits underneath a command.
	ErrSessionDied = errors.New("shell session died")
	// ErrSessionClosed is returned for commands on a cleaned-up session.
	ErrSessionClosed = errors.New("shell session closed")
	// ErrSessionBroken is returned once an interrupted command failed to
	// finish and the shell had to be killed.
	ErrSessionBroken = errors.New("shell session broken: interrupted command did not finish")
)

const (
	defaultSettleTimeout = 5 * time.Second
	hintTailBytes        = 2048
)

// Recorder receives a session's traffic. A Recorder that also implements
// io.Closer is closed by Cleanup.
type Recorder interface {
	RecordInput(data string)
	RecordOutput(data string)
	RecordEvent(ev timeout.Event)
}

// ShellFactory creates shell processes. *process.Manager implements it.
type ShellFactory interface {
	CreateShell(ctx context.Context, opts process.Options) (process.Process, error)
}

// Result is the outcome of one command.
type Result struct {
	CommandID         string          `json:"command_id"`
	Stdout            string          `json:"stdout"`
	Stderr            string          `json:"stderr,omitempty"`
	ExitCode          *int            `json:"exit_code,omitempty"`
	TimedOut          bool            `json:"timed_out"`
	TerminationReason timeout.Reason  `json:"termination_reason"`
	Duration          time.Duration   `json:"-"`
	DurationMS        int64           `json:"duration_ms"`
	Hint              string          `json:"hint,omitempty"`
	Events            []timeout.Event `json:"events,omitempty"`
}

// Stats is a point-in-time view of a session.
type Stats struct {
	ID           string        `json:"id"`
	Alive        bool          `json:"alive"`
	Shell        string        `json:"shell"`
	Strategy     string        `json:"strategy"`
	CreatedAt    time.Time     `json:"created_at"`
	LastUsed     time.Time     `json:"last_used"`
	CommandsRun  int           `json:"commands_run"`
	Queued       int           `json:"queued"`
	Busy         bool          `json:"busy"`
	Timeout      timeout.Stats `json:"timeout"`
	CurrentStage timeout.Stage `json:"current_stage,omitempty"`
	Deadline     time.Time     `json:"deadline,omitzero"`
	LastOutput   time.Time     `json:"last_output,omitzero"`
}

// Option configures a Session.
type Option func(*Session)

// WithID sets the session id. The default is sess_ plus random hex.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithClock sets the clock used for timeouts and timestamps.
func WithClock(c ports.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithRandom sets the source for marker and session ids.
func WithRandom(r ports.Random) Option {
	return func(s *Session) { s.random = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithRecorder attaches a traffic recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithSettleTimeout bounds how long the session waits for an interrupted
// command's end marker before dispatching the next command.
func WithSettleTimeout(d time.Duration) Option {
	return func(s *Session) { s.settleTimeout = d }
}

// WithStatsRecorder shares a timeout counter set, typically across a pool.
func WithStatsRecorder(r *timeout.StatsRecorder) Option {
	return func(s *Session) { s.stats = r }
}

// ExecOption configures a single Execute call.
type ExecOption func(*Command)

// WithEventCapture returns the command's timeout timeline in Result.Events.
func WithEventCapture() ExecOption {
	return func(c *Command) { c.captureEvents = true }
}

// Session owns one shell process and serializes commands on it.
type Session struct {
	id            string
	proc          process.Process
	clock         ports.Clock
	random        ports.Random
	logger        *slog.Logger
	recorder      Recorder
	stats         *timeout.StatsRecorder
	settleTimeout time.Duration

	queue    *Queue
	wake     chan struct{}
	closed   chan struct{}
	loopDone chan struct{}

	startOnce   sync.Once
	cleanupOnce sync.Once
	started     bool

	mu          sync.Mutex
	alive       bool
	broken      bool
	createdAt   time.Time
	lastUsed    time.Time
	commandsRun int
	current     *timeout.Timeout
}

// New wraps a running shell process. Call Initialize before Execute.
func New(proc process.Process, opts ...Option) *Session {
	s := &Session{
		proc:          proc,
		clock:         realclock.New(),
		random:        rand.Reader,
		logger:        slog.Default(),
		settleTimeout: defaultSettleTimeout,
		queue:         &Queue{},
		wake:          make(chan struct{}, 1),
		closed:        make(chan struct{}),
		loopDone:      make(chan struct{}),
		alive:         true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.stats == nil {
		s.stats = timeout.NewStatsRecorder()
	}
	if s.id == "" {
		s.id = generateSessionID(s.random)
	}
	s.createdAt = s.clock.Now()
	s.lastUsed = s.createdAt
	s.logger = s.logger.With("session", s.id)
	return s
}

// Open spawns a shell through factory and starts a session on it.
func Open(ctx context.Context, factory ShellFactory, popts process.Options, opts ...Option) (*Session, error) {
	proc, err := factory.CreateShell(ctx, popts)
	if err != nil {
		return nil, err
	}
	s := New(proc, opts...)
	if err := s.Initialize(ctx); err != nil {
		_ = proc.Close()
		return nil, err
	}
	return s, nil
}

// Initialize starts the dispatch loop.
func (s *Session) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case <-s.proc.Done():
		s.setDead()
		return s.diedErr()
	default:
	}
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
		go s.run()
	})
	s.logger.Info("session started",
		"shell", s.proc.Shell().Name,
		"strategy", s.proc.Strategy())
	return nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Process returns the underlying shell.
func (s *Session) Process() process.Process {
	return s.proc
}

// Alive reports whether the session can accept commands.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// LastUsed returns when a command was last submitted.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Busy reports whether a command is running or queued.
func (s *Session) Busy() bool {
	s.mu.Lock()
	running := s.current != nil
	s.mu.Unlock()
	return running || s.queue.Len() > 0
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		ID:          s.id,
		Alive:       s.alive,
		Shell:       s.proc.Shell().Name,
		Strategy:    s.proc.Strategy(),
		CreatedAt:   s.createdAt,
		LastUsed:    s.lastUsed,
		CommandsRun: s.commandsRun,
		Busy:        s.current != nil,
	}
	current := s.current
	s.mu.Unlock()

	if current != nil {
		st.CurrentStage = current.Stage()
		st.Deadline = current.Deadline()
		st.LastOutput = current.LastActivity()
	}
	st.Queued = s.queue.Len()
	st.Busy = st.Busy || st.Queued > 0
	st.Timeout = s.stats.Snapshot()
	return st
}

// Execute queues text and waits for its result. Timeouts and error-pattern
// terminations are reported through Result.TimedOut with a nil error.
func (s *Session) Execute(ctx context.Context, text string, cfg timeout.Config, opts ...ExecOption) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := s.acceptErr(); err != nil {
		return nil, err
	}
	markers, err := NewMarkers(s.random)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	cmd := newCommand(ctx, text, cfg, markers, now)
	for _, opt := range opts {
		opt(cmd)
	}

	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()

	s.queue.Push(cmd)
	// Closed or died between the check and the push: the loop may be gone.
	if err := s.acceptErr(); err != nil && s.queue.Remove(cmd) {
		return nil, err
	}
	s.signalWake()

	s.logger.Debug("command queued",
		"command_id", markers.ID,
		"command", logging.Truncate(text, 200),
		"queued", s.queue.Len())

	select {
	case o := <-cmd.done:
		return o.result, o.err
	case <-ctx.Done():
		if s.queue.Remove(cmd) {
			return nil, ctx.Err()
		}
		o := <-cmd.done
		return o.result, o.err
	}
}

// SendSignal delivers sig to the shell's process group.
func (s *Session) SendSignal(sig process.Signal) error {
	if !s.Alive() {
		return s.acceptErr()
	}
	s.logger.Info("signal sent", "signal", string(sig))
	return s.proc.Signal(sig)
}

// Cleanup stops the session: the in-flight and queued commands fail with
// ErrSessionClosed and the shell is killed. Later calls return nil.
func (s *Session) Cleanup() error {
	var err error
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		s.alive = false
		started := s.started
		s.mu.Unlock()

		close(s.closed)
		if started {
			<-s.loopDone
		} else {
			s.queue.Drain(ErrSessionClosed)
		}

		select {
		case <-s.proc.Done():
		default:
			_ = s.proc.Signal(process.Terminate)
		}
		err = s.proc.Close()

		if c, ok := s.recorder.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		s.logger.Info("session closed")
	})
	return err
}

func (s *Session) acceptErr() error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	if !s.Alive() {
		return s.diedErr()
	}
	return nil
}

func (s *Session) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) diedErr() error {
	s.mu.Lock()
	broken := s.broken
	s.mu.Unlock()
	if broken {
		return ErrSessionBroken
	}
	if err := s.proc.ExitErr(); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionDied, err)
	}
	return ErrSessionDied
}

func (s *Session) setDead() {
	s.mu.Lock()
	s.alive = false
	s.mu.Unlock()
}

// markDead records an unexpected exit and fails everything still queued.
func (s *Session) markDead() {
	s.setDead()
	err := s.diedErr()
	n := s.queue.Drain(err)
	s.logger.Warn("shell exited unexpectedly", "error", err, "dropped", n)
}

// markBroken kills a shell whose interrupted command never finished and fails
// everything still queued. Nothing more is written to it.
func (s *Session) markBroken(commandID string) {
	s.mu.Lock()
	s.alive = false
	s.broken = true
	s.mu.Unlock()
	n := s.queue.Drain(ErrSessionBroken)
	if err := s.proc.Close(); err != nil {
		s.logger.Warn("close broken shell", "error", err)
	}
	s.logger.Error("session broken", "command_id", commandID, "dropped", n)
}

func (s *Session) setCurrent(t *timeout.Timeout) {
	s.mu.Lock()
	s.current = t
	if t != nil {
		s.commandsRun++
	}
	s.mu.Unlock()
}

func (s *Session) recordOutput(c process.Chunk) {
	if s.recorder != nil {
		s.recorder.RecordOutput(string(c.Data))
	}
}

// run is the dispatch loop. It is the only reader of the process output.
func (s *Session) run() {
	defer close(s.loopDone)
	out := s.proc.Output()
	for {
		if cmd, ok := s.queue.Pop(); ok {
			if !s.dispatch(cmd, &out) {
				return
			}
			continue
		}
		select {
		case <-s.closed:
			s.queue.Drain(ErrSessionClosed)
			return
		case <-s.proc.Done():
			s.markDead()
			return
		case c, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			// Between commands: background jobs, late output.
			s.recordOutput(c)
		case <-s.wake:
		}
	}
}

// eventLog collects timeout events; timer callbacks may append concurrently.
type eventLog struct {
	mu        sync.Mutex
	capture   bool
	events    []timeout.Event
	lastError string
}

func (l *eventLog) add(ev timeout.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev.Type == timeout.EventPatternMatch && ev.PatternSource == string(patterns.SourceError) {
		l.lastError = ev.Pattern
	}
	if l.capture {
		l.events = append(l.events, ev)
	}
}

func (l *eventLog) snapshot() ([]timeout.Event, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]timeout.Event(nil), l.events...), l.lastError
}

// dispatch runs one command to completion. It returns false when the loop
// must stop.
func (s *Session) dispatch(cmd *Command, out *<-chan process.Chunk) bool {
	if err := cmd.ctx.Err(); err != nil {
		cmd.resolve(nil, err)
		return true
	}
	select {
	case <-s.closed:
		cmd.resolve(nil, ErrSessionClosed)
		s.queue.Drain(ErrSessionClosed)
		return false
	default:
	}

	tm, err := timeout.New(cmd.Config,
		timeout.WithClock(s.clock),
		timeout.WithStats(s.stats),
		timeout.WithLogger(s.logger.With("command_id", cmd.ID())))
	if err != nil {
		cmd.resolve(nil, err)
		return true
	}
	events := &eventLog{capture: cmd.captureEvents}
	unsubscribe := tm.Subscribe(func(ev timeout.Event) {
		events.add(ev)
		if s.recorder != nil {
			s.recorder.RecordEvent(ev)
		}
	})
	defer unsubscribe()

	s.setCurrent(tm)
	defer s.setCurrent(nil)

	var stdout, stderr strings.Builder
	started := s.clock.Now()
	finish := func(r *Result) *Result {
		r.CommandID = cmd.ID()
		r.Stderr = stderr.String()
		r.Duration = s.clock.Now().Sub(started)
		r.DurationMS = r.Duration.Milliseconds()
		r.TerminationReason = tm.Reason()
		evs, lastErr := events.snapshot()
		r.Events = evs
		if r.TimedOut {
			r.Hint = timeoutHint(r.TerminationReason, r.Stdout+r.Stderr, lastErr)
		}
		return r
	}

	input := Wrap(s.proc.Shell().Family, cmd.Text, cmd.Markers)
	if s.recorder != nil {
		s.recorder.RecordInput(input)
	}
	if _, err := s.proc.Write([]byte(input)); err != nil {
		tm.Cleanup()
		select {
		case <-s.proc.Done():
			s.markDead()
			cmd.resolve(nil, s.diedErr())
			return false
		default:
		}
		cmd.resolve(nil, fmt.Errorf("write command: %w", err))
		return true
	}
	tm.Start()
	s.logger.Debug("command started", "command_id", cmd.ID())

	// Output before the start marker belongs to whatever ran earlier and is
	// kept from the timeout. Stderr seen meanwhile is held until the marker arrives.
	begun := false
	var early strings.Builder
	feed := func(text string) {
		if text != "" {
			tm.ProcessOutput(text)
		}
	}

	// The end marker can straddle chunks; only rescan once it may be present.
	searchFrom := 0
	completed := func() bool {
		raw := stdout.String()
		if !strings.Contains(raw[searchFrom:], cmd.Markers.End) {
			searchFrom = max(0, len(raw)-len(cmd.Markers.End))
			return false
		}
		body, code, done := Scan(raw, cmd.Markers)
		if !done {
			return false
		}
		tm.Complete()
		cmd.resolve(finish(&Result{Stdout: body, ExitCode: &code}), nil)
		s.logger.Debug("command completed", "command_id", cmd.ID(), "exit_code", code)
		return true
	}

	for {
		select {
		case c, ok := <-*out:
			if !ok {
				*out = nil
				continue
			}
			s.recordOutput(c)
			if c.Stream == process.Stderr {
				stderr.Write(c.Data)
			} else {
				stdout.Write(c.Data)
				if completed() {
					return true
				}
			}
			if begun {
				feed(Normalize(string(c.Data)))
				continue
			}
			if c.Stream == process.Stderr {
				early.Write(c.Data)
				continue
			}
			if rest, ok := afterStart(stdout.String(), cmd.Markers); ok {
				begun = true
				feed(Normalize(early.String()) + rest)
			}

		case <-tm.Done():
			reason := tm.Reason()
			if err := s.proc.Signal(process.Interrupt); err != nil {
				s.logger.Warn("interrupt failed", "command_id", cmd.ID(), "error", err)
			}
			cmd.resolve(finish(&Result{
				Stdout:   Partial(stdout.String(), cmd.Markers),
				TimedOut: true,
			}), nil)
			s.logger.Info("command timed out",
				"command_id", cmd.ID(),
				"reason", string(reason),
				"command", logging.Truncate(cmd.Text, 200))
			return s.settle(cmd.Markers, &stdout, out)

		case <-cmd.ctx.Done():
			tm.Cleanup()
			if err := s.proc.Signal(process.Interrupt); err != nil {
				s.logger.Warn("interrupt failed", "command_id", cmd.ID(), "error", err)
			}
			cmd.resolve(nil, cmd.ctx.Err())
			return s.settle(cmd.Markers, &stdout, out)

		case <-s.proc.Done():
			tm.Cleanup()
			s.drainExited(out, &stdout, &stderr)
			if body, code, done := Scan(stdout.String(), cmd.Markers); done {
				cmd.resolve(finish(&Result{Stdout: body, ExitCode: &code}), nil)
			} else {
				cmd.resolve(nil, s.diedErr())
			}
			s.markDead()
			return false

		case <-s.closed:
			tm.Cleanup()
			cmd.resolve(nil, ErrSessionClosed)
			s.queue.Drain(ErrSessionClosed)
			return false
		}
	}
}

// settle consumes output until the interrupted command's end marker shows up,
// so it cannot leak into the next command. Each settle window without the
// marker escalates the signal; after ForceKill the session is broken.
func (s *Session) settle(m Markers, stdout *strings.Builder, out *<-chan process.Chunk) bool {
	escalation := []process.Signal{process.Terminate, process.ForceKill}
	deadline := s.clock.After(s.settleTimeout)
	for {
		if _, _, done := Scan(stdout.String(), m); done {
			return true
		}
		select {
		case c, ok := <-*out:
			if !ok {
				*out = nil
				continue
			}
			s.recordOutput(c)
			if c.Stream != process.Stderr {
				stdout.Write(c.Data)
			}
		case <-deadline:
			sig := escalation[0]
			escalation = escalation[1:]
			s.logger.Warn("interrupted command did not finish",
				"command_id", m.ID,
				"signal", string(sig))
			if err := s.proc.Signal(sig); err != nil {
				s.logger.Warn("signal failed", "command_id", m.ID, "error", err)
			}
			if sig == process.ForceKill {
				s.markBroken(m.ID)
				return false
			}
			deadline = s.clock.After(s.settleTimeout)
		case <-s.proc.Done():
			s.markDead()
			return false
		case <-s.closed:
			s.queue.Drain(ErrSessionClosed)
			return false
		}
	}
}

// drainExited collects output still buffered after the process exited.
func (s *Session) drainExited(out *<-chan process.Chunk, stdout, stderr *strings.Builder) {
	if *out == nil {
		return
	}
	deadline := s.clock.After(s.settleTimeout)
	for {
		select {
		case c, ok := <-*out:
			if !ok {
				*out = nil
				return
			}
			s.recordOutput(c)
			if c.Stream == process.Stderr {
				stderr.Write(c.Data)
			} else {
				stdout.Write(c.Data)
			}
		case <-deadline:
			return
		case <-s.closed:
			return
		}
	}
}

// afterStart reports whether raw holds the start marker and returns the
// normalized text following the marker's line.
func afterStart(raw string, m Markers) (string, bool) {
	i := strings.Index(raw, m.Start)
	if i < 0 {
		return "", false
	}
	rest := raw[i+len(m.Start):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		rest = ""
	}
	return Normalize(rest), true
}

func timeoutHint(reason timeout.Reason, output, errorPattern string) string {
	if reason == timeout.ReasonErrorDetected {
		if errorPattern != "" {
			return fmt.Sprintf("output matched error pattern %q; the command was interrupted", errorPattern)
		}
		return "output matched an error pattern; the command was interrupted"
	}
	if len(output) > hintTailBytes {
		output = output[len(output)-hintTailBytes:]
	}
	if d := patterns.DetectPrompt(output); d != nil {
		return d.Hint()
	}
	if strings.TrimSpace(output) == "" {
		return "no output before the deadline; the command may be waiting for input or need a longer base timeout"
	}
	if reason == timeout.ReasonAbsoluteMaximum {
		return "absolute maximum reached; raise absolute_maximum_ms if the command is expected to run longer"
	}
	return "output stalled past the grace period; raise base_timeout_ms or add a progress pattern"
}

func generateSessionID(r ports.Random) string {
	b := make([]byte, 8)
	if _, err := io.ReadFull(r, b); err != nil {
		return fmt.Sprintf("sess_%d", time.Now().UnixNano())
	}
	return "sess_" + hex.EncodeToString(b)
}
