package timeout

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/acolita/resilient-shell-mcp/internal/adapters/realclock"
	"github.com/acolita/resilient-shell-mcp/internal/patterns"
	"github.com/acolita/resilient-shell-mcp/internal/ports"
)

// Option configures a Timeout.
type Option func(*Timeout)

// WithClock sets the time source. Defaults to the real clock.
func WithClock(c ports.Clock) Option {
	return func(t *Timeout) { t.clock = c }
}

// WithStats shares a counter set between timeouts.
func WithStats(r *StatsRecorder) Option {
	return func(t *Timeout) { t.stats = r }
}

// WithLogger sets the logger used in Debug mode.
func WithLogger(l *slog.Logger) Option {
	return func(t *Timeout) { t.logger = l }
}

type subscriber struct {
	id int
	fn func(Event)
}

// Timeout is the state machine for one command:
//
//	ACTIVE --primary fires--> GRACE --grace fires--> EXPIRED
//	GRACE  --any output-----> ACTIVE
//	any    --error pattern--> EXPIRED
//	any    --absolute fires-> EXPIRED
//
// It never blocks; timers are scheduled with Clock.AfterFunc.
type Timeout struct {
	cfg     Config
	clock   ports.Clock
	matcher *patterns.Matcher
	stats   *StatsRecorder
	logger  *slog.Logger

	// opMu serializes transitions and event delivery so subscribers see
	// events in the order they happened.
	opMu sync.Mutex

	mu           sync.Mutex
	stage        Stage
	started      bool
	terminated   bool
	reason       Reason
	sawActivity  bool
	startTime    time.Time
	lastActivity time.Time

	primary, grace, absolute       ports.Timer
	primaryGen, graceGen, absGen   uint64
	primaryAt, graceAt, absoluteAt time.Time

	outbox    []Event
	closeDone bool
	done      chan struct{}

	subs   []subscriber
	nextID int
}

// New validates cfg and returns an unstarted Timeout. Invalid configs fail
// here with a *ConfigError.
func New(cfg Config, opts ...Option) (*Timeout, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, err := patterns.NewMatcher(cfg.ProgressPatterns, cfg.ErrorPatterns)
	if err != nil {
		return nil, fmt.Errorf("compile patterns: %w", err)
	}

	t := &Timeout{
		cfg:     cfg,
		matcher: m,
		stage:   StageActive,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.clock == nil {
		t.clock = realclock.New()
	}
	if t.stats == nil {
		t.stats = NewStatsRecorder()
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.stats.update(func(s *Stats) { s.TotalCreated++ })
	return t, nil
}

// Config returns the configuration the timeout was built with.
func (t *Timeout) Config() Config {
	return t.cfg
}

// Start arms the absolute and primary timers. Calling it again is a no-op.
func (t *Timeout) Start() {
	t.do(func(now time.Time) {
		if t.started || t.terminated {
			return
		}
		t.started = true
		t.startTime = now
		t.lastActivity = now
		t.absoluteAt = now.Add(t.cfg.AbsoluteMaximum)
		t.absGen++
		gen := t.absGen
		t.absolute = t.clock.AfterFunc(t.cfg.AbsoluteMaximum, func() { t.onAbsolute(gen) })
		t.emit(Event{Time: now, Type: EventTimerSet, Timer: TimerAbsolute, Delay: t.cfg.AbsoluteMaximum})
		t.armPrimary(now, t.cfg.BaseTimeout, EventTimerSet)
	})
}

// ProcessOutput feeds one chunk of output to the state machine. Output
// before Start or after termination is ignored.
func (t *Timeout) ProcessOutput(text string) {
	t.do(func(now time.Time) {
		if !t.started || t.terminated {
			return
		}
		t.lastActivity = now
		t.emit(Event{Time: now, Type: EventActivity, Bytes: len(text)})

		v := t.matcher.Classify(text)
		if v.Matched() {
			t.stats.update(func(s *Stats) {
				if v.Source == patterns.SourceError {
					s.PatternMatches.Error++
				} else {
					s.PatternMatches.Progress++
				}
			})
			t.emit(Event{
				Time:          now,
				Type:          EventPatternMatch,
				Pattern:       v.Pattern,
				PatternSource: string(v.Source),
				Match:         v.Match,
			})
		}

		first := !t.sawActivity
		t.sawActivity = true

		if v.Action == patterns.ActionTerminate {
			t.terminate(now, ReasonErrorDetected)
			return
		}

		switch t.stage {
		case StageGrace:
			t.clearGrace(now)
			t.setStage(now, StageActive)
			t.stats.update(func(s *Stats) { s.GraceRecoveries++ })
			t.armPrimary(now, t.cfg.BaseTimeout, EventTimerReset)
		case StageActive:
			switch {
			case v.Action == patterns.ActionReset:
				t.armPrimary(now, t.cfg.BaseTimeout, EventTimerReset)
			case !first:
				t.armPrimary(now, t.cfg.ActivityExtension, EventTimerExtended)
			}
		}
	})
}

// Complete marks the command finished. It clears every timer and is a no-op
// once the timeout has terminated.
func (t *Timeout) Complete() {
	t.do(func(now time.Time) {
		if t.terminated {
			return
		}
		t.stopAll(now)
		t.terminated = true
		t.reason = ReasonCompleted
		t.stats.update(func(s *Stats) { s.Completions++ })
		t.emit(Event{Time: now, Type: EventTermination, Reason: ReasonCompleted})
		t.closeDone = true
	})
}

// Cleanup cancels every outstanding timer. A live timeout ends with reason
// cancelled. It is safe to call any number of times.
func (t *Timeout) Cleanup() {
	t.do(func(now time.Time) {
		t.stopAll(now)
		if t.terminated {
			return
		}
		t.terminated = true
		t.reason = ReasonCancelled
		t.stats.update(func(s *Stats) { s.Terminations[ReasonCancelled]++ })
		t.emit(Event{Time: now, Type: EventTermination, Reason: ReasonCancelled})
		t.closeDone = true
	})
}

// Stage returns the current stage.
func (t *Timeout) Stage() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

// Terminated reports whether the timeout reached its terminal state.
func (t *Timeout) Terminated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminated
}

// Reason returns the termination reason, or "" while live.
func (t *Timeout) Reason() Reason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Done is closed when the timeout terminates for any reason, after the
// termination event has been delivered.
func (t *Timeout) Done() <-chan struct{} {
	return t.done
}

// Deadline returns when the armed primary or grace timer fires, or the zero
// time if neither is armed.
func (t *Timeout) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.terminated:
		return time.Time{}
	case t.primary != nil:
		return t.primaryAt
	case t.grace != nil:
		return t.graceAt
	}
	return time.Time{}
}

// AbsoluteDeadline returns the hard runtime ceiling, or zero before Start.
func (t *Timeout) AbsoluteDeadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.absoluteAt
}

// LastActivity returns when output was last processed.
func (t *Timeout) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// Stats returns a snapshot of the counters this timeout records into.
func (t *Timeout) Stats() Stats {
	return t.stats.Snapshot()
}

// Subscribe registers fn for every subsequent event and returns a function
// that removes it. fn runs synchronously and must not call Start,
// ProcessOutput, Complete or Cleanup.
func (t *Timeout) Subscribe(fn func(Event)) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscriber{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, s := range t.subs {
				if s.id == id {
					t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (t *Timeout) onPrimary(gen uint64) {
	t.do(func(now time.Time) {
		if t.terminated || gen != t.primaryGen || t.primary == nil {
			return
		}
		t.primary = nil
		t.primaryAt = time.Time{}
		t.emit(Event{Time: now, Type: EventTimerCleared, Timer: TimerPrimary})
		t.setStage(now, StageGrace)

		t.graceGen++
		g := t.graceGen
		t.graceAt = now.Add(t.cfg.GraceTimeout)
		t.grace = t.clock.AfterFunc(t.cfg.GraceTimeout, func() { t.onGrace(g) })
		t.emit(Event{Time: now, Type: EventTimerSet, Timer: TimerGrace, Delay: t.cfg.GraceTimeout})
		t.warnIfPastAbsolute(now, TimerGrace, t.graceAt)
	})
}

func (t *Timeout) onGrace(gen uint64) {
	t.do(func(now time.Time) {
		if t.terminated || gen != t.graceGen || t.grace == nil {
			return
		}
		t.grace = nil
		t.terminate(now, ReasonGraceExpired)
	})
}

func (t *Timeout) onAbsolute(gen uint64) {
	t.do(func(now time.Time) {
		if t.terminated || gen != t.absGen || t.absolute == nil {
			return
		}
		t.absolute = nil
		t.terminate(now, ReasonAbsoluteMaximum)
	})
}

// do runs fn under the state lock, then delivers the events it produced.
func (t *Timeout) do(fn func(now time.Time)) {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	now := t.clock.Now()
	t.mu.Lock()
	fn(now)
	events := t.outbox
	t.outbox = nil
	subs := make([]subscriber, len(t.subs))
	copy(subs, t.subs)
	closeDone := t.closeDone
	t.closeDone = false
	t.mu.Unlock()

	for _, ev := range events {
		if t.cfg.Debug {
			t.logger.Debug("timeout event",
				slog.String("type", string(ev.Type)),
				slog.String("timer", string(ev.Timer)),
				slog.Duration("delay", ev.Delay),
				slog.String("from", string(ev.From)),
				slog.String("to", string(ev.To)),
				slog.String("pattern", ev.Pattern),
				slog.String("reason", string(ev.Reason)),
			)
		}
		for _, s := range subs {
			s.fn(ev)
		}
	}
	if closeDone {
		close(t.done)
	}
}

func (t *Timeout) emit(ev Event) {
	t.outbox = append(t.outbox, ev)
}

func (t *Timeout) setStage(now time.Time, to Stage) {
	from := t.stage
	t.stage = to
	t.emit(Event{Time: now, Type: EventStateChange, From: from, To: to})
}

// armPrimary replaces the primary timer with one firing after d.
func (t *Timeout) armPrimary(now time.Time, d time.Duration, typ EventType) {
	if t.primary != nil {
		t.primary.Stop()
	}
	t.primaryGen++
	gen := t.primaryGen
	t.primaryAt = now.Add(d)
	t.primary = t.clock.AfterFunc(d, func() { t.onPrimary(gen) })
	t.emit(Event{Time: now, Type: typ, Timer: TimerPrimary, Delay: d})
	t.warnIfPastAbsolute(now, TimerPrimary, t.primaryAt)
}

func (t *Timeout) warnIfPastAbsolute(now time.Time, kind TimerKind, at time.Time) {
	if t.absolute == nil || at.Before(t.absoluteAt) {
		return
	}
	t.emit(Event{Time: now, Type: EventAbsoluteWarning, Timer: kind, Delay: t.absoluteAt.Sub(now)})
}

func (t *Timeout) clearGrace(now time.Time) {
	if t.grace == nil {
		return
	}
	t.grace.Stop()
	t.grace = nil
	t.graceAt = time.Time{}
	t.graceGen++
	t.emit(Event{Time: now, Type: EventTimerCleared, Timer: TimerGrace})
}

func (t *Timeout) stopAll(now time.Time) {
	if t.primary != nil {
		t.primary.Stop()
		t.primary = nil
		t.primaryAt = time.Time{}
		t.primaryGen++
		t.emit(Event{Time: now, Type: EventTimerCleared, Timer: TimerPrimary})
	}
	t.clearGrace(now)
	if t.absolute != nil {
		t.absolute.Stop()
		t.absolute = nil
		t.absGen++
		t.emit(Event{Time: now, Type: EventTimerCleared, Timer: TimerAbsolute})
	}
}

func (t *Timeout) terminate(now time.Time, reason Reason) {
	t.stopAll(now)
	t.terminated = true
	t.reason = reason
	t.setStage(now, StageExpired)
	t.stats.update(func(s *Stats) { s.Terminations[reason]++ })
	t.emit(Event{Time: now, Type: EventTermination, Reason: reason})
	t.closeDone = true
}
