package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/acolita/resilient-shell-mcp/internal/adapters/realclock"
	"github.com/acolita/resilient-shell-mcp/internal/ports"
	"github.com/acolita/resilient-shell-mcp/internal/process"
	"github.com/acolita/resilient-shell-mcp/internal/timeout"
)

var (
	// ErrSessionNotFound is returned for unknown or closed session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrMaxSessions is returned when the pool is full.
	ErrMaxSessions = errors.New("max sessions reached")
)

// CreateOptions holds options for creating a new session.
type CreateOptions struct {
	Process process.Options
}

// RecorderFactory opens a recorder for a new session id.
type RecorderFactory func(sessionID string) (Recorder, error)

// Manager manages the pool of shell sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	pending  int

	factory      ShellFactory
	clock        ports.Clock
	random       ports.Random
	logger       *slog.Logger
	stats        *timeout.StatsRecorder
	recorders    RecorderFactory
	maxSessions  int
	idleTimeout  time.Duration
	reapInterval time.Duration
	sessionOpts  []Option

	stopReaper chan struct{}
	reaperDone chan struct{}
	reaperOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMaxSessions limits the pool size. Zero means unlimited.
func WithMaxSessions(n int) ManagerOption {
	return func(m *Manager) { m.maxSessions = n }
}

// WithIdleTimeout closes sessions unused for d. Zero disables reaping.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithReapInterval sets how often idle sessions are checked.
func WithReapInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.reapInterval = d }
}

// WithManagerClock sets the clock shared by the pool and its sessions.
func WithManagerClock(c ports.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithManagerRandom sets the id source shared by the pool and its sessions.
func WithManagerRandom(r ports.Random) ManagerOption {
	return func(m *Manager) { m.random = r }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithRecorderFactory records every new session.
func WithRecorderFactory(f RecorderFactory) ManagerOption {
	return func(m *Manager) { m.recorders = f }
}

// WithSessionOptions appends options applied to every new session.
func WithSessionOptions(opts ...Option) ManagerOption {
	return func(m *Manager) { m.sessionOpts = append(m.sessionOpts, opts...) }
}

// NewManager creates a session pool that spawns shells through factory.
func NewManager(factory ShellFactory, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:     make(map[string]*Session),
		factory:      factory,
		clock:        realclock.New(),
		random:       rand.Reader,
		logger:       slog.Default(),
		stats:        timeout.NewStatsRecorder(),
		reapInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create spawns a shell and registers a new session.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions)+m.pending >= m.maxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, m.maxSessions)
	}
	m.pending++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.pending--
		m.mu.Unlock()
	}()

	id := generateSessionID(m.random)
	sessOpts := []Option{
		WithID(id),
		WithClock(m.clock),
		WithRandom(m.random),
		WithLogger(m.logger),
		WithStatsRecorder(m.stats),
	}
	var rec Recorder
	if m.recorders != nil {
		r, err := m.recorders(id)
		if err != nil {
			m.logger.Warn("recording disabled for session", "session", id, "error", err)
		} else if r != nil {
			rec = r
			sessOpts = append(sessOpts, WithRecorder(r))
		}
	}
	sessOpts = append(sessOpts, m.sessionOpts...)

	sess, err := Open(ctx, m.factory, opts.Process, sessOpts...)
	if err != nil {
		if c, ok := rec.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.mu.Lock()
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()
	return sess, nil
}

// Get retrieves a live session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Close cleans up a session and removes it from the pool.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.Cleanup()
}

// List returns the sorted IDs of all sessions.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListDetailed returns stats for all sessions, ordered by ID.
func (m *Manager) ListDetailed() []Stats {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]Stats, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Stats())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// SessionCount returns the number of sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// TimeoutStats returns the pool-wide timeout counters.
func (m *Manager) TimeoutStats() timeout.Stats {
	return m.stats.Snapshot()
}

// CloseAll cleans up every session and stops the reaper.
func (m *Manager) CloseAll() error {
	m.StopReaper()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		if err := s.Cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// ReapIdle closes sessions that died or sat idle past the idle timeout, and
// returns their IDs.
func (m *Manager) ReapIdle() []string {
	now := m.clock.Now()

	m.mu.Lock()
	var victims []*Session
	for id, s := range m.sessions {
		dead := !s.Alive()
		idle := m.idleTimeout > 0 && !s.Busy() && now.Sub(s.LastUsed()) >= m.idleTimeout
		if dead || idle {
			victims = append(victims, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(victims))
	for _, s := range victims {
		if err := s.Cleanup(); err != nil {
			m.logger.Debug("cleanup of reaped session failed", "session", s.ID(), "error", err)
		}
		m.logger.Info("session reaped", "session", s.ID())
		ids = append(ids, s.ID())
	}
	sort.Strings(ids)
	return ids
}

// StartReaper runs ReapIdle on every tick until StopReaper. It is a no-op
// when no idle timeout is set or the reaper already runs.
func (m *Manager) StartReaper() {
	if m.idleTimeout <= 0 || m.reapInterval <= 0 {
		return
	}
	m.mu.Lock()
	if m.stopReaper != nil {
		m.mu.Unlock()
		return
	}
	m.stopReaper = make(chan struct{})
	m.reaperDone = make(chan struct{})
	stop, done := m.stopReaper, m.reaperDone
	m.mu.Unlock()

	ticker := m.clock.NewTicker(m.reapInterval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				m.ReapIdle()
			}
		}
	}()
}

// StopReaper stops the reaper goroutine and waits for it.
func (m *Manager) StopReaper() {
	m.mu.Lock()
	stop, done := m.stopReaper, m.reaperDone
	m.mu.Unlock()
	if stop == nil {
		return
	}
	m.reaperOnce.Do(func() { close(stop) })
	<-done
}
