// Package fakesessionmgr provides an in-memory session pool for testing MCP
// handlers. Sessions are real session.Session values running over scripted
// fake shells.
package fakesessionmgr

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/acolita/resilient-shell-mcp/internal/logging"
	"github.com/acolita/resilient-shell-mcp/internal/session"
	"github.com/acolita/resilient-shell-mcp/internal/timeout"
)

// Manager is a fake session pool.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	shells   map[string]*Shell
	created  []session.CreateOptions
	nextID   int
	stats    *timeout.StatsRecorder
	respond  Responder

	// CreateErr, when set, fails every Create.
	CreateErr error
}

// New returns a Manager whose shells answer with respond, or Echo if nil.
func New(respond Responder) *Manager {
	if respond == nil {
		respond = Echo
	}
	return &Manager{
		sessions: make(map[string]*session.Session),
		shells:   make(map[string]*Shell),
		stats:    timeout.NewStatsRecorder(),
		respond:  respond,
	}
}

// Create starts a session over a new Shell.
func (m *Manager) Create(ctx context.Context, opts session.CreateOptions) (*session.Session, error) {
	m.mu.Lock()
	if m.CreateErr != nil {
		err := m.CreateErr
		m.mu.Unlock()
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.nextID++
	id := fmt.Sprintf("sess_fake%02d", m.nextID)
	m.created = append(m.created, opts)
	m.mu.Unlock()

	sh := NewShell(m.respond)
	sess := session.New(sh,
		session.WithID(id),
		session.WithLogger(logging.New(io.Discard, "error", false)),
		session.WithSettleTimeout(time.Second),
		session.WithStatsRecorder(m.stats),
	)
	if err := sess.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.shells[id] = sh
	m.mu.Unlock()
	return sess, nil
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	}
	return sess, nil
}

// Close cleans up and forgets a session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	}
	return sess.Cleanup()
}

// ListDetailed returns stats for every session, sorted by ID.
func (m *Manager) ListDetailed() []session.Stats {
	m.mu.Lock()
	list := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]session.Stats, 0, len(list))
	for _, s := range list {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TimeoutStats returns the statistics shared by all sessions.
func (m *Manager) TimeoutStats() timeout.Stats {
	return m.stats.Snapshot()
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Close(id)
	}
}

// Shell returns the fake shell behind a session, including closed ones.
func (m *Manager) Shell(id string) *Shell {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shells[id]
}

// Created returns the options of every Create call that got past CreateErr.
func (m *Manager) Created() []session.CreateOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.CreateOptions(nil), m.created...)
}
