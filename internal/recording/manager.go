package recording

import (
	"log/slog"
	"sync"

	"github.com/acolita/resilient-shell-mcp/internal/adapters/realclock"
	"github.com/acolita/resilient-shell-mcp/internal/adapters/realfs"
	"github.com/acolita/resilient-shell-mcp/internal/ports"
	"github.com/acolita/resilient-shell-mcp/internal/session"
)

// Manager owns the recorders of all sessions.
type Manager struct {
	mu        sync.RWMutex
	recorders map[string]*Recorder
	basePath  string
	enabled   bool
	opts      Options

	fs     ports.FileSystem
	clock  ports.Clock
	logger *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFileSystem sets the filesystem recordings are written to.
func WithFileSystem(fs ports.FileSystem) ManagerOption {
	return func(m *Manager) { m.fs = fs }
}

// WithClock sets the clock used for timestamps.
func WithClock(c ports.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithOptions sets the header dimensions and shell for new recordings.
func WithOptions(o Options) ManagerOption {
	return func(m *Manager) { m.opts = o }
}

// NewManager creates a recording manager.
func NewManager(basePath string, enabled bool, opts ...ManagerOption) *Manager {
	m := &Manager{
		recorders: make(map[string]*Recorder),
		basePath:  basePath,
		enabled:   enabled,
		fs:        realfs.New(),
		clock:     realclock.New(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start opens a recorder for a session. It returns nil, nil when recording
// is disabled.
func (m *Manager) Start(sessionID string) (*Recorder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return nil, nil
	}
	if existing, ok := m.recorders[sessionID]; ok {
		existing.onClose = nil
		existing.Close()
	}

	r, err := NewRecorder(m.basePath, sessionID, m.opts, m.fs, m.clock)
	if err != nil {
		return nil, err
	}
	r.logger = m.logger.With("session", sessionID)
	r.onClose = func() { m.forget(sessionID, r) }
	m.recorders[sessionID] = r
	m.logger.Info("recording started", "session", sessionID, "path", r.Path())
	return r, nil
}

// Factory adapts Start to the session pool's recorder hook.
func (m *Manager) Factory() session.RecorderFactory {
	return func(sessionID string) (session.Recorder, error) {
		r, err := m.Start(sessionID)
		if err != nil || r == nil {
			return nil, err
		}
		return r, nil
	}
}

func (m *Manager) forget(sessionID string, r *Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recorders[sessionID] == r {
		delete(m.recorders, sessionID)
	}
}

// Stop closes a session's recorder.
func (m *Manager) Stop(sessionID string) error {
	m.mu.RLock()
	r, ok := m.recorders[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.Close()
}

// Path returns the recording file of a session, or "".
func (m *Manager) Path(sessionID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.recorders[sessionID]; ok {
		return r.Path()
	}
	return ""
}

// Active returns the number of open recorders.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recorders)
}

// CloseAll closes all recorders.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	recorders := make([]*Recorder, 0, len(m.recorders))
	for _, r := range m.recorders {
		recorders = append(recorders, r)
	}
	m.mu.RUnlock()

	for _, r := range recorders {
		r.Close()
	}
}

// IsEnabled returns whether recording is enabled.
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Configure applies a reloaded recording section. Running recorders keep
// going; the change affects new sessions.
func (m *Manager) Configure(enabled bool, basePath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
	if basePath != "" {
		m.basePath = basePath
	}
}
