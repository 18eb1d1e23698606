// Package mcp implements the MCP protocol server for resilient-shell-mcp.
package mcp

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/acolita/resilient-shell-mcp/internal/adapters/realclock"
	"github.com/acolita/resilient-shell-mcp/internal/config"
	"github.com/acolita/resilient-shell-mcp/internal/ports"
	"github.com/acolita/resilient-shell-mcp/internal/recording"
	"github.com/acolita/resilient-shell-mcp/internal/recovery"
	"github.com/acolita/resilient-shell-mcp/internal/security"
	"github.com/acolita/resilient-shell-mcp/internal/timeout"
	"github.com/acolita/resilient-shell-mcp/internal/toolenv"
)

// Server wraps the MCP server implementation.
type Server struct {
	mcpServer     *server.MCPServer
	sessions      sessionManager
	commandFilter *security.CommandFilter
	spawnLimiter  *security.SpawnLimiter
	analyzer      *recovery.Analyzer
	detector      *toolenv.Detector
	recordings    *recording.Manager
	logger        *slog.Logger
	clock         ports.Clock

	mu         sync.RWMutex
	config     *config.Config
	classifier *timeout.Classifier
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithDetector sets the tool detector reported by shell_tools_available.
func WithDetector(d *toolenv.Detector) ServerOption {
	return func(s *Server) { s.detector = d }
}

// WithRecordingManager lets config reloads toggle recording.
func WithRecordingManager(m *recording.Manager) ServerOption {
	return func(s *Server) { s.recordings = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithClock sets the clock used by the spawn limiter.
func WithClock(c ports.Clock) ServerOption {
	return func(s *Server) { s.clock = c }
}

// NewServer creates a new MCP server over sessions.
func NewServer(cfg *config.Config, sessions sessionManager, opts ...ServerOption) (*Server, error) {
	classifier, err := cfg.Classifier()
	if err != nil {
		return nil, fmt.Errorf("timeouts: %w", err)
	}
	commandFilter, err := security.NewCommandFilter(
		cfg.Security.CommandBlocklist,
		cfg.Security.CommandAllowlist,
	)
	if err != nil {
		return nil, fmt.Errorf("security: %w", err)
	}

	s := &Server{
		mcpServer: server.NewMCPServer(
			serverName,
			serverVersion,
			server.WithToolCapabilities(false),
			server.WithLogging(),
			server.WithRecovery(),
		),
		sessions:      sessions,
		commandFilter: commandFilter,
		analyzer:      recovery.NewAnalyzer(),
		logger:        slog.Default(),
		clock:         realclock.New(),
		config:        cfg,
		classifier:    classifier,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.detector == nil {
		s.detector = toolenv.NewDetector(nil)
	}
	s.spawnLimiter = security.NewSpawnLimiter(0, 0, s.clock)

	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport.
func (s *Server) Run() error {
	s.logger.Info("starting MCP server on stdio transport")
	return server.ServeStdio(s.mcpServer)
}

// UpdateConfig applies a new configuration at runtime. Timeout budgets,
// profiles, command filters and recording take effect immediately; shell
// and pool settings apply to sessions created afterwards or need a restart.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.logger.Debug("applying config update")

	classifier, err := cfg.Classifier()
	if err != nil {
		s.logger.Warn("failed to update timeouts, keeping previous",
			slog.String("error", err.Error()),
		)
		classifier = nil
	}

	if err := s.commandFilter.SetPatterns(
		cfg.Security.CommandBlocklist,
		cfg.Security.CommandAllowlist,
	); err != nil {
		s.logger.Warn("failed to update command filter, keeping previous",
			slog.String("error", err.Error()),
		)
	}

	if s.recordings != nil {
		path := cfg.Recording.Path
		if path == "" {
			path = config.DefaultRecordingPath()
		}
		s.recordings.Configure(cfg.Recording.Enabled, path)
	}

	s.mu.Lock()
	old := s.config
	s.config = cfg
	if classifier != nil {
		s.classifier = classifier
	}
	s.mu.Unlock()

	if old.Sessions != cfg.Sessions {
		s.logger.Warn("sessions settings changed; restart to apply")
	}
	s.logger.Info("configuration hot-reloaded")
}

func (s *Server) current() (*config.Config, *timeout.Classifier) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config, s.classifier
}
