// resilient-shell-mcp is an MCP server running commands in persistent local
// shells with activity-aware timeouts.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/acolita/resilient-shell-mcp/internal/config"
	"github.com/acolita/resilient-shell-mcp/internal/logging"
	"github.com/acolita/resilient-shell-mcp/internal/mcp"
	"github.com/acolita/resilient-shell-mcp/internal/process"
	"github.com/acolita/resilient-shell-mcp/internal/recording"
	"github.com/acolita/resilient-shell-mcp/internal/session"
	"github.com/acolita/resilient-shell-mcp/internal/toolenv"
)

// Version information - set at build time.
var (
	Version   = "0.3.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath  string
		strategy    string
		showVersion bool
		debug       bool
	)

	flag.StringVar(&configPath, "config", config.DefaultConfigPath(), "Path to configuration file")
	flag.StringVar(&strategy, "strategy", "", "Process strategy: 'pty' or 'pipe' (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging and timeout event tracing")
	flag.Parse()

	if showVersion {
		fmt.Printf("resilient-shell-mcp version %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Command line overrides, reapplied on every reload.
	override := func(c *config.Config) {
		if strategy != "" {
			c.Shell.Strategy = strategy
		}
		if debug {
			c.Logging.Level = "debug"
			c.Timeouts.Debug = true
		}
	}
	override(cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Sanitize)
	logger := slog.Default()

	logger.Info("starting resilient-shell-mcp",
		slog.String("version", Version),
		slog.String("config", configPath),
	)

	detector := toolenv.NewDetector(nil)
	processes := process.NewManager(
		process.WithToolDirs(detector),
		process.WithLogger(logger),
	)

	recordingPath := cfg.Recording.Path
	if recordingPath == "" {
		recordingPath = config.DefaultRecordingPath()
	}
	recordings := recording.NewManager(recordingPath, cfg.Recording.Enabled,
		recording.WithLogger(logger),
		recording.WithOptions(recording.Options{
			Width:  int(cfg.Shell.Cols),
			Height: int(cfg.Shell.Rows),
			Shell:  cfg.Shell.Path,
		}),
	)

	pool := session.NewManager(processes,
		session.WithMaxSessions(cfg.Sessions.MaxSessions),
		session.WithIdleTimeout(cfg.Sessions.IdleTimeout),
		session.WithReapInterval(cfg.Sessions.ReapInterval),
		session.WithManagerLogger(logger),
		session.WithRecorderFactory(recordings.Factory()),
	)
	pool.StartReaper()

	server, err := mcp.NewServer(cfg, pool,
		mcp.WithDetector(detector),
		mcp.WithRecordingManager(recordings),
		mcp.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating server: %v\n", err)
		os.Exit(1)
	}

	// Set up config hot-reload when the config directory exists.
	var configWatcher *config.Watcher
	if _, statErr := os.Stat(filepath.Dir(configPath)); statErr == nil {
		var watcherErr error
		configWatcher, watcherErr = config.NewWatcher(configPath, func(newCfg *config.Config) {
			override(newCfg)
			server.UpdateConfig(newCfg)
		}, config.WithWatcherLogger(logger))
		if watcherErr != nil {
			logger.Warn("config hot-reload disabled",
				slog.String("error", watcherErr.Error()),
			)
		} else {
			logger.Info("config hot-reload enabled",
				slog.String("path", configPath),
			)
		}
	}

	shutdown := func() {
		if configWatcher != nil {
			configWatcher.Close()
		}
		if err := pool.CloseAll(); err != nil {
			logger.Warn("error closing sessions", slog.String("error", err.Error()))
		}
		recordings.CloseAll()
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		shutdown()
		os.Exit(0)
	}()

	if err := server.Run(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		shutdown()
		os.Exit(1)
	}
	shutdown()
}
