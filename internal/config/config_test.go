package config

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acolita/resilient-shell-mcp/internal/logging"
	"github.com/acolita/resilient-shell-mcp/internal/process"
	"github.com/acolita/resilient-shell-mcp/internal/testing/fakes/fakefs"
	"github.com/acolita/resilient-shell-mcp/internal/timeout"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if !cfg.Logging.Sanitize {
		t.Error("Logging.Sanitize = false, want true")
	}
	if cfg.Sessions.MaxSessions != 10 {
		t.Errorf("MaxSessions = %d, want 10", cfg.Sessions.MaxSessions)
	}
	if cfg.Sessions.IdleTimeout != 30*time.Minute {
		t.Errorf("IdleTimeout = %v, want 30m", cfg.Sessions.IdleTimeout)
	}
	if cfg.Timeouts.Default.Base != 60*time.Second || cfg.Timeouts.Default.Absolute != 30*time.Minute {
		t.Errorf("default budget = %+v", cfg.Timeouts.Default)
	}
	if cfg.Shell.Rows != 24 || cfg.Shell.Cols != 200 {
		t.Errorf("pty size = %dx%d", cfg.Shell.Rows, cfg.Shell.Cols)
	}
	if cfg.Recording.Enabled {
		t.Error("Recording.Enabled = true, want false")
	}
	if len(cfg.Security.CommandBlocklist) == 0 || len(cfg.Security.CommandAllowlist) != 0 {
		t.Errorf("Security = %+v, want the default blocklist only", cfg.Security)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultConfigPath(); got != filepath.Join("/xdg", "resilient-shell-mcp", "config.yaml") {
		t.Errorf("DefaultConfigPath = %q", got)
	}
	t.Setenv("XDG_STATE_HOME", "/state")
	if got := DefaultRecordingPath(); got != filepath.Join("/state", "resilient-shell-mcp", "recordings") {
		t.Errorf("DefaultRecordingPath = %q", got)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want default", cfg.Logging.Level)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load(nonexistent) error: %v", err)
	}
	if cfg.Sessions.MaxSessions != 10 {
		t.Errorf("MaxSessions = %d, want default", cfg.Sessions.MaxSessions)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "bad.yaml")
	if err := os.WriteFile(path, []byte(":::invalid:::yaml{{{"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load(invalid YAML) expected error, got nil")
	}
}

const fullConfig = `
logging:
  level: debug
  sanitize: false
shell:
  path: /bin/zsh
  strategy: pipe
  rows: 40
  cols: 120
  clean_env: true
  source_rc: true
  env:
    PIP_NO_INPUT: "1"
sessions:
  max_sessions: 3
  idle_timeout: 1h
timeouts:
  debug: true
  default:
    base: 45s
    activity: 15s
    grace: 20s
    absolute: 10m
    patterns: [pip, npm]
  profiles:
    - name: cargo
      executables: ["cargo"]
      verbs: ["build", "test"]
      base: 5m
      absolute: 1h
recording:
  enabled: true
  path: /var/log/recordings
security:
  command_blocklist:
    - "rm -rf /"
  command_allowlist:
    - "^pip "
`

func TestLoadValidConfig(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(path, []byte(fullConfig), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	// Logging
	if cfg.Logging.Level != "debug" || cfg.Logging.Sanitize {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	// Shell
	if cfg.Shell.Path != "/bin/zsh" || cfg.Shell.Strategy != "pipe" {
		t.Errorf("Shell = %+v", cfg.Shell)
	}
	if cfg.Shell.Rows != 40 || cfg.Shell.Cols != 120 {
		t.Errorf("pty size = %dx%d", cfg.Shell.Rows, cfg.Shell.Cols)
	}
	if !cfg.Shell.CleanEnv || !cfg.Shell.SourceRC {
		t.Errorf("Shell flags = %+v", cfg.Shell)
	}
	if cfg.Shell.Env["PIP_NO_INPUT"] != "1" {
		t.Errorf("Shell.Env = %v", cfg.Shell.Env)
	}

	// Sessions
	if cfg.Sessions.MaxSessions != 3 || cfg.Sessions.IdleTimeout != time.Hour {
		t.Errorf("Sessions = %+v", cfg.Sessions)
	}
	if cfg.Sessions.ReapInterval != time.Minute {
		t.Errorf("ReapInterval = %v, want default kept", cfg.Sessions.ReapInterval)
	}

	// Timeouts
	d := cfg.Timeouts.Default
	if d.Base != 45*time.Second || d.Activity != 15*time.Second || d.Grace != 20*time.Second || d.Absolute != 10*time.Minute {
		t.Errorf("Timeouts.Default = %+v", d)
	}
	if len(cfg.Timeouts.Profiles) != 1 || cfg.Timeouts.Profiles[0].Name != "cargo" {
		t.Fatalf("Profiles = %+v", cfg.Timeouts.Profiles)
	}

	// Recording
	if !cfg.Recording.Enabled || cfg.Recording.Path != "/var/log/recordings" {
		t.Errorf("Recording = %+v", cfg.Recording)
	}

	// Security
	if len(cfg.Security.CommandBlocklist) != 1 || len(cfg.Security.CommandAllowlist) != 1 {
		t.Errorf("Security = %+v", cfg.Security)
	}
}

func TestLoadWithFileSystem(t *testing.T) {
	fs := fakefs.New()
	fs.AddFile("/cfg/config.yaml", []byte("sessions:\n  max_sessions: 7\n"), 0644)

	cfg, err := Load("/cfg/config.yaml", fs)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Sessions.MaxSessions != 7 {
		t.Errorf("MaxSessions = %d, want 7", cfg.Sessions.MaxSessions)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("unset sections must keep defaults, Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	cfg.Shell.Strategy = "ssh"
	cfg.Sessions.MaxSessions = -1
	cfg.Timeouts.Default.Grace = -time.Second
	cfg.Security.CommandBlocklist = []string{"(unclosed"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want errors")
	}
	msg := err.Error()
	for _, want := range []string{"logging.level", "shell.strategy", "sessions.max_sessions", "timeouts", "security.command_blocklist"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %s", msg, want)
		}
	}
	if !errors.Is(err, process.ErrUnknownStrategy) {
		t.Error("strategy error does not wrap ErrUnknownStrategy")
	}
}

func TestValidateRejectsBadProfile(t *testing.T) {
	tests := []struct {
		name    string
		profile ProfileConfig
	}{
		{"no executables", ProfileConfig{Name: "empty"}},
		{"bad glob", ProfileConfig{Name: "glob", Executables: []string{"[cargo"}}},
		{"unknown pattern set", ProfileConfig{Name: "set", Executables: []string{"cargo"}, Patterns: []string{"rust"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Timeouts.Profiles = []ProfileConfig{tt.profile}
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want profile error")
			}
		})
	}
}

func TestClassifierFromConfig(t *testing.T) {
	fs := fakefs.New()
	fs.AddFile("/c.yaml", []byte(fullConfig), 0644)
	cfg, err := Load("/c.yaml", fs)
	if err != nil {
		t.Fatal(err)
	}

	c, err := cfg.Classifier()
	if err != nil {
		t.Fatalf("Classifier() error: %v", err)
	}

	got := c.Classify("cargo build --release")
	if got.Profile != "cargo" {
		t.Errorf("profile = %q, want cargo", got.Profile)
	}
	if got.Config.BaseTimeout != 5*time.Minute || got.Config.ActivityExtension != 15*time.Second {
		t.Errorf("cargo budget = %+v, want base override and inherited activity", got.Config)
	}

	fallback := c.Classify("make all")
	if fallback.Profile != timeout.ProfileGeneric || fallback.Config.BaseTimeout != 45*time.Second {
		t.Errorf("fallback = %+v", fallback)
	}
	if !fallback.Config.Debug {
		t.Error("timeouts.debug not carried into configs")
	}
	if len(fallback.Config.ErrorPatterns) == 0 {
		t.Error("default pattern sets not applied")
	}
}

func TestProcessOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Shell.Path = "/bin/bash"
	cfg.Shell.Strategy = "pty"
	cfg.Shell.Env = map[string]string{"A": "1"}

	opts := cfg.ProcessOptions()
	if opts.Shell != "/bin/bash" || opts.Strategy != "pty" || opts.Rows != 24 || opts.Cols != 200 {
		t.Errorf("ProcessOptions = %+v", opts)
	}
	opts.Env["A"] = "2"
	if cfg.Shell.Env["A"] != "1" {
		t.Error("ProcessOptions shares the env map with the config")
	}
}

func TestSaveAndReload(t *testing.T) {
	fs := fakefs.New()
	cfg := DefaultConfig()
	cfg.Sessions.MaxSessions = 4
	cfg.Timeouts.Default.Grace = 45 * time.Second
	cfg.Security.CommandBlocklist = []string{"^shutdown"}

	if err := Save(cfg, "/home/u/.config/resilient-shell-mcp/config.yaml", fs); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	loaded, err := Load("/home/u/.config/resilient-shell-mcp/config.yaml", fs)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.Sessions.MaxSessions != 4 || loaded.Timeouts.Default.Grace != 45*time.Second {
		t.Errorf("round trip lost values: %+v", loaded)
	}
	if len(loaded.Security.CommandBlocklist) != 1 {
		t.Errorf("CommandBlocklist = %v", loaded.Security.CommandBlocklist)
	}
}

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func quietLogger() WatcherOption {
	return WithWatcherLogger(logging.New(io.Discard, "error", false))
}

func TestWatcherReloadsOnChange(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	writeConfigFile(t, path, "sessions:\n  max_sessions: 2\n")

	var mu sync.Mutex
	var changed *Config

	w, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		changed = cfg
		mu.Unlock()
	}, quietLogger(), WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Close()

	if w.Config().Sessions.MaxSessions != 2 {
		t.Fatalf("initial MaxSessions = %d", w.Config().Sessions.MaxSessions)
	}

	writeConfigFile(t, path, "sessions:\n  max_sessions: 5\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && w.Config().Sessions.MaxSessions != 5 {
		time.Sleep(20 * time.Millisecond)
	}
	if got := w.Config().Sessions.MaxSessions; got != 5 {
		t.Fatalf("Config().MaxSessions = %d after reload, want 5", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if changed == nil || changed.Sessions.MaxSessions != 5 {
		t.Errorf("onChange received %+v", changed)
	}
}

func TestWatcherKeepsConfigOnInvalidReload(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	writeConfigFile(t, path, "sessions:\n  max_sessions: 2\n")

	calls := 0
	var mu sync.Mutex
	w, err := NewWatcher(path, func(*Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, quietLogger())
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Close()

	for _, content := range []string{":::invalid{{{", "shell:\n  strategy: telnet\n"} {
		writeConfigFile(t, path, content)
		w.Reload()
		if got := w.Config().Sessions.MaxSessions; got != 2 {
			t.Errorf("MaxSessions = %d after bad reload, want 2", got)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("onChange called %d times for invalid configs", calls)
	}
}

func TestWatcherRejectsInvalidInitialConfig(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	writeConfigFile(t, path, "logging:\n  level: loud\n")

	if _, err := NewWatcher(path, nil, quietLogger()); err == nil {
		t.Fatal("NewWatcher() accepted an invalid config")
	}
}

func TestWatcherClose(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	writeConfigFile(t, path, "logging:\n  level: info\n")

	w, err := NewWatcher(path, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	w.Reload() // no-op after Close
}
