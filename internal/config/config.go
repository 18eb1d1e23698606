// Package config handles configuration parsing for resilient-shell-mcp.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/acolita/resilient-shell-mcp/internal/patterns"
	"github.com/acolita/resilient-shell-mcp/internal/ports"
	"github.com/acolita/resilient-shell-mcp/internal/process"
	"github.com/acolita/resilient-shell-mcp/internal/security"
	"github.com/acolita/resilient-shell-mcp/internal/timeout"
)

const appDir = "resilient-shell-mcp"

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/resilient-shell-mcp/config.yaml or ~/.config/resilient-shell-mcp/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, appDir, "config.yaml")
}

// DefaultRecordingPath returns $XDG_STATE_HOME/resilient-shell-mcp/recordings
// or ~/.local/state/resilient-shell-mcp/recordings.
func DefaultRecordingPath() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), appDir, "recordings")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, appDir, "recordings")
}

// Config represents the top-level configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Shell     ShellConfig     `yaml:"shell"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Recording RecordingConfig `yaml:"recording"`
	Security  SecurityConfig  `yaml:"security"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // "debug", "info", "warn", "error"
	Sanitize bool   `yaml:"sanitize"` // sanitize sensitive data from logs
}

// ShellConfig defines how shells are spawned.
type ShellConfig struct {
	Path     string            `yaml:"path"`     // custom shell path (overrides detection)
	Strategy string            `yaml:"strategy"` // "", "pty" or "pipe"
	Rows     uint16            `yaml:"rows"`
	Cols     uint16            `yaml:"cols"`
	CleanEnv bool              `yaml:"clean_env"`
	Env      map[string]string `yaml:"env"`
	SourceRC bool              `yaml:"source_rc"` // source .bashrc/.zshrc
}

// SessionsConfig defines pool limits.
type SessionsConfig struct {
	MaxSessions  int           `yaml:"max_sessions"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// TimeoutsConfig defines default timeout budgets and command profiles.
type TimeoutsConfig struct {
	Default  BudgetConfig    `yaml:"default"`
	Debug    bool            `yaml:"debug"`
	Profiles []ProfileConfig `yaml:"profiles"`
}

// BudgetConfig holds the four timeout durations and the pattern sets used
// when no profile matches.
type BudgetConfig struct {
	Base     time.Duration `yaml:"base"`
	Activity time.Duration `yaml:"activity"`
	Grace    time.Duration `yaml:"grace"`
	Absolute time.Duration `yaml:"absolute"`
	Patterns []string      `yaml:"patterns"` // pattern set names
}

// ProfileConfig is a user classification rule. Zero durations inherit the
// defaults.
type ProfileConfig struct {
	Name        string        `yaml:"name"`
	Executables []string      `yaml:"executables"` // doublestar globs
	Verbs       []string      `yaml:"verbs"`
	Patterns    []string      `yaml:"patterns"`
	Base        time.Duration `yaml:"base"`
	Activity    time.Duration `yaml:"activity"`
	Grace       time.Duration `yaml:"grace"`
	Absolute    time.Duration `yaml:"absolute"`
}

// RecordingConfig defines session recording settings.
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled"` // enable session recording
	Path    string `yaml:"path"`    // directory to store recordings
}

// SecurityConfig defines command filtering.
type SecurityConfig struct {
	CommandBlocklist []string `yaml:"command_blocklist"` // Regex patterns for blocked commands
	CommandAllowlist []string `yaml:"command_allowlist"` // If set, only these patterns allowed
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:    "info",
			Sanitize: true,
		},
		Shell: ShellConfig{
			Rows: 24,
			Cols: 200,
		},
		Sessions: SessionsConfig{
			MaxSessions:  10,
			IdleTimeout:  30 * time.Minute,
			ReapInterval: time.Minute,
		},
		Timeouts: TimeoutsConfig{
			Default: BudgetConfig{
				Base:     timeout.DefaultBaseTimeout,
				Activity: timeout.DefaultActivityExtension,
				Grace:    timeout.DefaultGraceTimeout,
				Absolute: timeout.DefaultAbsoluteMaximum,
				Patterns: []string{patterns.SetGeneric},
			},
		},
		Recording: RecordingConfig{
			Path: DefaultRecordingPath(),
		},
		Security: SecurityConfig{
			CommandBlocklist: security.DefaultBlocklist(),
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. An optional FileSystem can be passed for testing; if omitted,
// the real OS is used.
func Load(path string, fsys ...ports.FileSystem) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	var data []byte
	var err error
	if len(fsys) > 0 && fsys[0] != nil {
		data, err = fsys[0].ReadFile(path)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	switch c.Shell.Strategy {
	case "", process.StrategyPTY, process.StrategyPipe:
	default:
		errs = append(errs, fmt.Errorf("shell.strategy: %w %q", process.ErrUnknownStrategy, c.Shell.Strategy))
	}

	if c.Sessions.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("sessions.max_sessions must not be negative (got %d)", c.Sessions.MaxSessions))
	}
	if c.Sessions.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("sessions.idle_timeout must not be negative (got %s)", c.Sessions.IdleTimeout))
	}

	if _, err := c.Classifier(); err != nil {
		errs = append(errs, fmt.Errorf("timeouts: %w", err))
	}

	for _, list := range []struct {
		name string
		res  []string
	}{
		{"security.command_blocklist", c.Security.CommandBlocklist},
		{"security.command_allowlist", c.Security.CommandAllowlist},
	} {
		for _, re := range list.res {
			if _, err := regexp.Compile(re); err != nil {
				errs = append(errs, fmt.Errorf("%s: pattern %q: %w", list.name, re, err))
			}
		}
	}

	return errors.Join(errs...)
}

// TimeoutDefaults returns the fallback timeout.Config.
func (c *Config) TimeoutDefaults() (timeout.Config, error) {
	d := c.Timeouts.Default
	cfg := timeout.Config{
		BaseTimeout:       d.Base,
		ActivityExtension: d.Activity,
		GraceTimeout:      d.Grace,
		AbsoluteMaximum:   d.Absolute,
		Debug:             c.Timeouts.Debug,
	}
	if len(d.Patterns) > 0 {
		set, err := patterns.Merge(d.Patterns...)
		if err != nil {
			return timeout.Config{}, fmt.Errorf("default patterns: %w", err)
		}
		cfg = cfg.WithPatterns(set)
	}
	return cfg, nil
}

// Profiles converts the configured profiles.
func (c *Config) Profiles() []timeout.Profile {
	out := make([]timeout.Profile, 0, len(c.Timeouts.Profiles))
	for _, p := range c.Timeouts.Profiles {
		out = append(out, timeout.Profile{
			Name:        p.Name,
			Executables: p.Executables,
			Verbs:       p.Verbs,
			Patterns:    p.Patterns,
			Base:        p.Base,
			Activity:    p.Activity,
			Grace:       p.Grace,
			Absolute:    p.Absolute,
		})
	}
	return out
}

// Classifier builds a command classifier from the timeouts section.
func (c *Config) Classifier() (*timeout.Classifier, error) {
	defaults, err := c.TimeoutDefaults()
	if err != nil {
		return nil, err
	}
	return timeout.NewClassifier(defaults, c.Profiles())
}

// ProcessOptions returns the shell spawn options.
func (c *Config) ProcessOptions() process.Options {
	env := make(map[string]string, len(c.Shell.Env))
	for k, v := range c.Shell.Env {
		env[k] = v
	}
	return process.Options{
		Shell:    c.Shell.Path,
		Strategy: c.Shell.Strategy,
		Env:      env,
		CleanEnv: c.Shell.CleanEnv,
		SourceRC: c.Shell.SourceRC,
		Rows:     c.Shell.Rows,
		Cols:     c.Shell.Cols,
	}
}

// Save writes the configuration to a YAML file.
// An optional FileSystem can be passed for testing; if omitted, the real OS is used.
func Save(cfg *Config, path string, fsys ...ports.FileSystem) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if len(fsys) > 0 && fsys[0] != nil {
		if err := fsys[0].MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
		return fsys[0].WriteFile(path, data, 0644)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
