// Package timeout implements the per-command resilience state machine that
// separates slow-but-working commands from hung ones.
package timeout

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/acolita/resilient-shell-mcp/internal/patterns"
)

// Config is the budget and pattern vocabulary for one command. It is treated
// as immutable once passed to New.
type Config struct {
	// BaseTimeout is the primary deadline, restored in full by progress
	// output and by recovery from grace.
	BaseTimeout time.Duration
	// ActivityExtension re-arms the primary deadline on plain output.
	ActivityExtension time.Duration
	// GraceTimeout is the recovery window after the primary deadline.
	GraceTimeout time.Duration
	// AbsoluteMaximum bounds total runtime regardless of output.
	AbsoluteMaximum time.Duration

	ProgressPatterns []string
	ErrorPatterns    []string

	// Debug logs every event at debug level.
	Debug bool
}

// Default budgets for commands that no classifier rule recognises.
const (
	DefaultBaseTimeout       = 60 * time.Second
	DefaultActivityExtension = 30 * time.Second
	DefaultGraceTimeout      = 30 * time.Second
	DefaultAbsoluteMaximum   = 30 * time.Minute
)

// DefaultConfig returns the default budgets with the generic pattern set.
func DefaultConfig() Config {
	g, _ := patterns.Lookup(patterns.SetGeneric)
	return Config{
		BaseTimeout:       DefaultBaseTimeout,
		ActivityExtension: DefaultActivityExtension,
		GraceTimeout:      DefaultGraceTimeout,
		AbsoluteMaximum:   DefaultAbsoluteMaximum,
		ProgressPatterns:  g.Progress,
		ErrorPatterns:     g.Errors,
	}
}

// WithPatterns returns a copy of c using the lists of set s.
func (c Config) WithPatterns(s patterns.Set) Config {
	c.ProgressPatterns = append([]string(nil), s.Progress...)
	c.ErrorPatterns = append([]string(nil), s.Errors...)
	return c
}

// ConfigError lists every problem found in a Config.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid timeout config: " + strings.Join(e.Problems, "; ")
}

// Validate checks all four durations and both pattern lists. It returns a
// *ConfigError naming every invalid field, or nil.
func (c Config) Validate() error {
	var problems []string
	check := func(name string, d time.Duration) {
		if d <= 0 || d%time.Millisecond != 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive integer (got %s)", name, formatMillis(d)))
		}
	}
	check("baseTimeout", c.BaseTimeout)
	check("activityExtension", c.ActivityExtension)
	check("graceTimeout", c.GraceTimeout)
	check("absoluteMaximum", c.AbsoluteMaximum)

	if err := patterns.Validate(c.ProgressPatterns, c.ErrorPatterns); err != nil {
		var multi interface{ Unwrap() []error }
		if errors.As(err, &multi) {
			for _, e := range multi.Unwrap() {
				problems = append(problems, e.Error())
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

func formatMillis(d time.Duration) string {
	if d%time.Millisecond == 0 {
		return fmt.Sprintf("%d", d.Milliseconds())
	}
	return d.String()
}

// Millis builds a Config from millisecond values, the unit callers and
// config files use.
func Millis(base, activity, grace, absolute int64) Config {
	return Config{
		BaseTimeout:       time.Duration(base) * time.Millisecond,
		ActivityExtension: time.Duration(activity) * time.Millisecond,
		GraceTimeout:      time.Duration(grace) * time.Millisecond,
		AbsoluteMaximum:   time.Duration(absolute) * time.Millisecond,
	}
}
