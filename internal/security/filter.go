// Package security screens commands before they reach a shell and limits
// repeated shell spawn failures.
package security

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
)

// ErrCommandBlocked is wrapped by every BlockedError.
var ErrCommandBlocked = errors.New("command blocked")

// BlockedError explains why a command was refused.
type BlockedError struct {
	Command string
	Pattern string // empty when the allowlist did not match
}

func (e *BlockedError) Error() string {
	if e.Pattern == "" {
		return "command not in allowlist"
	}
	return fmt.Sprintf("command blocked by pattern: %s", e.Pattern)
}

func (e *BlockedError) Unwrap() error { return ErrCommandBlocked }

// CommandFilter filters commands based on blocklist/allowlist patterns.
type CommandFilter struct {
	mu        sync.RWMutex
	blocklist []*regexp.Regexp
	allowlist []*regexp.Regexp
}

// NewCommandFilter creates a new command filter with the given patterns.
func NewCommandFilter(blocklist, allowlist []string) (*CommandFilter, error) {
	cf := &CommandFilter{}
	if err := cf.SetPatterns(blocklist, allowlist); err != nil {
		return nil, err
	}
	return cf, nil
}

// SetPatterns replaces both lists. On error the previous lists stay in
// effect.
func (cf *CommandFilter) SetPatterns(blocklist, allowlist []string) error {
	block, err := compileList("blocklist", blocklist)
	if err != nil {
		return err
	}
	allow, err := compileList("allowlist", allowlist)
	if err != nil {
		return err
	}

	cf.mu.Lock()
	cf.blocklist = block
	cf.allowlist = allow
	cf.mu.Unlock()
	return nil
}

func compileList(name string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", name, pattern, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Check returns a *BlockedError when command may not run.
func (cf *CommandFilter) Check(command string) error {
	cf.mu.RLock()
	defer cf.mu.RUnlock()

	// Blocklist wins over allowlist.
	for _, re := range cf.blocklist {
		if re.MatchString(command) {
			return &BlockedError{Command: command, Pattern: re.String()}
		}
	}

	if len(cf.allowlist) > 0 {
		for _, re := range cf.allowlist {
			if re.MatchString(command) {
				return nil
			}
		}
		return &BlockedError{Command: command}
	}

	return nil
}

// IsAllowed checks if a command is allowed to execute.
// Returns (allowed, reason).
func (cf *CommandFilter) IsAllowed(command string) (bool, string) {
	if err := cf.Check(command); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// HasBlocklist returns true if any blocklist patterns are configured.
func (cf *CommandFilter) HasBlocklist() bool {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return len(cf.blocklist) > 0
}

// HasAllowlist returns true if any allowlist patterns are configured.
func (cf *CommandFilter) HasAllowlist() bool {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return len(cf.allowlist) > 0
}

// DefaultBlocklist returns a set of commonly dangerous patterns.
func DefaultBlocklist() []string {
	return []string{
		`rm\s+-rf\s+/\s*$`,          // rm -rf /
		`rm\s+-rf\s+/\*`,            // rm -rf /*
		`mkfs\.`,                    // mkfs commands
		`dd\s+.*of=/dev/[sh]d`,      // dd to raw devices
		`:\s*\(\s*\)\s*\{\s*:\s*\|`, // fork bomb
		`>\s*/dev/[sh]d`,            // redirect to raw devices
	}
}
