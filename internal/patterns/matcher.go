// Package patterns classifies process output as progress, error or plain
// activity using curated regular-expression sets.
package patterns

import (
	"fmt"
	"regexp"
)

// Action is what a timeout should do with a chunk of output.
type Action string

const (
	// ActionReset restarts the primary deadline with the full base budget.
	ActionReset Action = "reset"
	// ActionTerminate ends the command immediately.
	ActionTerminate Action = "terminate"
	// ActionExtend is plain activity with no pattern match.
	ActionExtend Action = "extend"
)

// Source names the list a pattern came from.
type Source string

const (
	SourceProgress Source = "progress"
	SourceError    Source = "error"
)

// Verdict is the result of classifying one chunk.
type Verdict struct {
	Action  Action
	Pattern string // pattern source text, empty for ActionExtend
	Source  Source
	Match   string // matched substring
}

// Matched reports whether a pattern fired.
func (v Verdict) Matched() bool {
	return v.Action != ActionExtend
}

type compiled struct {
	src string
	re  *regexp.Regexp
}

// Matcher holds compiled progress and error patterns. It is immutable after
// construction and safe for concurrent use.
type Matcher struct {
	progress []compiled
	errors   []compiled
}

// NewMatcher compiles both lists. The first pattern that fails to compile is
// returned as an error; use Validate to collect every problem.
func NewMatcher(progress, errors []string) (*Matcher, error) {
	m := &Matcher{}
	var err error
	if m.progress, err = compileAll(SourceProgress, progress); err != nil {
		return nil, err
	}
	if m.errors, err = compileAll(SourceError, errors); err != nil {
		return nil, err
	}
	return m, nil
}

func compileAll(src Source, list []string) ([]compiled, error) {
	out := make([]compiled, 0, len(list))
	for _, p := range list {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern %q: %w", src, p, err)
		}
		out = append(out, compiled{src: p, re: re})
	}
	return out, nil
}

// Classify checks error patterns first, then progress patterns.
func (m *Matcher) Classify(text string) Verdict {
	if m == nil {
		return Verdict{Action: ActionExtend}
	}
	if c, match, ok := firstMatch(m.errors, text); ok {
		return Verdict{Action: ActionTerminate, Pattern: c.src, Source: SourceError, Match: match}
	}
	if c, match, ok := firstMatch(m.progress, text); ok {
		return Verdict{Action: ActionReset, Pattern: c.src, Source: SourceProgress, Match: match}
	}
	return Verdict{Action: ActionExtend}
}

func firstMatch(list []compiled, text string) (compiled, string, bool) {
	for _, c := range list {
		if loc := c.re.FindStringIndex(text); loc != nil {
			return c, text[loc[0]:loc[1]], true
		}
	}
	return compiled{}, "", false
}

// MatchesErrorPattern reports whether any error pattern matches text.
func (m *Matcher) MatchesErrorPattern(text string) bool {
	if m == nil {
		return false
	}
	_, _, ok := firstMatch(m.errors, text)
	return ok
}

// MatchesProgressPattern reports whether any progress pattern matches text.
func (m *Matcher) MatchesProgressPattern(text string) bool {
	if m == nil {
		return false
	}
	_, _, ok := firstMatch(m.progress, text)
	return ok
}
