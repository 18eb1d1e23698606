package patterns

import (
	"regexp"
	"strings"
)

// PromptKind is the category of an interactive prompt.
type PromptKind string

const (
	PromptPassword     PromptKind = "password"
	PromptConfirmation PromptKind = "confirmation"
	PromptText         PromptKind = "text"
	PromptPager        PromptKind = "pager"
)

type promptPattern struct {
	name     string
	re       *regexp.Regexp
	kind     PromptKind
	response string
}

// PromptDetection describes an interactive prompt found at the end of output.
type PromptDetection struct {
	Name              string
	Kind              PromptKind
	Match             string
	SuggestedResponse string
}

// Checked against the tail only; order is priority.
var promptPatterns = []promptPattern{
	{name: "sudo_password", re: regexp.MustCompile(`(?i)\[sudo\]\s+password\s+for\s+\S+:\s*$`), kind: PromptPassword},
	{name: "git_password", re: regexp.MustCompile(`(?i)password for '.*':\s*$`), kind: PromptPassword},
	{name: "passphrase", re: regexp.MustCompile(`(?i)enter passphrase.*:\s*$`), kind: PromptPassword},
	{name: "password", re: regexp.MustCompile(`(?i)password:\s*$`), kind: PromptPassword},
	{name: "git_username", re: regexp.MustCompile(`(?i)username for '.*':\s*$`), kind: PromptText},
	{name: "pip_uninstall", re: regexp.MustCompile(`(?i)proceed \(Y/n\)\?\s*$`), kind: PromptConfirmation, response: "Y"},
	{name: "npx_install", re: regexp.MustCompile(`(?i)ok to proceed\? \(y\)\s*$`), kind: PromptConfirmation, response: "y"},
	{name: "yes_no_default_yes", re: regexp.MustCompile(`\[Y/n\]:?\s*$`), kind: PromptConfirmation, response: "Y"},
	{name: "yes_no_default_no", re: regexp.MustCompile(`\[y/N\]:?\s*$`), kind: PromptConfirmation, response: "y"},
	{name: "yes_no", re: regexp.MustCompile(`(?i)[\[(]y(es)?/n(o)?[\])]\??:?\s*$`), kind: PromptConfirmation, response: "y"},
	{name: "press_key", re: regexp.MustCompile(`(?i)press (any key|enter|return) to continue.*$`), kind: PromptConfirmation},
	{name: "pager_end", re: regexp.MustCompile(`\(END\)\s*$`), kind: PromptPager, response: "q"},
	{name: "pager_more", re: regexp.MustCompile(`--More--(\(\d+%\))?\s*$`), kind: PromptPager, response: "q"},
}

const promptTailLines = 5

// DetectPrompt looks for an interactive prompt in the last few lines of tail.
func DetectPrompt(tail string) *PromptDetection {
	tail = strings.ReplaceAll(tail, "\r\n", "\n")
	tail = strings.TrimRight(tail, "\n")
	if tail == "" {
		return nil
	}
	lines := strings.Split(tail, "\n")
	if len(lines) > promptTailLines {
		lines = lines[len(lines)-promptTailLines:]
	}
	recent := strings.Join(lines, "\n")

	for _, p := range promptPatterns {
		if loc := p.re.FindStringIndex(recent); loc != nil {
			return &PromptDetection{
				Name:              p.name,
				Kind:              p.kind,
				Match:             strings.TrimSpace(recent[loc[0]:loc[1]]),
				SuggestedResponse: p.response,
			}
		}
	}
	return nil
}

// Hint returns a one-line explanation for a stalled command.
func (d *PromptDetection) Hint() string {
	switch d.Kind {
	case PromptPassword:
		return "command appears to be waiting for a password; pass credentials non-interactively or via environment"
	case PromptConfirmation:
		if d.SuggestedResponse != "" {
			return "command appears to be waiting for confirmation (" + d.Match + "); rerun with a non-interactive flag such as -y, or answer " + d.SuggestedResponse
		}
		return "command appears to be waiting for confirmation (" + d.Match + ")"
	case PromptPager:
		return "output is in a pager; set PAGER=cat or pass --no-pager"
	default:
		return "command appears to be waiting for input (" + d.Match + ")"
	}
}
