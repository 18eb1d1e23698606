package process

import (
	"errors"
	"path/filepath"
	"strings"
)

// Family groups shells that share quoting and marker syntax.
type Family string

const (
	FamilyPOSIX      Family = "posix"
	FamilyPowerShell Family = "powershell"
	FamilyCmd        Family = "cmd"
)

// Shell is a resolved shell executable.
type Shell struct {
	Path   string
	Name   string // bash, zsh, sh, pwsh, powershell, cmd, ...
	Family Family
}

// NewShell derives the name and family from path.
func NewShell(path string) Shell {
	name := strings.ToLower(filepath.Base(strings.ReplaceAll(path, `\`, "/")))
	name = strings.TrimSuffix(name, ".exe")
	family := FamilyPOSIX
	switch name {
	case "pwsh", "powershell":
		family = FamilyPowerShell
	case "cmd":
		family = FamilyCmd
	}
	return Shell{Path: path, Name: name, Family: family}
}

// ErrNoShell is returned when no supported shell is installed.
var ErrNoShell = errors.New("no supported shell found")

// SelectShell picks the platform's preferred shell. On Windows: pwsh, then
// powershell, then cmd. Elsewhere: bash, zsh, then sh. A $SHELL naming one of
// the POSIX candidates is tried first.
func SelectShell(goos string, lookPath func(string) (string, error), envShell string) (Shell, error) {
	if goos == "windows" {
		for _, name := range []string{"pwsh", "powershell", "cmd"} {
			if p, err := lookPath(name); err == nil && p != "" {
				return NewShell(p), nil
			}
		}
		return Shell{}, errors.Join(ErrNoShell, errors.New("tried pwsh, powershell, cmd"))
	}

	candidates := []string{"bash", "zsh", "sh"}
	if envShell != "" {
		s := NewShell(envShell)
		for _, c := range candidates {
			if s.Name == c {
				if p, err := lookPath(envShell); err == nil && p != "" {
					return NewShell(p), nil
				}
			}
		}
	}
	for _, name := range candidates {
		if p, err := lookPath(name); err == nil && p != "" {
			return NewShell(p), nil
		}
	}
	return Shell{}, errors.Join(ErrNoShell, errors.New("tried bash, zsh, sh"))
}

// Args returns the command-line arguments used to start the shell.
func (s Shell) Args(sourceRC bool, pty bool) []string {
	switch s.Name {
	case "bash":
		var args []string
		if !sourceRC {
			args = append(args, "--noprofile", "--norc")
		}
		if pty {
			args = append(args, "--noediting", "-i")
		}
		return args
	case "zsh":
		if !sourceRC {
			return []string{"-f"}
		}
		return nil
	case "pwsh", "powershell":
		args := []string{"-NoLogo"}
		if !sourceRC {
			args = append(args, "-NoProfile")
		}
		return append(args, "-Command", "-")
	case "cmd":
		return []string{"/Q"}
	}
	return nil
}

// InitScript is written to the shell once after start. It silences prompts
// and tty echo so only command output reaches the marker scanner, and makes
// SIGINT stop the running command without ending a POSIX shell.
func (s Shell) InitScript(pty bool) string {
	switch s.Family {
	case FamilyPOSIX:
		var b strings.Builder
		if s.Name == "zsh" {
			b.WriteString("unsetopt zle 2>/dev/null; PROMPT=''; RPROMPT=''; ")
		}
		if pty {
			b.WriteString("stty -echo 2>/dev/null; ")
		}
		b.WriteString("PS1=''; PS2=''; PROMPT_COMMAND=''; trap : INT\n")
		return b.String()
	case FamilyPowerShell:
		return "function prompt { '' }\n"
	case FamilyCmd:
		return "prompt $S\r\n"
	}
	return ""
}
