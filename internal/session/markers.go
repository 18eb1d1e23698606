package session

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/acolita/resilient-shell-mcp/internal/process"
)

const markerPrefix = "__RSH_"

// Markers delimit one command's output. The ID is a UUIDv7, so ordinary tool
// output cannot collide with it and markers from earlier commands never
// match later ones.
type Markers struct {
	ID    string
	Start string
	End   string
}

// NewMarkers draws a fresh marker pair from r.
func NewMarkers(r io.Reader) (Markers, error) {
	id, err := uuid.NewV7FromReader(r)
	if err != nil {
		return Markers{}, fmt.Errorf("generate marker id: %w", err)
	}
	hexID := strings.ReplaceAll(id.String(), "-", "")
	return Markers{
		ID:    hexID,
		Start: markerPrefix + "START_" + hexID + "__",
		End:   markerPrefix + "END_" + hexID + "__",
	}, nil
}

// Wrap returns the input line(s) that run cmd between the markers and print
// its exit status after the end marker. The marker literals are split in
// the shell source so an echoed command line never contains them.
func Wrap(family process.Family, cmd string, m Markers) string {
	startTail := strings.TrimPrefix(m.Start, markerPrefix)
	endTail := strings.TrimPrefix(m.End, markerPrefix)

	switch family {
	case process.FamilyPowerShell:
		return fmt.Sprintf(`Write-Output ("%s"+"%s"); $global:LASTEXITCODE = $null; %s; $__rshOk = $?; `+
			`Write-Output ("%s"+"%s:" + $(if ($null -ne $LASTEXITCODE) { $LASTEXITCODE } elseif ($__rshOk) { 0 } else { 1 }))`+"\n",
			markerPrefix, startTail, cmd, markerPrefix, endTail)
	case process.FamilyCmd:
		// %ERRORLEVEL% expands when a line is parsed, so the status echo
		// needs its own line.
		return "echo " + markerPrefix + "^" + startTail + "\r\n" +
			cmd + "\r\n" +
			"echo " + markerPrefix + "^" + endTail + ":%ERRORLEVEL%\r\n"
	default:
		return fmt.Sprintf(`echo "%s""%s" && eval %s ; echo "%s""%s:$?"`+"\n",
			markerPrefix, startTail, shellQuote(cmd), markerPrefix, endTail)
	}
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var (
	ansiRe    = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[()][0-9A-Za-z]`)
	crlfRe    = regexp.MustCompile(`\r+\n`)
	unknownRC = -1
)

// Normalize strips ANSI sequences and folds CR/LF line endings to LF. A lone
// CR, as used by progress bars, becomes a line break.
func Normalize(s string) string {
	s = ansiRe.ReplaceAllString(s, "")
	s = crlfRe.ReplaceAllString(s, "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// Scan looks for m's end marker and exit status in buffer. When done is true
// stdout is the text strictly between the start-marker line and the end
// marker, and exitCode is the status, or -1 if the shell printed none.
func Scan(buffer string, m Markers) (stdout string, exitCode int, done bool) {
	clean := Normalize(buffer)
	endIdx := strings.Index(clean, m.End+":")
	if endIdx < 0 {
		return "", unknownRC, false
	}
	rest := clean[endIdx+len(m.End)+1:]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return "", unknownRC, false
	}
	exitCode = unknownRC
	if code, err := strconv.Atoi(strings.TrimSpace(rest[:nl])); err == nil {
		exitCode = code
	}
	return trimOneNewline(clean[bodyStart(clean[:endIdx], m):endIdx]), exitCode, true
}

// Partial returns the output after the start-marker line, for commands that
// never reached their end marker.
func Partial(buffer string, m Markers) string {
	clean := Normalize(buffer)
	end := len(clean)
	if i := strings.Index(clean, m.End+":"); i >= 0 {
		end = i
	}
	return trimOneNewline(clean[bodyStart(clean[:end], m):end])
}

func bodyStart(before string, m Markers) int {
	i := strings.Index(before, m.Start)
	if i < 0 {
		return 0
	}
	after := i + len(m.Start)
	nl := strings.IndexByte(before[after:], '\n')
	if nl < 0 {
		return len(before)
	}
	return after + nl + 1
}

func trimOneNewline(s string) string {
	return strings.TrimSuffix(s, "\n")
}
