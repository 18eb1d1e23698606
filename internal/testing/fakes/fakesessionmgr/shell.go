package fakesessionmgr

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/acolita/resilient-shell-mcp/internal/process"
	"github.com/acolita/resilient-shell-mcp/internal/testing/fakes/fakeprocess"
)

// Reply scripts how a Shell answers one command.
type Reply struct {
	Stdout string
	Stderr string
	Code   int
	Hang   bool // no end marker until interrupted
	Exit   bool // the shell dies mid-command
}

// Responder maps command text to a Reply.
type Responder func(cmd string) Reply

// Echo answers "echo x" with x and everything else with empty success.
func Echo(cmd string) Reply {
	if rest, ok := strings.CutPrefix(cmd, "echo "); ok {
		return Reply{Stdout: rest + "\n"}
	}
	return Reply{}
}

var wrappedRe = regexp.MustCompile(`^echo "__RSH_""START_([0-9a-f]+)__" && eval '(.*)' ; echo `)

// Shell is a fake bash that understands marker-wrapped commands.
type Shell struct {
	*fakeprocess.Process

	mu       sync.Mutex
	commands []string
	hung     string
}

// NewShell returns a running Shell answering with respond.
func NewShell(respond Responder) *Shell {
	sh := &Shell{Process: fakeprocess.New()}
	sh.OnWrite(func(p *fakeprocess.Process, input string) {
		m := wrappedRe.FindStringSubmatch(input)
		if m == nil {
			return
		}
		id, cmd := m[1], strings.ReplaceAll(m[2], `'\''`, "'")
		sh.mu.Lock()
		sh.commands = append(sh.commands, cmd)
		sh.mu.Unlock()

		r := respond(cmd)
		p.Emit("__RSH_START_" + id + "__\n")
		if r.Stderr != "" {
			p.EmitStderr(r.Stderr)
		}
		if r.Stdout != "" {
			p.Emit(r.Stdout)
		}
		switch {
		case r.Exit:
			p.Exit(errors.New("exit status 1"))
		case r.Hang:
			sh.mu.Lock()
			sh.hung = id
			sh.mu.Unlock()
		default:
			p.Emit("__RSH_END_" + id + "__:" + strconv.Itoa(r.Code) + "\n")
		}
	})
	sh.OnSignal(func(p *fakeprocess.Process, sig process.Signal) {
		if sig != process.Interrupt {
			return
		}
		sh.mu.Lock()
		id := sh.hung
		sh.hung = ""
		sh.mu.Unlock()
		if id != "" {
			p.Emit("^C\n__RSH_END_" + id + "__:130\n")
		}
	})
	return sh
}

// Commands returns the unwrapped commands received so far.
func (sh *Shell) Commands() []string {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return append([]string(nil), sh.commands...)
}
