package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acolita/resilient-shell-mcp/internal/logging"
	"github.com/acolita/resilient-shell-mcp/internal/process"
	"github.com/acolita/resilient-shell-mcp/internal/testing/fakes/fakeclock"
	"github.com/acolita/resilient-shell-mcp/internal/testing/fakes/fakeprocess"
	"github.com/acolita/resilient-shell-mcp/internal/testing/fakes/fakerand"
	"github.com/acolita/resilient-shell-mcp/internal/timeout"
)

var testEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// reply scripts how the fake shell answers one command.
type reply struct {
	stdout string
	stderr string
	code   int
	hang   bool // no end marker until interrupted
	exit   bool // the shell dies mid-command
	late   string // output from an earlier program, ahead of the start marker
}

var wrappedRe = regexp.MustCompile(`^echo "__RSH_""START_([0-9a-f]+)__" && eval '(.*)' ; echo `)

// fakeShell answers wrapped POSIX commands the way bash would.
type fakeShell struct {
	*fakeprocess.Process

	mu       sync.Mutex
	commands []string
	hung     string
}

func newFakeShell(respond func(cmd string) reply) *fakeShell {
	fs := &fakeShell{Process: fakeprocess.New()}
	fs.OnWrite(func(p *fakeprocess.Process, input string) {
		m := wrappedRe.FindStringSubmatch(input)
		if m == nil {
			return
		}
		id, cmd := m[1], strings.ReplaceAll(m[2], `'\''`, "'")
		fs.mu.Lock()
		fs.commands = append(fs.commands, cmd)
		fs.mu.Unlock()

		r := respond(cmd)
		if r.late != "" {
			p.Emit(r.late)
		}
		p.Emit("__RSH_START_" + id + "__\n")
		if r.stderr != "" {
			p.EmitStderr(r.stderr)
		}
		if r.stdout != "" {
			p.Emit(r.stdout)
		}
		switch {
		case r.exit:
			p.Exit(errors.New("exit status 1"))
		case r.hang:
			fs.mu.Lock()
			fs.hung = id
			fs.mu.Unlock()
		default:
			p.Emit("__RSH_END_" + id + "__:" + strconv.Itoa(r.code) + "\n")
		}
	})
	fs.OnSignal(func(p *fakeprocess.Process, sig process.Signal) {
		if sig != process.Interrupt {
			return
		}
		fs.mu.Lock()
		id := fs.hung
		fs.hung = ""
		fs.mu.Unlock()
		if id != "" {
			p.Emit("^C\n__RSH_END_" + id + "__:130\n")
		}
	})
	return fs
}

func (fs *fakeShell) Commands() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.commands...)
}

func echoShell(cmd string) reply {
	if rest, ok := strings.CutPrefix(cmd, "echo "); ok {
		return reply{stdout: rest + "\n"}
	}
	return reply{}
}

type testRecorder struct {
	mu     sync.Mutex
	input  []string
	output []string
	events []timeout.Event
	closed bool
}

func (r *testRecorder) RecordInput(data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input = append(r.input, data)
}

func (r *testRecorder) RecordOutput(data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = append(r.output, data)
}

func (r *testRecorder) RecordEvent(ev timeout.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *testRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *testRecorder) sawOutput(sub string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Contains(strings.Join(r.output, ""), sub)
}

func testLogger() *slog.Logger {
	return logging.New(io.Discard, "error", false)
}

func newTestSession(t *testing.T, shell *fakeShell, opts ...Option) (*Session, *fakeclock.Clock) {
	t.Helper()
	clk := fakeclock.New(testEpoch)
	base := []Option{
		WithClock(clk),
		WithRandom(fakerand.NewSequential()),
		WithLogger(testLogger()),
		WithSettleTimeout(time.Second),
	}
	sess := New(shell, append(base, opts...)...)
	if err := sess.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = sess.Cleanup() })
	return sess, clk
}

type execResult struct {
	res *Result
	err error
}

func execAsync(ctx context.Context, s *Session, text string, cfg timeout.Config, opts ...ExecOption) <-chan execResult {
	ch := make(chan execResult, 1)
	go func() {
		res, err := s.Execute(ctx, text, cfg, opts...)
		ch <- execResult{res, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan execResult) execResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("command did not resolve")
		return execResult{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitArmed blocks until the in-flight command's timeout has started.
func waitArmed(t *testing.T, s *Session) {
	t.Helper()
	waitFor(t, "timeout to start", func() bool { return !s.Stats().Deadline.IsZero() })
}

func testConfig() timeout.Config {
	return timeout.Millis(1000, 500, 500, 10_000)
}

func TestSession_Execute(t *testing.T) {
	shell := newFakeShell(echoShell)
	sess, _ := newTestSession(t, shell)

	res, err := sess.Execute(context.Background(), "echo hello", testConfig())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "hello" {
		t.Errorf("Stdout = %q, want hello", res.Stdout)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", res.ExitCode)
	}
	if res.TimedOut {
		t.Error("TimedOut = true")
	}
	if res.TerminationReason != timeout.ReasonCompleted {
		t.Errorf("TerminationReason = %q, want completed", res.TerminationReason)
	}
	if res.CommandID == "" {
		t.Error("CommandID is empty")
	}
	if got := shell.Commands(); len(got) != 1 || got[0] != "echo hello" {
		t.Errorf("shell saw %q", got)
	}
}

func TestSession_ExitCodeAndStderr(t *testing.T) {
	shell := newFakeShell(func(string) reply {
		return reply{stdout: "partial\n", stderr: "boom\n", code: 2}
	})
	sess, _ := newTestSession(t, shell)

	res, err := sess.Execute(context.Background(), "false", testConfig())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode == nil || *res.ExitCode != 2 {
		t.Errorf("ExitCode = %v, want 2", res.ExitCode)
	}
	if res.Stdout != "partial" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if res.Stderr != "boom\n" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
}

func TestSession_CommandsRunInSubmissionOrder(t *testing.T) {
	shell := newFakeShell(echoShell)
	sess, _ := newTestSession(t, shell)

	var results []<-chan execResult
	for _, word := range []string{"one", "two", "three", "four"} {
		results = append(results, execAsync(context.Background(), sess, "echo "+word, testConfig()))
		// Keep submission order deterministic.
		waitFor(t, "command queued", func() bool { return sess.Stats().CommandsRun+sess.queue.Len() >= len(results) })
	}

	for i, want := range []string{"one", "two", "three", "four"} {
		r := await(t, results[i])
		if r.err != nil {
			t.Fatalf("command %d: %v", i, r.err)
		}
		if r.res.Stdout != want {
			t.Errorf("command %d stdout = %q, want %q", i, r.res.Stdout, want)
		}
	}
	if got := shell.Commands(); strings.Join(got, ",") != "echo one,echo two,echo three,echo four" {
		t.Errorf("execution order = %q", got)
	}
	if n := sess.Stats().CommandsRun; n != 4 {
		t.Errorf("CommandsRun = %d, want 4", n)
	}
}

func TestSession_InvalidConfigRejectedBeforeDispatch(t *testing.T) {
	shell := newFakeShell(echoShell)
	sess, _ := newTestSession(t, shell)

	_, err := sess.Execute(context.Background(), "echo x", timeout.Millis(-1000, 500, 500, 10_000))
	var cfgErr *timeout.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *timeout.ConfigError", err)
	}
	if len(shell.Writes()) != 0 {
		t.Errorf("shell received input for an invalid config: %q", shell.Writes())
	}
}

func TestSession_GraceExpiryInterruptsAndRecovers(t *testing.T) {
	shell := newFakeShell(func(cmd string) reply {
		if cmd == "sleep 100" {
			return reply{hang: true}
		}
		return echoShell(cmd)
	})
	sess, clk := newTestSession(t, shell)

	ch := execAsync(context.Background(), sess, "sleep 100", testConfig())
	waitArmed(t, sess)
	clk.Advance(1000 * time.Millisecond) // primary -> GRACE
	clk.Advance(500 * time.Millisecond)  // grace -> EXPIRED

	r := await(t, ch)
	if r.err != nil {
		t.Fatalf("timed-out command returned error %v", r.err)
	}
	if !r.res.TimedOut {
		t.Error("TimedOut = false")
	}
	if r.res.TerminationReason != timeout.ReasonGraceExpired {
		t.Errorf("TerminationReason = %q, want grace_period_expired", r.res.TerminationReason)
	}
	if r.res.ExitCode != nil {
		t.Errorf("ExitCode = %d, want nil for a timed-out command", *r.res.ExitCode)
	}
	if r.res.Hint == "" {
		t.Error("Hint is empty")
	}
	if sigs := shell.Signals(); len(sigs) == 0 || sigs[0] != process.Interrupt {
		t.Errorf("signals = %v, want interrupt", sigs)
	}

	// The interrupted command's late end marker must not leak.
	res, err := sess.Execute(context.Background(), "echo after", testConfig())
	if err != nil {
		t.Fatalf("Execute after timeout: %v", err)
	}
	if res.Stdout != "after" {
		t.Errorf("Stdout = %q, want after", res.Stdout)
	}
	if !sess.Alive() {
		t.Error("session died after a timeout")
	}
}

func TestSession_IgnoredInterruptEscalatesAndBreaks(t *testing.T) {
	shell := newFakeShell(func(cmd string) reply {
		if cmd == "stubborn" {
			return reply{hang: true}
		}
		return echoShell(cmd)
	})
	shell.OnSignal(func(*fakeprocess.Process, process.Signal) {})
	sess, clk := newTestSession(t, shell)

	ch := execAsync(context.Background(), sess, "stubborn", testConfig())
	waitArmed(t, sess)
	clk.Advance(1000 * time.Millisecond)
	clk.Advance(500 * time.Millisecond)
	if r := await(t, ch); r.err != nil || !r.res.TimedOut {
		t.Fatalf("stubborn = %+v, %v", r.res, r.err)
	}

	waitFor(t, "first settle window", func() bool { return clk.Pending() == 1 })
	clk.Advance(time.Second)
	waitFor(t, "terminate", func() bool { return len(shell.Signals()) == 2 && clk.Pending() == 1 })
	clk.Advance(time.Second)
	waitFor(t, "session to break", func() bool { return !sess.Alive() })

	want := []process.Signal{process.Interrupt, process.Terminate, process.ForceKill}
	got := shell.Signals()
	if len(got) != len(want) {
		t.Fatalf("signals = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("signals[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if _, err := sess.Execute(context.Background(), "echo next", testConfig()); !errors.Is(err, ErrSessionBroken) {
		t.Errorf("Execute on broken session = %v, want ErrSessionBroken", err)
	}
	if cmds := shell.Commands(); len(cmds) != 1 {
		t.Errorf("commands written = %q, want only the stubborn one", cmds)
	}
	if err := sess.SendSignal(process.Interrupt); !errors.Is(err, ErrSessionBroken) {
		t.Errorf("SendSignal = %v, want ErrSessionBroken", err)
	}
}

func TestSession_OutputBeforeStartMarkerIgnoredByTimeout(t *testing.T) {
	shell := newFakeShell(func(cmd string) reply {
		r := echoShell(cmd)
		r.late = "ERROR: No matching distribution found for ghost\n"
		return r
	})
	sess, _ := newTestSession(t, shell)

	cfg := testConfig()
	cfg.ErrorPatterns = []string{`No matching distribution found`}
	res, err := sess.Execute(context.Background(), "echo next", cfg, WithEventCapture())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.TimedOut || res.Stdout != "next" {
		t.Errorf("result = %+v, want next with no timeout", res)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("ExitCode = %v", res.ExitCode)
	}
	for _, ev := range res.Events {
		if ev.Type == timeout.EventPatternMatch {
			t.Errorf("earlier output reached the timeout: %+v", ev)
		}
	}
}

func TestAfterStart(t *testing.T) {
	m := Markers{ID: "x", Start: "__RSH_START_x__", End: "__RSH_END_x__"}
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"stale output\n", "", false},
		{"stale\n__RSH_START_x__\nfirst line\n", "first line\n", true},
		{"__RSH_START_x__", "", true},
		{"__RSH_START_x__\r\n\x1b[32mok\x1b[0m\r\n", "ok\n", true},
	}
	for _, tt := range tests {
		got, ok := afterStart(tt.raw, m)
		if got != tt.want || ok != tt.ok {
			t.Errorf("afterStart(%q) = %q, %v; want %q, %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSession_ErrorPatternTerminatesEarly(t *testing.T) {
	shell := newFakeShell(func(string) reply {
		return reply{stdout: "ERROR: No matching distribution found for nope\n", hang: true}
	})
	sess, _ := newTestSession(t, shell)

	cfg := testConfig()
	cfg.ErrorPatterns = []string{`No matching distribution`}
	r := await(t, execAsync(context.Background(), sess, "pip install nope", cfg))
	if r.err != nil {
		t.Fatalf("Execute: %v", r.err)
	}
	if !r.res.TimedOut || r.res.TerminationReason != timeout.ReasonErrorDetected {
		t.Fatalf("result = %+v, want error_detected", r.res)
	}
	if !strings.Contains(r.res.Stdout, "No matching distribution") {
		t.Errorf("partial stdout = %q", r.res.Stdout)
	}
	if !strings.Contains(r.res.Hint, "No matching distribution") {
		t.Errorf("Hint = %q, want the matched pattern", r.res.Hint)
	}
}

func TestSession_PromptHint(t *testing.T) {
	shell := newFakeShell(func(string) reply {
		return reply{stdout: "Found existing installation: foo 1.0\nProceed (Y/n)? ", hang: true}
	})
	rec := &testRecorder{}
	sess, clk := newTestSession(t, shell, WithRecorder(rec))

	ch := execAsync(context.Background(), sess, "pip uninstall foo", testConfig())
	waitArmed(t, sess)
	waitFor(t, "prompt output", func() bool { return !sess.Stats().LastOutput.IsZero() })
	clk.Advance(1500 * time.Millisecond)

	r := await(t, ch)
	if r.res == nil || r.res.TerminationReason != timeout.ReasonGraceExpired {
		t.Fatalf("result = %+v, err = %v", r.res, r.err)
	}
	if !strings.Contains(r.res.Hint, "confirmation") {
		t.Errorf("Hint = %q, want a confirmation hint", r.res.Hint)
	}
}

func TestSession_EventCapture(t *testing.T) {
	shell := newFakeShell(echoShell)
	sess, _ := newTestSession(t, shell)

	res, err := sess.Execute(context.Background(), "echo x", testConfig(), WithEventCapture())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Events) == 0 {
		t.Fatal("no events captured")
	}
	if first := res.Events[0]; first.Type != timeout.EventTimerSet {
		t.Errorf("first event = %s, want timer_set", first.Type)
	}
	last := res.Events[len(res.Events)-1]
	if last.Type != timeout.EventTermination || last.Reason != timeout.ReasonCompleted {
		t.Errorf("last event = %+v, want completed termination", last)
	}

	plain, err := sess.Execute(context.Background(), "echo y", testConfig())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(plain.Events) != 0 {
		t.Errorf("events returned without capture: %d", len(plain.Events))
	}
}

func TestSession_RecorderSeesTraffic(t *testing.T) {
	shell := newFakeShell(echoShell)
	rec := &testRecorder{}
	sess, _ := newTestSession(t, shell, WithRecorder(rec))

	if _, err := sess.Execute(context.Background(), "echo rec", testConfig()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !rec.sawOutput("rec\n") {
		t.Errorf("recorder output = %q", rec.output)
	}
	rec.mu.Lock()
	inputs, events := len(rec.input), len(rec.events)
	rec.mu.Unlock()
	if inputs != 1 {
		t.Errorf("recorded inputs = %d, want 1", inputs)
	}
	if events == 0 {
		t.Error("no timeout events recorded")
	}

	if err := sess.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.closed {
		t.Error("recorder not closed by Cleanup")
	}
}

func TestSession_DeathFailsInFlightAndQueued(t *testing.T) {
	shell := newFakeShell(func(cmd string) reply {
		if cmd == "exit" {
			return reply{exit: true}
		}
		return reply{hang: true}
	})
	sess, _ := newTestSession(t, shell)

	first := execAsync(context.Background(), sess, "sleep 5", testConfig())
	waitArmed(t, sess)
	queued := execAsync(context.Background(), sess, "echo never", testConfig())
	waitFor(t, "second command queued", func() bool { return sess.queue.Len() == 1 })

	shell.Exit(errors.New("signal: killed"))

	for _, ch := range []<-chan execResult{first, queued} {
		r := await(t, ch)
		if !errors.Is(r.err, ErrSessionDied) {
			t.Errorf("err = %v, want ErrSessionDied", r.err)
		}
	}
	waitFor(t, "session marked dead", func() bool { return !sess.Alive() })

	if _, err := sess.Execute(context.Background(), "echo x", testConfig()); !errors.Is(err, ErrSessionDied) {
		t.Errorf("Execute on dead session = %v, want ErrSessionDied", err)
	}
	if err := sess.SendSignal(process.Interrupt); !errors.Is(err, ErrSessionDied) {
		t.Errorf("SendSignal on dead session = %v", err)
	}
}

func TestSession_ExitDuringCommand(t *testing.T) {
	shell := newFakeShell(func(string) reply { return reply{stdout: "bye\n", exit: true} })
	sess, _ := newTestSession(t, shell)

	_, err := sess.Execute(context.Background(), "exit", testConfig())
	if !errors.Is(err, ErrSessionDied) {
		t.Fatalf("err = %v, want ErrSessionDied", err)
	}
	if !strings.Contains(err.Error(), "exit status 1") {
		t.Errorf("err = %v, want the exit status", err)
	}
}

func TestSession_CleanupRejectsPending(t *testing.T) {
	shell := newFakeShell(func(string) reply { return reply{hang: true} })
	sess, _ := newTestSession(t, shell)

	inFlight := execAsync(context.Background(), sess, "sleep 5", testConfig())
	waitArmed(t, sess)
	queued := execAsync(context.Background(), sess, "sleep 6", testConfig())
	waitFor(t, "second command queued", func() bool { return sess.queue.Len() == 1 })

	if err := sess.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	for _, ch := range []<-chan execResult{inFlight, queued} {
		if r := await(t, ch); !errors.Is(r.err, ErrSessionClosed) {
			t.Errorf("err = %v, want ErrSessionClosed", r.err)
		}
	}
	if err := sess.Cleanup(); err != nil {
		t.Errorf("second Cleanup = %v", err)
	}
	if n := shell.CloseCount(); n != 1 {
		t.Errorf("Close called %d times, want 1", n)
	}
	if _, err := sess.Execute(context.Background(), "echo x", testConfig()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Execute after Cleanup = %v, want ErrSessionClosed", err)
	}
}

func TestSession_CleanupBeforeInitialize(t *testing.T) {
	shell := newFakeShell(echoShell)
	sess := New(shell, WithLogger(testLogger()), WithRandom(fakerand.NewSequential()))
	if err := sess.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := sess.Initialize(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Initialize after Cleanup = %v", err)
	}
}

func TestSession_CancelInFlight(t *testing.T) {
	shell := newFakeShell(func(cmd string) reply {
		if cmd == "sleep 100" {
			return reply{hang: true}
		}
		return echoShell(cmd)
	})
	sess, _ := newTestSession(t, shell)

	ctx, cancel := context.WithCancel(context.Background())
	ch := execAsync(ctx, sess, "sleep 100", testConfig())
	waitArmed(t, sess)
	cancel()

	r := await(t, ch)
	if !errors.Is(r.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", r.err)
	}
	if sigs := shell.Signals(); len(sigs) == 0 || sigs[0] != process.Interrupt {
		t.Errorf("signals = %v, want interrupt", sigs)
	}

	res, err := sess.Execute(context.Background(), "echo next", testConfig())
	if err != nil || res.Stdout != "next" {
		t.Errorf("next command = %+v, %v", res, err)
	}
	if st := sess.Stats().Timeout; st.Terminations[timeout.ReasonCancelled] != 1 {
		t.Errorf("cancelled terminations = %d, want 1", st.Terminations[timeout.ReasonCancelled])
	}
}

func TestSession_CancelQueuedNeverRuns(t *testing.T) {
	shell := newFakeShell(func(cmd string) reply {
		if cmd == "sleep 100" {
			return reply{hang: true}
		}
		return echoShell(cmd)
	})
	sess, _ := newTestSession(t, shell)

	blocker := execAsync(context.Background(), sess, "sleep 100", testConfig())
	waitArmed(t, sess)

	ctx, cancel := context.WithCancel(context.Background())
	queued := execAsync(ctx, sess, "echo skipped", testConfig())
	waitFor(t, "command queued", func() bool { return sess.queue.Len() == 1 })
	cancel()

	if r := await(t, queued); !errors.Is(r.err, context.Canceled) {
		t.Fatalf("queued err = %v", r.err)
	}
	if sess.queue.Len() != 0 {
		t.Errorf("queue length = %d after cancel", sess.queue.Len())
	}

	_ = sess.SendSignal(process.Interrupt)
	_ = await(t, blocker)
	for _, c := range shell.Commands() {
		if c == "echo skipped" {
			t.Error("cancelled command reached the shell")
		}
	}
}

func TestSession_StatsShareRecorder(t *testing.T) {
	shared := timeout.NewStatsRecorder()
	a, _ := newTestSession(t, newFakeShell(echoShell), WithStatsRecorder(shared), WithID("sess_a"))
	b, _ := newTestSession(t, newFakeShell(echoShell), WithStatsRecorder(shared), WithID("sess_b"))

	for _, s := range []*Session{a, b} {
		if _, err := s.Execute(context.Background(), "echo x", testConfig()); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	st := shared.Snapshot()
	if st.TotalCreated != 2 || st.Completions != 2 {
		t.Errorf("shared stats = %+v, want 2 created and 2 completions", st)
	}
	if a.ID() != "sess_a" {
		t.Errorf("ID = %q", a.ID())
	}
}

func TestSession_IdleStatsOmitDeadline(t *testing.T) {
	sess, _ := newTestSession(t, newFakeShell(echoShell))
	data, err := json.Marshal(sess.Stats())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"deadline"`, `"last_output"`} {
		if strings.Contains(string(data), key) {
			t.Errorf("idle stats carry %s: %s", key, data)
		}
	}
}

func TestTimeoutHint(t *testing.T) {
	tests := []struct {
		name    string
		reason  timeout.Reason
		output  string
		pattern string
		want    string
	}{
		{"error pattern", timeout.ReasonErrorDetected, "ERROR: x", "ERROR:", `"ERROR:"`},
		{"password prompt", timeout.ReasonGraceExpired, "[sudo] password for dev: ", "", "password"},
		{"silent", timeout.ReasonGraceExpired, "", "", "no output"},
		{"absolute", timeout.ReasonAbsoluteMaximum, "compiling...\n", "", "absolute maximum"},
		{"stalled", timeout.ReasonGraceExpired, "compiling...\n", "", "stalled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := timeoutHint(tt.reason, tt.output, tt.pattern); !strings.Contains(got, tt.want) {
				t.Errorf("hint = %q, want it to mention %q", got, tt.want)
			}
		})
	}
}

func TestGenerateSessionID(t *testing.T) {
	rnd := fakerand.NewSequential()
	if id := generateSessionID(rnd); id != "sess_0001020304050607" {
		t.Errorf("first ID = %q", id)
	}
	if id := generateSessionID(rnd); id != "sess_08090a0b0c0d0e0f" {
		t.Errorf("second ID = %q", id)
	}
}
