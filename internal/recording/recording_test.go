package recording

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/acolita/resilient-shell-mcp/internal/testing/fakes/fakeclock"
	"github.com/acolita/resilient-shell-mcp/internal/testing/fakes/fakefs"
	"github.com/acolita/resilient-shell-mcp/internal/timeout"
)

var epoch = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

// readCast splits a recording into its header and events.
func readCast(t *testing.T, fs *fakefs.FS, path string) (Header, []Event) {
	t.Helper()
	data, err := fs.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path, err)
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	if !sc.Scan() {
		t.Fatal("recording is empty")
	}
	var h Header
	if err := json.Unmarshal(sc.Bytes(), &h); err != nil {
		t.Fatalf("header: %v", err)
	}
	var events []Event
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("event %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	return h, events
}

func TestEventJSON(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		expected string
	}{
		{"output event", Event{Time: 1.5, Type: "o", Data: "hello"}, `[1.5,"o","hello"]`},
		{"input event", Event{Time: 0, Type: "i", Data: "ls\r\n"}, `[0,"i","ls\r\n"]`},
		{"marker event", Event{Time: 2, Type: "m", Data: `{"type":"termination"}`}, `[2,"m","{\"type\":\"termination\"}"]`},
		{"unicode data", Event{Time: 0.5, Type: "o", Data: "Hello, 世界"}, `[0.5,"o","Hello, 世界"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("MarshalJSON() error = %v", err)
			}
			if string(got) != tt.expected {
				t.Errorf("MarshalJSON() = %s, want %s", got, tt.expected)
			}
			var back Event
			if err := json.Unmarshal(got, &back); err != nil {
				t.Fatalf("UnmarshalJSON() error = %v", err)
			}
			if back != tt.event {
				t.Errorf("UnmarshalJSON() = %+v, want %+v", back, tt.event)
			}
		})
	}
}

func TestEventUnmarshalRejectsWrongShape(t *testing.T) {
	var ev Event
	for _, in := range []string{`[1,"o"]`, `{"time":1}`, `["x","o","d"]`} {
		if err := json.Unmarshal([]byte(in), &ev); err == nil {
			t.Errorf("Unmarshal(%s) accepted", in)
		}
	}
}

func TestNewRecorder_WritesHeader(t *testing.T) {
	fs := fakefs.New()
	clk := fakeclock.New(epoch)

	r, err := NewRecorder("/rec", "sess_01", Options{Width: 120, Height: 40, Shell: "/bin/zsh"}, fs, clk)
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	defer r.Close()

	if r.Path() != "/rec/sess_01_20260304_050607.cast" {
		t.Errorf("Path() = %q", r.Path())
	}
	h, events := readCast(t, fs, r.Path())
	if h.Version != 2 || h.Width != 120 || h.Height != 40 {
		t.Errorf("header = %+v", h)
	}
	if h.Timestamp != epoch.Unix() {
		t.Errorf("Timestamp = %d, want %d", h.Timestamp, epoch.Unix())
	}
	if h.Env["SHELL"] != "/bin/zsh" || h.Env["TERM"] != "dumb" {
		t.Errorf("Env = %v", h.Env)
	}
	if !strings.Contains(h.Title, "sess_01") {
		t.Errorf("Title = %q", h.Title)
	}
	if len(events) != 0 {
		t.Errorf("new recording has %d events", len(events))
	}
}

func TestNewRecorder_DefaultSize(t *testing.T) {
	fs := fakefs.New()
	r, err := NewRecorder("/rec", "s", Options{}, fs, fakeclock.New(epoch))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	h, _ := readCast(t, fs, r.Path())
	if h.Width != 200 || h.Height != 24 {
		t.Errorf("size = %dx%d, want 200x24", h.Width, h.Height)
	}
	if _, ok := h.Env["SHELL"]; ok {
		t.Error("SHELL set without a shell")
	}
}

func TestNewRecorder_RefusesToOverwrite(t *testing.T) {
	fs := fakefs.New()
	clk := fakeclock.New(epoch)
	if _, err := NewRecorder("/rec", "dup", Options{}, fs, clk); err != nil {
		t.Fatal(err)
	}
	if _, err := NewRecorder("/rec", "dup", Options{}, fs, clk); err == nil {
		t.Error("second recorder with the same name succeeded")
	}
}

func TestRecorder_EventsAndTimestamps(t *testing.T) {
	fs := fakefs.New()
	clk := fakeclock.New(epoch)
	r, err := NewRecorder("/rec", "s", Options{}, fs, clk)
	if err != nil {
		t.Fatal(err)
	}

	r.RecordInput("echo hi\n")
	clk.Advance(1500 * time.Millisecond)
	r.RecordOutput("hi\r\n")
	clk.Advance(500 * time.Millisecond)
	r.RecordEvent(timeout.Event{
		Time:   clk.Now(),
		Type:   timeout.EventTermination,
		Reason: timeout.ReasonCompleted,
	})
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	r.RecordOutput("after close")

	_, events := readCast(t, fs, r.Path())
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3: %+v", len(events), events)
	}
	want := []struct {
		time float64
		typ  string
	}{{0, EventInput}, {1.5, EventOutput}, {2, EventMarker}}
	for i, w := range want {
		if events[i].Time != w.time || events[i].Type != w.typ {
			t.Errorf("event %d = (%v, %s), want (%v, %s)", i, events[i].Time, events[i].Type, w.time, w.typ)
		}
	}
	if events[1].Data != "hi\r\n" {
		t.Errorf("output data = %q", events[1].Data)
	}

	var ev timeout.Event
	if err := json.Unmarshal([]byte(events[2].Data), &ev); err != nil {
		t.Fatalf("marker data is not a timeout event: %v", err)
	}
	if ev.Type != timeout.EventTermination || ev.Reason != timeout.ReasonCompleted {
		t.Errorf("marker event = %+v", ev)
	}
}

func TestRecorder_WriteFailureStopsRecording(t *testing.T) {
	fs := fakefs.New()
	r, err := NewRecorder("/rec", "s", Options{}, fs, fakeclock.New(epoch))
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Remove(r.Path()); err != nil {
		t.Fatal(err)
	}

	r.RecordOutput("lost")
	if r.Err() == nil {
		t.Fatal("Err() = nil after a failed write")
	}
	first := r.Err()
	r.RecordOutput("also lost")
	if r.Err() != first {
		t.Error("Err() changed after the recording stopped")
	}
}

func TestManager_DisabledStartsNothing(t *testing.T) {
	fs := fakefs.New()
	m := NewManager("/rec", false, WithFileSystem(fs), WithClock(fakeclock.New(epoch)))

	r, err := m.Start("s")
	if r != nil || err != nil {
		t.Fatalf("Start() = %v, %v; want nil, nil", r, err)
	}
	rec, err := m.Factory()("s")
	if rec != nil || err != nil {
		t.Errorf("Factory() = %v, %v; want a nil interface", rec, err)
	}
	if len(fs.Files()) != 0 {
		t.Errorf("files written while disabled: %v", fs.Files())
	}
}

func TestManager_Lifecycle(t *testing.T) {
	fs := fakefs.New()
	m := NewManager("/rec", true, WithFileSystem(fs), WithClock(fakeclock.New(epoch)),
		WithOptions(Options{Shell: "/bin/bash"}))

	rec, err := m.Factory()("sess_a")
	if err != nil || rec == nil {
		t.Fatalf("Factory() = %v, %v", rec, err)
	}
	rec.RecordOutput("x")
	if m.Active() != 1 || m.Path("sess_a") == "" {
		t.Fatalf("Active = %d, Path = %q", m.Active(), m.Path("sess_a"))
	}

	// The session closes its recorder; the manager forgets it.
	if err := rec.(*Recorder).Close(); err != nil {
		t.Fatal(err)
	}
	if m.Active() != 0 || m.Path("sess_a") != "" {
		t.Errorf("closed recorder still tracked: Active = %d", m.Active())
	}
	if err := m.Stop("sess_a"); err != nil {
		t.Errorf("Stop() of closed recorder = %v", err)
	}
}

func TestManager_ConfigureAndCloseAll(t *testing.T) {
	fs := fakefs.New()
	clk := fakeclock.New(epoch)
	m := NewManager("/rec", false, WithFileSystem(fs), WithClock(clk))

	m.Configure(true, "/other")
	if !m.IsEnabled() {
		t.Fatal("IsEnabled() = false after Configure(true)")
	}
	a, err := m.Start("a")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(a.Path(), "/other/") {
		t.Errorf("Path() = %q, want under /other", a.Path())
	}
	if _, err := m.Start("b"); err != nil {
		t.Fatal(err)
	}

	m.CloseAll()
	if m.Active() != 0 {
		t.Errorf("Active() = %d after CloseAll", m.Active())
	}

	m.Configure(false, "")
	if r, _ := m.Start("c"); r != nil {
		t.Error("Start() recorded after Configure(false)")
	}
}
