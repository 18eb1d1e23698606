// Package recording writes per-session diagnostics in asciicast v2 format:
// shell output, the wrapped commands sent to the shell, and every timeout
// event as a marker.
package recording

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/acolita/resilient-shell-mcp/internal/ports"
	"github.com/acolita/resilient-shell-mcp/internal/timeout"
)

// asciicast v2 event codes.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventMarker = "m"
)

// Recorder records terminal I/O in asciicast v2 format.
// See: https://docs.asciinema.org/manual/asciicast/v2/
type Recorder struct {
	mu        sync.Mutex
	file      ports.FileHandle
	startTime time.Time
	closed    bool
	clock     ports.Clock
	logger    *slog.Logger
	err       error
	onClose   func()
}

// Header is the asciicast v2 header.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is an asciicast v2 event [time, type, data].
type Event struct {
	Time float64 `json:"-"`
	Type string  `json:"-"`
	Data string  `json:"-"`
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Time, e.Type, e.Data})
}

// UnmarshalJSON decodes the [time, type, data] array form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("asciicast event: want 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Time); err != nil {
		return fmt.Errorf("asciicast event time: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.Type); err != nil {
		return fmt.Errorf("asciicast event type: %w", err)
	}
	if err := json.Unmarshal(raw[2], &e.Data); err != nil {
		return fmt.Errorf("asciicast event data: %w", err)
	}
	return nil
}

// Options sets the header dimensions and shell.
type Options struct {
	Width  int
	Height int
	Shell  string
}

// NewRecorder creates a recording file for sessionID under basePath.
func NewRecorder(basePath, sessionID string, opts Options, fs ports.FileSystem, clock ports.Clock) (*Recorder, error) {
	if err := fs.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.cast", sessionID, clock.Now().UTC().Format("20060102_150405"))
	fullPath := filepath.Join(basePath, filename)

	file, err := fs.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	r := &Recorder{
		file:      file,
		startTime: clock.Now(),
		clock:     clock,
		logger:    slog.Default(),
	}

	if opts.Width <= 0 {
		opts.Width = 200
	}
	if opts.Height <= 0 {
		opts.Height = 24
	}
	env := map[string]string{"TERM": "dumb"}
	if opts.Shell != "" {
		env["SHELL"] = opts.Shell
	}
	header := Header{
		Version:   2,
		Width:     opts.Width,
		Height:    opts.Height,
		Timestamp: r.startTime.Unix(),
		Title:     "resilient-shell-mcp " + sessionID,
		Env:       env,
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if _, err := file.Write(append(headerJSON, '\n')); err != nil {
		file.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	return r, nil
}

// RecordOutput records shell output.
func (r *Recorder) RecordOutput(data string) {
	r.record(EventOutput, data)
}

// RecordInput records input written to the shell.
func (r *Recorder) RecordInput(data string) {
	r.record(EventInput, data)
}

// RecordEvent records a timeout event as a marker whose data is the event's
// JSON encoding.
func (r *Recorder) RecordEvent(ev timeout.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		r.fail(fmt.Errorf("marshal timeout event: %w", err))
		return
	}
	r.record(EventMarker, string(data))
}

// record writes an event. The first write error is kept and stops the
// recording; later events are dropped.
func (r *Recorder) record(eventType, data string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.err != nil {
		return
	}

	event := Event{
		Time: r.clock.Now().Sub(r.startTime).Seconds(),
		Type: eventType,
		Data: data,
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		r.failLocked(fmt.Errorf("marshal event: %w", err))
		return
	}
	if _, err := r.file.Write(append(eventJSON, '\n')); err != nil {
		r.failLocked(fmt.Errorf("write event: %w", err))
	}
}

func (r *Recorder) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failLocked(err)
}

func (r *Recorder) failLocked(err error) {
	if r.err != nil {
		return
	}
	r.err = err
	r.logger.Warn("recording stopped", "path", r.file.Name(), "error", err)
}

// Err returns the error that stopped the recording, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close closes the recording file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	err := r.file.Close()
	onClose := r.onClose
	r.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return err
}

// Path returns the path to the recording file.
func (r *Recorder) Path() string {
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}
