package session

import (
	"context"
	"sync"
	"time"

	"github.com/acolita/resilient-shell-mcp/internal/timeout"
)

// Command is one submitted command waiting for, or holding, the shell.
type Command struct {
	Text      string
	Config    timeout.Config
	Markers   Markers
	Submitted time.Time

	captureEvents bool
	ctx           context.Context
	done          chan outcome
	once          sync.Once
}

type outcome struct {
	result *Result
	err    error
}

func newCommand(ctx context.Context, text string, cfg timeout.Config, m Markers, submitted time.Time) *Command {
	return &Command{
		Text:      text,
		Config:    cfg,
		Markers:   m,
		Submitted: submitted,
		ctx:       ctx,
		done:      make(chan outcome, 1),
	}
}

// ID is the command's marker id.
func (c *Command) ID() string {
	return c.Markers.ID
}

// resolve delivers the outcome; only the first call has an effect.
func (c *Command) resolve(r *Result, err error) {
	c.once.Do(func() {
		c.done <- outcome{result: r, err: err}
	})
}

// Queue is a FIFO of commands for one session.
type Queue struct {
	mu    sync.Mutex
	items []*Command
}

// Push appends c.
func (q *Queue) Push(c *Command) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
}

// Pop removes and returns the head.
func (q *Queue) Pop() (*Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	c := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return c, true
}

// Remove drops c if it is still queued and reports whether it was.
func (q *Queue) Remove(c *Command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item == c {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of queued commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain empties the queue, failing every command with err.
func (q *Queue) Drain(err error) int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, c := range items {
		c.resolve(nil, err)
	}
	return len(items)
}
