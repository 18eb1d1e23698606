package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acolita/resilient-shell-mcp/internal/timeout"
)

func queued(text string) *Command {
	return newCommand(context.Background(), text, timeout.DefaultConfig(), Markers{ID: text}, time.Time{})
}

func TestQueue_FIFO(t *testing.T) {
	var q Queue
	a, b, c := queued("a"), queued("b"), queued("c")
	q.Push(a)
	q.Push(b)
	q.Push(c)

	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
	for _, want := range []*Command{a, b, c} {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Fatalf("Pop = %v, want %s", got, want.Text)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop on empty queue returned a command")
	}
}

func TestQueue_Remove(t *testing.T) {
	var q Queue
	a, b := queued("a"), queued("b")
	q.Push(a)
	q.Push(b)

	if !q.Remove(a) {
		t.Fatal("Remove(a) = false")
	}
	if q.Remove(a) {
		t.Error("second Remove(a) = true")
	}
	got, _ := q.Pop()
	if got != b {
		t.Errorf("Pop after Remove = %s, want b", got.Text)
	}
}

func TestQueue_DrainResolvesEveryCommand(t *testing.T) {
	var q Queue
	a, b := queued("a"), queued("b")
	q.Push(a)
	q.Push(b)

	boom := errors.New("boom")
	if n := q.Drain(boom); n != 2 {
		t.Errorf("Drain = %d, want 2", n)
	}
	if q.Len() != 0 {
		t.Errorf("Len after Drain = %d", q.Len())
	}
	for _, c := range []*Command{a, b} {
		o := <-c.done
		if !errors.Is(o.err, boom) {
			t.Errorf("%s: err = %v, want boom", c.Text, o.err)
		}
	}
}

func TestCommand_ResolveOnce(t *testing.T) {
	c := queued("x")
	c.resolve(&Result{Stdout: "first"}, nil)
	c.resolve(nil, errors.New("second"))

	o := <-c.done
	if o.err != nil || o.result.Stdout != "first" {
		t.Errorf("outcome = %+v, want the first resolution", o)
	}
}
