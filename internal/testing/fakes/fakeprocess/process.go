// Package fakeprocess provides a scriptable process.Process and
// process.Strategy for testing sessions without real shells.
package fakeprocess

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/acolita/resilient-shell-mcp/internal/process"
)

// Process is a fake shell. Output is queued with Emit and delivered in order
// by a pump goroutine, so Emit never blocks, including from inside an
// OnWrite hook.
type Process struct {
	mu        sync.Mutex
	shell     process.Shell
	strategy  string
	writes    []string
	signals   []process.Signal
	closes    int
	exited    bool
	exitErr   error
	signalErr error
	onWrite   func(p *Process, input string)
	onSignal  func(p *Process, sig process.Signal)

	pending []item
	notify  chan struct{}
	output  chan process.Chunk
	done    chan struct{}
}

type item struct {
	chunk process.Chunk
	exit  bool
}

// New returns a running fake bash shell.
func New() *Process {
	return NewWithShell(process.NewShell("/bin/bash"))
}

// NewWithShell returns a running fake shell of the given kind.
func NewWithShell(shell process.Shell) *Process {
	p := &Process{
		shell:    shell,
		strategy: "fake",
		notify:   make(chan struct{}, 1),
		output:   make(chan process.Chunk),
		done:     make(chan struct{}),
	}
	go p.pump()
	return p
}

func (p *Process) pump() {
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			p.mu.Unlock()
			<-p.notify
			continue
		}
		it := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		if it.exit {
			close(p.done)
			close(p.output)
			return
		}
		p.output <- it.chunk
	}
}

func (p *Process) enqueue(it item) {
	p.mu.Lock()
	p.pending = append(p.pending, it)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// OnWrite sets a hook called after every Write, outside the lock.
func (p *Process) OnWrite(fn func(p *Process, input string)) *Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWrite = fn
	return p
}

// OnSignal sets a hook called after every Signal, outside the lock.
func (p *Process) OnSignal(fn func(p *Process, sig process.Signal)) *Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSignal = fn
	return p
}

// SetSignalError makes Signal return err.
func (p *Process) SetSignalError(err error) *Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signalErr = err
	return p
}

// Emit queues stdout data.
func (p *Process) Emit(data string) {
	p.enqueue(item{chunk: process.Chunk{Stream: process.Stdout, Data: []byte(data)}})
}

// EmitStderr queues stderr data.
func (p *Process) EmitStderr(data string) {
	p.enqueue(item{chunk: process.Chunk{Stream: process.Stderr, Data: []byte(data)}})
}

// Exit ends the process after any queued output. Later calls are ignored.
func (p *Process) Exit(err error) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.exitErr = err
	p.mu.Unlock()
	p.enqueue(item{exit: true})
}

// --- process.Process ---

func (p *Process) Output() <-chan process.Chunk { return p.output }
func (p *Process) Done() <-chan struct{}         { return p.done }
func (p *Process) Shell() process.Shell          { return p.shell }

func (p *Process) Strategy() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strategy
}

func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitErr
	default:
		return nil
	}
}

func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return 0, errors.New("write to exited shell")
	}
	p.writes = append(p.writes, string(b))
	hook := p.onWrite
	p.mu.Unlock()

	if hook != nil {
		hook(p, string(b))
	}
	return len(b), nil
}

func (p *Process) Signal(sig process.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	hook := p.onSignal
	err := p.signalErr
	p.mu.Unlock()

	if hook != nil {
		hook(p, sig)
	}
	return err
}

func (p *Process) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	p.Exit(errors.New("signal: killed"))
	return nil
}

// --- inspection ---

// Writes returns every Write payload in order.
func (p *Process) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

// Written returns all input concatenated.
func (p *Process) Written() string {
	return strings.Join(p.Writes(), "")
}

// Signals returns every signal received in order.
func (p *Process) Signals() []process.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]process.Signal(nil), p.signals...)
}

// CloseCount returns how many times Close was called.
func (p *Process) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

var _ process.Process = (*Process)(nil)

// Strategy is a fake process.Strategy.
type Strategy struct {
	mu      sync.Mutex
	name    string
	spawn   func(opts process.Options) (*Process, error)
	calls   int
	options []process.Options
}

// NewStrategy returns a strategy that calls spawn for every Spawn.
func NewStrategy(name string, spawn func(opts process.Options) (*Process, error)) *Strategy {
	return &Strategy{name: name, spawn: spawn}
}

// Failing returns a strategy whose Spawn always fails with err.
func Failing(name string, err error) *Strategy {
	return NewStrategy(name, func(process.Options) (*Process, error) { return nil, err })
}

func (s *Strategy) Name() string { return s.name }

func (s *Strategy) Spawn(ctx context.Context, opts process.Options) (process.Process, error) {
	s.mu.Lock()
	s.calls++
	s.options = append(s.options, opts)
	s.mu.Unlock()

	p, err := s.spawn(opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Calls returns how many times Spawn ran.
func (s *Strategy) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// LastOptions returns the options of the most recent Spawn.
func (s *Strategy) LastOptions() process.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.options) == 0 {
		return process.Options{}
	}
	return s.options[len(s.options)-1]
}

var _ process.Strategy = (*Strategy)(nil)
