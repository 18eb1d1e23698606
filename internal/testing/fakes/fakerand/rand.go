// Package fakerand provides a predictable Random implementation for testing.
package fakerand

import (
	"sync"

	"github.com/acolita/resilient-shell-mcp/internal/ports"
)

// Random is a fake random generator that produces predictable output.
type Random struct {
	mu       sync.Mutex
	sequence []byte
	offset   int
}

// New creates a fake random cycling through sequence.
// A nil sequence means the bytes 0..255.
func New(sequence []byte) *Random {
	if len(sequence) == 0 {
		sequence = make([]byte, 256)
		for i := range sequence {
			sequence[i] = byte(i)
		}
	}
	return &Random{sequence: sequence}
}

// NewSequential creates a fake random that returns 0, 1, 2, ..., 255, 0, 1, ...
func NewSequential() *Random {
	return New(nil)
}

// Read fills b with the next bytes of the sequence. It never fails.
func (r *Random) Read(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range b {
		b[i] = r.sequence[r.offset%len(r.sequence)]
		r.offset++
	}
	return len(b), nil
}

// Consumed reports how many bytes have been handed out.
func (r *Random) Consumed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// Ensure Random implements ports.Random.
var _ ports.Random = (*Random)(nil)
