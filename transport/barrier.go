package transport

import (
	"context"
	"sync"
)

// barrier is a reusable rendezvous of size parties. A party abandoning a
// wait leaves the barrier broken for the current generation.
type barrier struct {
	mu     sync.Mutex
	size   int
	count  int
	gen    chan struct{}
	closed chan struct{}
}

func newBarrier(size int) *barrier {
	return &barrier{
		size:   size,
		gen:    make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (b *barrier) wait(ctx context.Context) error {
	b.mu.Lock()
	gen := b.gen
	b.count++
	if b.count == b.size {
		b.count = 0
		b.gen = make(chan struct{})
		close(gen)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-gen:
		return nil
	case <-b.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *barrier) close() {
	close(b.closed)
}
