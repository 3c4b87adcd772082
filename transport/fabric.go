package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Fabric connects size endpoints inside one process. Each endpoint stands in
// for one node; messages are copied on send so no buffer is shared between
// nodes.
type Fabric struct {
	size    int
	links   [][]*link // [dst][src]
	barrier *barrier

	closeOnce sync.Once
}

// NewFabric creates a fabric of size endpoints
func NewFabric(size int) (*Fabric, error) {
	if size <= 0 {
		return nil, errors.Errorf("fabric size %d must be positive", size)
	}
	f := &Fabric{
		size:    size,
		links:   make([][]*link, size),
		barrier: newBarrier(size),
	}
	for dst := 0; dst < size; dst++ {
		f.links[dst] = make([]*link, size)
		for src := 0; src < size; src++ {
			f.links[dst][src] = newLink(src)
		}
	}
	return f, nil
}

// Size returns the number of endpoints
func (f *Fabric) Size() int { return f.size }

// Endpoint returns the transport of node rank
func (f *Fabric) Endpoint(rank int) (*Endpoint, error) {
	if rank < 0 || rank >= f.size {
		return nil, errors.Errorf("rank %d outside [0, %d)", rank, f.size)
	}
	return &Endpoint{fabric: f, rank: rank}, nil
}

// Close fails every pending receive and barrier
func (f *Fabric) Close() {
	f.closeOnce.Do(func() {
		for dst := range f.links {
			for _, l := range f.links[dst] {
				l.close()
			}
		}
		f.barrier.close()
	})
}

// Endpoint is one node's view of a Fabric
type Endpoint struct {
	fabric *Fabric
	rank   int
}

var _ Transport = (*Endpoint)(nil)

func (e *Endpoint) Rank() int { return e.rank }
func (e *Endpoint) Size() int { return e.fabric.size }

func (e *Endpoint) Isend(_ context.Context, peer int, buf []byte) (Request, error) {
	if err := checkPeer(e.rank, e.fabric.size, peer); err != nil {
		return nil, err
	}
	msg := make([]byte, len(buf))
	copy(msg, buf)
	req := newRequest()
	req.complete(len(msg), e.fabric.links[peer][e.rank].deliver(msg))
	return req, nil
}

func (e *Endpoint) Irecv(_ context.Context, peer int, buf []byte) (Request, error) {
	if err := checkPeer(e.rank, e.fabric.size, peer); err != nil {
		return nil, err
	}
	return e.fabric.links[e.rank][peer].post(buf), nil
}

func (e *Endpoint) Barrier(ctx context.Context) error {
	return e.fabric.barrier.wait(ctx)
}
