// Package transport provides the node-addressed, ordered, non-blocking
// point-to-point messaging consumed by the comms graph. Messages between one
// ordered pair of nodes are matched to receives in posting order.
package transport

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrTruncated is returned by a receive whose message is longer than its buffer
	ErrTruncated = errors.New("message longer than receive buffer")
	// ErrClosed is returned by operations on a closed transport
	ErrClosed = errors.New("transport closed")
	// ErrBarrierBroken is returned by every barrier after one was abandoned
	ErrBarrierBroken = errors.New("barrier abandoned by an earlier wait")
)

// Request is the completion handle of a non-blocking send or receive
type Request interface {
	// Wait blocks until the operation completes or ctx is done
	Wait(ctx context.Context) error
	// Len returns the number of bytes moved; zero until the operation completes
	Len() int
}

// Transport is one node's endpoint
type Transport interface {
	Rank() int
	Size() int
	// Isend posts buf for delivery to peer. buf may be reused once the
	// returned request completes.
	Isend(ctx context.Context, peer int, buf []byte) (Request, error)
	// Irecv posts buf to receive the next message from peer
	Irecv(ctx context.Context, peer int, buf []byte) (Request, error)
	// Barrier blocks until every node of the transport has entered it
	Barrier(ctx context.Context) error
}

// WaitAll blocks until every request has completed and returns the first error
func WaitAll(ctx context.Context, reqs []Request) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range reqs {
		r := r
		g.Go(func() error { return r.Wait(gctx) })
	}
	return g.Wait()
}

func checkPeer(rank, size, peer int) error {
	if peer < 0 || peer >= size {
		return errors.Errorf("node %d: peer %d outside [0, %d)", rank, peer, size)
	}
	return nil
}

type request struct {
	done chan struct{}
	n    int
	err  error
}

func newRequest() *request {
	return &request{done: make(chan struct{})}
}

func (r *request) complete(n int, err error) {
	r.n, r.err = n, err
	close(r.done)
}

func (r *request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *request) Len() int {
	select {
	case <-r.done:
		return r.n
	default:
		return 0
	}
}
