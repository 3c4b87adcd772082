package transport

import (
	"sync"

	"github.com/pkg/errors"
)

type pendingRecv struct {
	buf []byte
	req *request
}

// link matches messages from one source to receives posted for that source,
// both in arrival order
type link struct {
	mu       sync.Mutex
	src      int
	messages [][]byte
	pending  []pendingRecv
	closed   bool
}

func newLink(src int) *link {
	return &link{src: src}
}

func (l *link) deliver(msg []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if len(l.pending) == 0 {
		l.messages = append(l.messages, msg)
		l.mu.Unlock()
		return nil
	}
	p := l.pending[0]
	l.pending = l.pending[1:]
	l.mu.Unlock()
	l.fill(p, msg)
	return nil
}

func (l *link) post(buf []byte) *request {
	req := newRequest()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		req.complete(0, ErrClosed)
		return req
	}
	if len(l.messages) == 0 {
		l.pending = append(l.pending, pendingRecv{buf: buf, req: req})
		l.mu.Unlock()
		return req
	}
	msg := l.messages[0]
	l.messages = l.messages[1:]
	l.mu.Unlock()
	l.fill(pendingRecv{buf: buf, req: req}, msg)
	return req
}

func (l *link) fill(p pendingRecv, msg []byte) {
	if len(msg) > len(p.buf) {
		p.req.complete(0, errors.Wrapf(ErrTruncated, "from node %d: %d bytes into %d byte buffer",
			l.src, len(msg), len(p.buf)))
		return
	}
	p.req.complete(copy(p.buf, msg), nil)
}

func (l *link) close() {
	l.mu.Lock()
	pending := l.pending
	l.pending, l.messages, l.closed = nil, nil, true
	l.mu.Unlock()
	for _, p := range pending {
		p.req.complete(0, ErrClosed)
	}
}
