package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	frameData byte = iota
	frameArrive
	frameRelease
)

const (
	wsPath        = "/tscollect/v1/peer"
	outQueueDepth = 64
)

// WSConfig describes one node of a websocket deployment
type WSConfig struct {
	Rank  int
	Peers []string // host:port of every node, indexed by rank

	// Listener, when set, is used instead of listening on Peers[Rank]
	Listener net.Listener
}

type outMsg struct {
	frame []byte
	req   *request
}

// WSNode is a Transport carrying each ordered node pair on its own
// websocket connection. The connection dialed by a node is used only for
// writing; the one it accepts from a peer only for reading.
type WSNode struct {
	rank  int
	size  int
	peers []string

	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	out   []chan outMsg
	conns []*websocket.Conn // outbound, indexed by peer
	links []*link           // inbound matching, indexed by source

	qmu      sync.RWMutex // guards out against Close
	qclosed  bool
	mu       sync.Mutex
	inbound  map[int]*websocket.Conn
	ready    chan struct{}
	arrivals chan int
	releases chan struct{}
	closing  chan struct{}
	broken   atomic.Bool // a barrier wait was abandoned
	wg       sync.WaitGroup

	closeOnce sync.Once
}

var _ Transport = (*WSNode)(nil)

// NewWSNode validates cfg and starts accepting peer connections
func NewWSNode(cfg WSConfig) (*WSNode, error) {
	size := len(cfg.Peers)
	if err := checkPeer(cfg.Rank, size, cfg.Rank); err != nil {
		return nil, errors.Wrap(err, "invalid websocket config")
	}
	n := &WSNode{
		rank:     cfg.Rank,
		size:     size,
		peers:    cfg.Peers,
		out:      make([]chan outMsg, size),
		conns:    make([]*websocket.Conn, size),
		links:    make([]*link, size),
		inbound:  make(map[int]*websocket.Conn, size),
		ready:    make(chan struct{}),
		arrivals: make(chan int, size),
		releases: make(chan struct{}, 1),
		closing:  make(chan struct{}),
	}
	for src := range n.links {
		n.links[src] = newLink(src)
	}
	if size == 1 {
		close(n.ready)
	}

	n.listener = cfg.Listener
	if n.listener == nil {
		lis, err := net.Listen("tcp", cfg.Peers[cfg.Rank])
		if err != nil {
			return nil, errors.Wrapf(err, "node %d: listen on %s", cfg.Rank, cfg.Peers[cfg.Rank])
		}
		n.listener = lis
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, n.accept)
	n.server = &http.Server{Handler: mux}
	go func() {
		if err := n.server.Serve(n.listener); err != nil && err != http.ErrServerClosed {
			glog.Errorf("node %d: peer server: %v", n.rank, err)
		}
	}()
	return n, nil
}

// Connect dials every peer, retrying until ctx is done, and waits until
// every peer has dialed back
func (n *WSNode) Connect(ctx context.Context, retry time.Duration) error {
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}
	for peer := 0; peer < n.size; peer++ {
		if peer == n.rank {
			continue
		}
		conn, err := n.dial(ctx, peer, retry)
		if err != nil {
			return err
		}
		n.conns[peer] = conn
		n.out[peer] = make(chan outMsg, outQueueDepth)
		n.wg.Add(1)
		go n.writeLoop(peer)
	}
	select {
	case <-n.ready:
		glog.V(1).Infof("node %d: connected to %d peers", n.rank, n.size-1)
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "node %d: waiting for peers to connect", n.rank)
	}
}

func (n *WSNode) dial(ctx context.Context, peer int, retry time.Duration) (*websocket.Conn, error) {
	u := url.URL{
		Scheme:   "ws",
		Host:     n.peers[peer],
		Path:     wsPath,
		RawQuery: url.Values{"rank": []string{strconv.Itoa(n.rank)}}.Encode(),
	}
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			return conn, nil
		}
		glog.V(2).Infof("node %d: dial %s: %v", n.rank, u.String(), err)
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(err, "node %d: dial peer %d at %s", n.rank, peer, n.peers[peer])
		case <-time.After(retry):
		}
	}
}

func (n *WSNode) accept(w http.ResponseWriter, r *http.Request) {
	src, err := strconv.Atoi(r.URL.Query().Get("rank"))
	if err != nil || src < 0 || src >= n.size || src == n.rank {
		http.Error(w, fmt.Sprintf("invalid peer rank %q", r.URL.Query().Get("rank")), http.StatusBadRequest)
		return
	}
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("node %d: upgrade connection from node %d: %v", n.rank, src, err)
		return
	}

	n.mu.Lock()
	if _, dup := n.inbound[src]; dup {
		n.mu.Unlock()
		conn.Close()
		glog.Errorf("node %d: duplicate connection from node %d", n.rank, src)
		return
	}
	n.inbound[src] = conn
	if len(n.inbound) == n.size-1 {
		close(n.ready)
	}
	n.mu.Unlock()

	n.wg.Add(1)
	go n.readLoop(src, conn)
}

func (n *WSNode) readLoop(src int, conn *websocket.Conn) {
	defer n.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-n.closing:
			default:
				glog.Errorf("node %d: read from node %d: %v", n.rank, src, err)
				n.links[src].close()
			}
			return
		}
		if len(data) == 0 {
			glog.Errorf("node %d: empty frame from node %d", n.rank, src)
			continue
		}
		switch data[0] {
		case frameData:
			if err := n.links[src].deliver(data[1:]); err != nil {
				return
			}
		case frameArrive:
			n.arrivals <- src
		case frameRelease:
			n.releases <- struct{}{}
		default:
			glog.Errorf("node %d: unknown frame kind %d from node %d", n.rank, data[0], src)
		}
	}
}

func (n *WSNode) writeLoop(peer int) {
	defer n.wg.Done()
	conn := n.conns[peer]
	for m := range n.out[peer] {
		if err := conn.WriteMessage(websocket.BinaryMessage, m.frame); err != nil {
			m.req.complete(0, errors.Wrapf(err, "node %d: write to node %d", n.rank, peer))
			continue
		}
		m.req.complete(len(m.frame)-1, nil)
	}
}

func (n *WSNode) enqueue(peer int, kind byte, payload []byte) (*request, error) {
	if n.out[peer] == nil {
		return nil, errors.Errorf("node %d: no connection to node %d", n.rank, peer)
	}
	frame := make([]byte, 1+len(payload))
	frame[0] = kind
	copy(frame[1:], payload)
	req := newRequest()
	n.qmu.RLock()
	defer n.qmu.RUnlock()
	if n.qclosed {
		return nil, ErrClosed
	}
	select {
	case n.out[peer] <- outMsg{frame: frame, req: req}:
		return req, nil
	case <-n.closing:
		return nil, ErrClosed
	}
}

func (n *WSNode) Rank() int { return n.rank }
func (n *WSNode) Size() int { return n.size }

// Addr returns the address peers dial to reach this node
func (n *WSNode) Addr() net.Addr { return n.listener.Addr() }

func (n *WSNode) Isend(_ context.Context, peer int, buf []byte) (Request, error) {
	if err := checkPeer(n.rank, n.size, peer); err != nil {
		return nil, err
	}
	if peer == n.rank {
		msg := make([]byte, len(buf))
		copy(msg, buf)
		req := newRequest()
		req.complete(len(msg), n.links[n.rank].deliver(msg))
		return req, nil
	}
	return n.enqueue(peer, frameData, buf)
}

func (n *WSNode) Irecv(_ context.Context, peer int, buf []byte) (Request, error) {
	if err := checkPeer(n.rank, n.size, peer); err != nil {
		return nil, err
	}
	return n.links[peer].post(buf), nil
}

// Barrier is coordinated by node 0: every other node reports its arrival and
// waits for the release. A wait abandoned through ctx leaves an arrival or a
// release in flight that the next barrier would consume, so the barrier stays
// broken and every later call fails with ErrBarrierBroken.
func (n *WSNode) Barrier(ctx context.Context) error {
	if n.size == 1 {
		return nil
	}
	if n.broken.Load() {
		return ErrBarrierBroken
	}
	abandon := func(err error) error {
		n.broken.Store(true)
		return err
	}
	if n.rank != 0 {
		req, err := n.enqueue(0, frameArrive, nil)
		if err != nil {
			return err
		}
		if err := req.Wait(ctx); err != nil {
			return abandon(err)
		}
		select {
		case <-n.releases:
			return nil
		case <-n.closing:
			return ErrClosed
		case <-ctx.Done():
			return abandon(ctx.Err())
		}
	}

	for waiting := n.size - 1; waiting > 0; waiting-- {
		select {
		case <-n.arrivals:
		case <-n.closing:
			return ErrClosed
		case <-ctx.Done():
			return abandon(ctx.Err())
		}
	}
	reqs := make([]Request, 0, n.size-1)
	for peer := 1; peer < n.size; peer++ {
		req, err := n.enqueue(peer, frameRelease, nil)
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}
	if err := WaitAll(ctx, reqs); err != nil {
		return abandon(err)
	}
	return nil
}

// Close shuts down all connections and fails pending operations
func (n *WSNode) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.closing)
		n.qmu.Lock()
		n.qclosed = true
		n.qmu.Unlock()
		for peer, q := range n.out {
			if q != nil {
				close(q)
			}
			if c := n.conns[peer]; c != nil {
				_ = c.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				c.Close()
			}
		}
		n.mu.Lock()
		for _, c := range n.inbound {
			c.Close()
		}
		n.mu.Unlock()
		err = n.server.Close()
		for _, l := range n.links {
			l.close()
		}
		n.wg.Wait()
	})
	return err
}
