// Package comms manages the per-peer send and receive buffers of one node
// for one redistribution shape, and moves them in a single collective round.
package comms

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/notargets/TSCollect/stats"
	"github.com/notargets/TSCollect/transport"
)

// State tracks the setup of a Graph
type State uint8

const (
	Unconfigured State = iota // No registrations
	Registering               // Registrations accepted, buffers not allocated
	Finalized                 // Buffers allocated, ready to exchange
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Registering:
		return "registering"
	case Finalized:
		return "finalized"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// ErrState is returned for operations not allowed in the current State
var ErrState = errors.New("invalid comms state")

// Error identifies the node, peer and stage of a failure. Peer is -1 when
// the failure concerns no single peer.
type Error struct {
	Node  int
	Peer  int
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Peer < 0 {
		return fmt.Sprintf("node %d, %s: %v", e.Node, e.Stage, e.Err)
	}
	return fmt.Sprintf("node %d, peer %d, %s: %v", e.Node, e.Peer, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Handle holds one node's outbound and inbound buffer toward one peer
type Handle struct {
	Peer    int
	SendBuf []byte // nil when nothing goes to Peer
	RecvBuf []byte // nil when nothing comes from Peer

	recvReq transport.Request
}

// Graph aggregates the Handles of one node
type Graph struct {
	tr      transport.Transport
	node    int
	metrics *stats.Metrics

	state     State
	sendSizes map[int]int
	recvSizes map[int]int
	handles   []*Handle // ordered by peer
	byPeer    map[int]*Handle
}

// NewGraph creates an unconfigured graph on tr. m may be nil.
func NewGraph(tr transport.Transport, m *stats.Metrics) *Graph {
	g := &Graph{
		tr:      tr,
		node:    tr.Rank(),
		metrics: m,
	}
	g.Reset()
	return g
}

// Node returns the rank of the owning node
func (g *Graph) Node() int { return g.node }

// State returns the setup state
func (g *Graph) State() State { return g.state }

func (g *Graph) fail(peer int, stage string, err error) error {
	return &Error{Node: g.node, Peer: peer, Stage: stage, Err: err}
}

func (g *Graph) register(sizes map[int]int, peer, size int, stage string) error {
	if g.state == Finalized {
		return g.fail(peer, stage, errors.Wrap(ErrState, "registration after finalize"))
	}
	if peer < 0 || peer >= g.tr.Size() {
		return g.fail(peer, stage, errors.Errorf("peer outside [0, %d)", g.tr.Size()))
	}
	if size < 0 {
		return g.fail(peer, stage, errors.Errorf("negative size %d", size))
	}
	if cur, ok := sizes[peer]; !ok || size > cur {
		sizes[peer] = size
	}
	g.state = Registering
	return nil
}

// RegisterSend asks for a send buffer of at least size bytes toward peer.
// Registrations to one peer coalesce to the largest size.
func (g *Graph) RegisterSend(peer, size int) error {
	return g.register(g.sendSizes, peer, size, "register send")
}

// RegisterReceive asks for a receive buffer of at least size bytes from peer
func (g *Graph) RegisterReceive(peer, size int) error {
	return g.register(g.recvSizes, peer, size, "register receive")
}

// Finalize allocates the buffers of every registered peer and waits until
// all nodes have finalized. It is collective.
func (g *Graph) Finalize(ctx context.Context) error {
	if g.state == Finalized {
		return g.fail(-1, "finalize", errors.Wrap(ErrState, "finalize called twice without reset"))
	}
	for peer, size := range g.sendSizes {
		if size == 0 {
			return g.fail(peer, "finalize", errors.New("zero-size send registered"))
		}
	}
	for peer, size := range g.recvSizes {
		if size == 0 {
			return g.fail(peer, "finalize", errors.New("zero-size receive registered"))
		}
	}
	sendSelf, okSend := g.sendSizes[g.node]
	recvSelf, okRecv := g.recvSizes[g.node]
	if okSend != okRecv || sendSelf != recvSelf {
		return g.fail(g.node, "finalize", errors.Errorf("self transfer sends %d bytes, receives %d", sendSelf, recvSelf))
	}

	start := time.Now()
	peers := make(map[int]struct{}, len(g.sendSizes)+len(g.recvSizes))
	for peer := range g.sendSizes {
		peers[peer] = struct{}{}
	}
	for peer := range g.recvSizes {
		peers[peer] = struct{}{}
	}
	for peer := range peers {
		h := &Handle{Peer: peer}
		if size, ok := g.sendSizes[peer]; ok {
			h.SendBuf = make([]byte, size)
		}
		if peer == g.node {
			h.RecvBuf = h.SendBuf
		} else if size, ok := g.recvSizes[peer]; ok {
			h.RecvBuf = make([]byte, size)
		}
		g.handles = append(g.handles, h)
		g.byPeer[peer] = h
	}
	sort.Slice(g.handles, func(i, j int) bool { return g.handles[i].Peer < g.handles[j].Peer })
	g.state = Finalized

	if err := g.tr.Barrier(ctx); err != nil {
		return g.fail(-1, "finalize", errors.Wrap(err, "barrier"))
	}
	glog.V(1).Infof("node %d: comms finalized, %d send and %d receive peers in %v",
		g.node, len(g.sendSizes), len(g.recvSizes), g.metrics.ObserveStage(stats.StageFinalize, start))
	return nil
}

// Exchange posts every receive, then every send, then waits for all of them
// at once. Self transfers never reach the transport. It is collective: every
// node with a matching registration must call it.
func (g *Graph) Exchange(ctx context.Context) error {
	if g.state != Finalized {
		return g.fail(-1, "exchange", errors.Wrapf(ErrState, "exchange in state %s", g.state))
	}
	start := time.Now()

	reqs := make([]transport.Request, 0, 2*len(g.handles))
	for _, h := range g.handles {
		h.recvReq = nil
		if h.RecvBuf == nil || h.Peer == g.node {
			continue
		}
		r, err := g.tr.Irecv(ctx, h.Peer, h.RecvBuf)
		if err != nil {
			return g.fail(h.Peer, "post receive", err)
		}
		h.recvReq = r
		reqs = append(reqs, r)
	}
	for _, h := range g.handles {
		if h.SendBuf == nil || h.Peer == g.node {
			continue
		}
		if glog.V(2) {
			glog.Infof("node %d: send %d bytes to %d, digest %016x", g.node, len(h.SendBuf), h.Peer, xxhash.Sum64(h.SendBuf))
		}
		r, err := g.tr.Isend(ctx, h.Peer, h.SendBuf)
		if err != nil {
			return g.fail(h.Peer, "post send", err)
		}
		reqs = append(reqs, r)
		g.metrics.AddSent(h.Peer, len(h.SendBuf))
	}

	if err := transport.WaitAll(ctx, reqs); err != nil {
		return g.fail(-1, "wait", err)
	}

	for _, h := range g.handles {
		if h.recvReq == nil {
			continue
		}
		if n := h.recvReq.Len(); n != len(h.RecvBuf) {
			return g.fail(h.Peer, "exchange", errors.Errorf("received %d bytes, registered %d", n, len(h.RecvBuf)))
		}
		if glog.V(2) {
			glog.Infof("node %d: received %d bytes from %d, digest %016x", g.node, len(h.RecvBuf), h.Peer, xxhash.Sum64(h.RecvBuf))
		}
		g.metrics.AddReceived(h.Peer, len(h.RecvBuf))
	}
	g.metrics.IncExchanges()
	glog.V(1).Infof("node %d: exchange with %d peers in %v", g.node, len(g.handles),
		g.metrics.ObserveStage(stats.StageExchange, start))
	return nil
}

// SendBuffer returns the send buffer toward peer, nil when none is registered
func (g *Graph) SendBuffer(peer int) []byte {
	if h, ok := g.byPeer[peer]; ok {
		return h.SendBuf
	}
	return nil
}

// RecvBuffer returns the receive buffer from peer, nil when none is registered
func (g *Graph) RecvBuffer(peer int) []byte {
	if h, ok := g.byPeer[peer]; ok {
		return h.RecvBuf
	}
	return nil
}

// RecvExists reports whether anything is expected from peer. Peers with
// nothing to send are normal.
func (g *Graph) RecvExists(peer int) bool {
	return g.RecvBuffer(peer) != nil
}

// RecvSize returns the registered receive size from peer
func (g *Graph) RecvSize(peer int) int {
	return len(g.RecvBuffer(peer))
}

// SendPeers returns the peers with a registered send, ascending
func (g *Graph) SendPeers() []int { return sortedPeers(g.sendSizes) }

// RecvPeers returns the peers with a registered receive, ascending
func (g *Graph) RecvPeers() []int { return sortedPeers(g.recvSizes) }

// Handles returns the finalized handles ordered by peer
func (g *Graph) Handles() []*Handle { return g.handles }

func sortedPeers(sizes map[int]int) []int {
	peers := make([]int, 0, len(sizes))
	for p := range sizes {
		peers = append(peers, p)
	}
	sort.Ints(peers)
	return peers
}

// Reset drops every registration and buffer
func (g *Graph) Reset() {
	g.state = Unconfigured
	g.sendSizes = make(map[int]int)
	g.recvSizes = make(map[int]int)
	g.handles = nil
	g.byPeer = make(map[int]*Handle)
}

// Close releases the buffers and handles
func (g *Graph) Close() {
	g.Reset()
}
