// Package collect redistributes a lattice field, grouped by time slice, from
// the nodes owning it to a subset of collecting nodes. A Plan is prepared
// once per parameter set and executed for any number of fields.
package collect

import (
	"fmt"
	"sort"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/notargets/TSCollect/comms"
	"github.com/notargets/TSCollect/partitions"
	"github.com/notargets/TSCollect/record"
	"github.com/notargets/TSCollect/stats"
	"github.com/notargets/TSCollect/transport"
)

// State tracks the lifecycle of a Plan
type State uint8

const (
	Unconfigured State = iota // Not prepared
	Prepared                  // Index tables built, buffers not allocated
	Finalized                 // Buffers allocated on every node
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Prepared:
		return "prepared"
	case Finalized:
		return "finalized"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// SendEntry lists the local sites sent to one peer under one group. Sites
// are ordered by the receiver's unpacking slot; the order is the only
// correlation between sender and receiver.
type SendEntry struct {
	Peer  int
	Group int32
	Sites []int // Local linear site indices
}

// RecvSizeEntry is the payload size expected from one peer for one group
type RecvSizeEntry struct {
	Peer  int
	Group int32
	Bytes int
}

// ReceiveDescriptor locates one output site in a decoded payload
type ReceiveDescriptor struct {
	NodeFrom int // Node whose buffer holds the site
	Linear   int // Site slot within that node's payload for the group
}

type peerSends struct {
	peer    int
	entries []SendEntry // ordered by group
}

type peerRecvs struct {
	peer    int
	entries []RecvSizeEntry // ordered by group
}

// Plan holds the index and size metadata of one redistribution. It owns no
// field data; the same plan serves any number of Execute calls.
type Plan struct {
	layout     *partitions.Layout
	graph      *comms.Graph
	tr         transport.Transport
	components int
	metrics    *stats.Metrics

	state  State
	params Params

	sends []peerSends
	recvs []peerRecvs

	slotGroups []int32               // group key of each collector slot
	recvDesc   [][]ReceiveDescriptor // [slot][siteTS]
}

// Option configures a Plan
type Option func(*Plan)

// WithComponents sets the number of float64 values carried per site
func WithComponents(n int) Option {
	return func(p *Plan) { p.components = n }
}

// WithMetrics attaches collectors to the plan and its comms graph
func WithMetrics(m *stats.Metrics) Option {
	return func(p *Plan) { p.metrics = m }
}

// NewPlan creates an unconfigured plan for the node of layout, communicating
// over tr
func NewPlan(layout *partitions.Layout, tr transport.Transport, opts ...Option) (*Plan, error) {
	p := &Plan{
		layout:     layout,
		tr:         tr,
		components: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.components < 1 {
		return nil, errors.Errorf("components per site %d must be positive", p.components)
	}
	if tr.Rank() != layout.ThisNode() || tr.Size() != layout.NumNodes {
		return nil, errors.Errorf("transport rank %d of %d does not match layout node %d of %d",
			tr.Rank(), tr.Size(), layout.ThisNode(), layout.NumNodes)
	}
	p.graph = comms.NewGraph(tr, p.metrics)
	return p, nil
}

func (p *Plan) fail(peer int, stage string, err error) error {
	return &comms.Error{Node: p.layout.ThisNode(), Peer: peer, Stage: stage, Err: err}
}

// State returns the lifecycle state
func (p *Plan) State() State { return p.state }

// Params returns the parameters of the last Prepare
func (p *Plan) Params() Params { return p.params }

// Components returns the number of values per site
func (p *Plan) Components() int { return p.components }

// ElementsPerGroup returns the number of payload values in one record
func (p *Plan) ElementsPerGroup() int { return p.layout.SubgridSliceVol() * p.components }

// Collector reports whether this node receives any group
func (p *Plan) Collector() bool { return len(p.slotGroups) > 0 }

// Groups returns the group key of each collector slot
func (p *Plan) Groups() []int32 { return p.slotGroups }

// Prepare builds the send and receive tables for params. Preparing again
// with the same params keeps the current tables and buffers. No
// communication happens here.
func (p *Plan) Prepare(params Params) error {
	if p.state != Unconfigured && params == p.params {
		return nil
	}
	if err := params.Validate(p.layout); err != nil {
		return p.fail(-1, "prepare", err)
	}
	start := time.Now()
	p.reset()
	p.params = params

	if err := p.buildSends(); err != nil {
		p.reset()
		return err
	}
	p.buildReceives()
	if err := p.Verify(); err != nil {
		p.reset()
		return p.fail(-1, "prepare", err)
	}
	if err := p.register(); err != nil {
		p.reset()
		return err
	}
	p.state = Prepared

	glog.Infof("node %d: prepared range [%d,+%d) with %d groups per block, node stride %d: %d send peers, %d receive peers, %d collector slots",
		p.layout.ThisNode(), params.RangeStart, params.RangeLength, params.GroupsPerBlock, params.NodeStride,
		len(p.sends), len(p.recvs), len(p.slotGroups))
	p.metrics.ObserveStage(stats.StagePrepare, start)
	return nil
}

// buildSends walks the local subgrid and assigns every site in the range to
// the SendEntry of its collector and group
func (p *Plan) buildSends() error {
	l := p.layout
	me := l.ThisNode()
	nt := l.Nt()
	sliceVol := l.SubgridSliceVol()

	type key struct {
		peer  int
		group int32
	}
	entries := make(map[key]*SendEntry)
	for linear := 0; linear < l.SubgridVol(); linear++ {
		c := l.SiteCoord(me, linear)
		group, ok := p.params.Group(c[partitions.TDir], nt)
		if !ok {
			continue
		}
		k := key{peer: p.params.Destination(group), group: int32(group)}
		e, ok := entries[k]
		if !ok {
			e = &SendEntry{Peer: k.peer, Group: k.group, Sites: make([]int, sliceVol)}
			for i := range e.Sites {
				e.Sites[i] = -1
			}
			entries[k] = e
		}
		slot := l.SubgridSliceIndex(c)
		if e.Sites[slot] >= 0 {
			return p.fail(k.peer, "prepare", errors.Errorf("group %d slot %d assigned to sites %d and %d",
				group, slot, e.Sites[slot], linear))
		}
		e.Sites[slot] = linear
	}

	byPeer := make(map[int]int)
	for _, e := range entries {
		i, ok := byPeer[e.Peer]
		if !ok {
			i = len(p.sends)
			byPeer[e.Peer] = i
			p.sends = append(p.sends, peerSends{peer: e.Peer})
		}
		p.sends[i].entries = append(p.sends[i].entries, *e)
	}
	sort.Slice(p.sends, func(i, j int) bool { return p.sends[i].peer < p.sends[j].peer })
	for i := range p.sends {
		es := p.sends[i].entries
		sort.Slice(es, func(a, b int) bool { return es[a].Group < es[b].Group })
	}
	return nil
}

// buildReceives derives, from topology alone, what this node collects and
// from whom
func (p *Plan) buildReceives() {
	l := p.layout
	nt := l.Nt()
	payloadBytes := p.components * record.ElementBytes

	groups := p.params.CollectorGroups(l.ThisNode())
	if len(groups) == 0 {
		return
	}

	sizes := make(map[int]map[int32]int)
	p.slotGroups = make([]int32, len(groups))
	p.recvDesc = make([][]ReceiveDescriptor, len(groups))
	for slot, group := range groups {
		p.slotGroups[slot] = int32(group)
		ts := p.params.TimeSlice(group, nt)
		desc := make([]ReceiveDescriptor, l.SliceVol())
		for siteTS := range desc {
			c := l.SliceCoord(siteTS, ts)
			from := l.NodeNumber(c)
			desc[siteTS] = ReceiveDescriptor{NodeFrom: from, Linear: l.SubgridSliceIndex(c)}
			if sizes[from] == nil {
				sizes[from] = make(map[int32]int)
			}
			sizes[from][int32(group)] += payloadBytes
		}
		p.recvDesc[slot] = desc
	}

	for from, byGroup := range sizes {
		pr := peerRecvs{peer: from}
		for group, n := range byGroup {
			pr.entries = append(pr.entries, RecvSizeEntry{Peer: from, Group: group, Bytes: n})
		}
		sort.Slice(pr.entries, func(a, b int) bool { return pr.entries[a].Group < pr.entries[b].Group })
		p.recvs = append(p.recvs, pr)
	}
	sort.Slice(p.recvs, func(i, j int) bool { return p.recvs[i].peer < p.recvs[j].peer })
}

func (p *Plan) register() error {
	elements := p.ElementsPerGroup()
	for _, ps := range p.sends {
		if err := p.graph.RegisterSend(ps.peer, record.Size(len(ps.entries), elements)); err != nil {
			return err
		}
	}
	for _, pr := range p.recvs {
		size := record.HeaderBytes
		for _, e := range pr.entries {
			size += record.KeyBytes + e.Bytes
		}
		if err := p.graph.RegisterReceive(pr.peer, size); err != nil {
			return err
		}
	}
	return nil
}

// Verify checks the tables: every local site in the range sits in exactly
// one SendEntry, every entry is complete, and every expected receive holds
// exactly one record.
func (p *Plan) Verify() error {
	l := p.layout
	me := l.ThisNode()
	nt := l.Nt()

	selected := 0
	for linear := 0; linear < l.SubgridVol(); linear++ {
		if _, ok := p.params.Group(l.SiteCoord(me, linear)[partitions.TDir], nt); ok {
			selected++
		}
	}

	seen := make(map[int]bool, selected)
	for _, ps := range p.sends {
		for _, e := range ps.entries {
			if len(e.Sites) != l.SubgridSliceVol() {
				return errors.Errorf("send to %d group %d has %d sites, want %d", e.Peer, e.Group, len(e.Sites), l.SubgridSliceVol())
			}
			if dest := p.params.Destination(int(e.Group)); dest != e.Peer {
				return errors.Errorf("group %d sent to %d, collector is %d", e.Group, e.Peer, dest)
			}
			for slot, site := range e.Sites {
				if site < 0 {
					return errors.Errorf("send to %d group %d: slot %d has no site", e.Peer, e.Group, slot)
				}
				if seen[site] {
					return errors.Errorf("site %d sent twice", site)
				}
				seen[site] = true
			}
		}
	}
	if len(seen) != selected {
		return errors.Errorf("%d sites in range, %d sent", selected, len(seen))
	}

	want := p.ElementsPerGroup() * record.ElementBytes
	for _, pr := range p.recvs {
		for _, e := range pr.entries {
			if e.Bytes != want {
				return errors.Errorf("receive from %d group %d expects %d bytes, records hold %d", e.Peer, e.Group, e.Bytes, want)
			}
		}
	}
	for slot, desc := range p.recvDesc {
		if len(desc) != l.SliceVol() {
			return errors.Errorf("slot %d has %d descriptors, want %d", slot, len(desc), l.SliceVol())
		}
	}
	return nil
}

// SendEntries returns every SendEntry ordered by peer, then group
func (p *Plan) SendEntries() []SendEntry {
	var out []SendEntry
	for _, ps := range p.sends {
		out = append(out, ps.entries...)
	}
	return out
}

// RecvSizeEntries returns every RecvSizeEntry ordered by peer, then group
func (p *Plan) RecvSizeEntries() []RecvSizeEntry {
	var out []RecvSizeEntry
	for _, pr := range p.recvs {
		out = append(out, pr.entries...)
	}
	return out
}

// ReceiveDescriptors returns the descriptor table of collector slot
func (p *Plan) ReceiveDescriptors(slot int) []ReceiveDescriptor {
	if slot < 0 || slot >= len(p.recvDesc) {
		return nil
	}
	return p.recvDesc[slot]
}

func (p *Plan) reset() {
	p.graph.Reset()
	p.state = Unconfigured
	p.params = Params{}
	p.sends = nil
	p.recvs = nil
	p.slotGroups = nil
	p.recvDesc = nil
}

// Close releases the comms buffers; the plan must be prepared again before use
func (p *Plan) Close() {
	p.reset()
	p.graph.Close()
}
