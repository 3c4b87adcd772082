package collect

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/TSCollect/record"
	"github.com/notargets/TSCollect/stats"
)

// ErrNotPrepared is returned by Execute on a plan without tables
var ErrNotPrepared = errors.New("plan not prepared")

// Execute redistributes src, the local field with one row per local site and
// one column per component. Collectors receive one SliceVol x components
// matrix per collected group, in slot order; other nodes receive nil. The
// first call after Prepare allocates the buffers and is collective.
func (p *Plan) Execute(ctx context.Context, src mat.Matrix) ([]*mat.Dense, error) {
	if p.state == Unconfigured {
		return nil, p.fail(-1, "execute", ErrNotPrepared)
	}
	if r, c := src.Dims(); r != p.layout.SubgridVol() || c != p.components {
		return nil, p.fail(-1, "execute", errors.Errorf("field is %dx%d, want %dx%d",
			r, c, p.layout.SubgridVol(), p.components))
	}
	if p.state == Prepared {
		start := time.Now()
		if err := p.graph.Finalize(ctx); err != nil {
			return nil, err
		}
		p.state = Finalized
		p.metrics.ObserveStage(stats.StageFinalize, start)
	}

	if err := p.pack(src); err != nil {
		return nil, err
	}
	if err := p.graph.Exchange(ctx); err != nil {
		return nil, err
	}
	out, err := p.decode()
	if err != nil {
		return nil, err
	}
	p.metrics.IncExecutions()
	return out, nil
}

func (p *Plan) pack(src mat.Matrix) error {
	start := time.Now()
	comps := p.components
	elements := p.ElementsPerGroup()
	staging := make([]float64, elements)
	for _, ps := range p.sends {
		buf := p.graph.SendBuffer(ps.peer)
		enc, err := record.NewEncoder(buf, elements)
		if err != nil {
			return p.fail(ps.peer, "pack", err)
		}
		for _, e := range ps.entries {
			for slot, site := range e.Sites {
				mat.Row(staging[slot*comps:(slot+1)*comps], site, src)
			}
			if err := enc.Append(e.Group, staging); err != nil {
				return p.fail(ps.peer, "pack", err)
			}
		}
		if n := enc.Finish(); n != len(buf) {
			return p.fail(ps.peer, "pack", errors.Errorf("packed %d bytes into a %d byte buffer", n, len(buf)))
		}
	}
	glog.V(2).Infof("node %d: packed %d peers in %v", p.layout.ThisNode(), len(p.sends),
		p.metrics.ObserveStage(stats.StagePack, start))
	return nil
}

func (p *Plan) decode() ([]*mat.Dense, error) {
	if !p.Collector() {
		return nil, nil
	}
	start := time.Now()
	comps := p.components
	elements := p.ElementsPerGroup()

	expected := make(map[int]int, len(p.recvs))
	for _, pr := range p.recvs {
		expected[pr.peer] = len(pr.entries)
	}
	decoders := make(map[int]*record.Decoder, len(p.recvs))
	decoder := func(from int) (*record.Decoder, error) {
		if d, ok := decoders[from]; ok {
			return d, nil
		}
		if !p.graph.RecvExists(from) {
			return nil, errors.New("no receive buffer")
		}
		d, err := record.NewDecoder(p.graph.RecvBuffer(from), elements)
		if err != nil {
			return nil, err
		}
		if d.Count() != expected[from] {
			return nil, errors.Wrapf(record.ErrMalformed, "%d records, want %d", d.Count(), expected[from])
		}
		decoders[from] = d
		return d, nil
	}

	out := make([]*mat.Dense, len(p.slotGroups))
	for slot, group := range p.slotGroups {
		dst := mat.NewDense(p.layout.SliceVol(), comps, nil)
		for siteTS, d := range p.recvDesc[slot] {
			dec, err := decoder(d.NodeFrom)
			if err != nil {
				return nil, p.fail(d.NodeFrom, "decode", err)
			}
			payload, err := dec.Lookup(group)
			if err != nil {
				return nil, p.fail(d.NodeFrom, "decode", err)
			}
			dst.SetRow(siteTS, payload[d.Linear*comps:(d.Linear+1)*comps])
		}
		out[slot] = dst
	}
	glog.V(2).Infof("node %d: decoded %d groups from %d peers in %v", p.layout.ThisNode(), len(out),
		len(decoders), p.metrics.ObserveStage(stats.StageDecode, start))
	return out, nil
}

// WriteSummary writes every node's tables to w, one node after the other.
// It is collective; only the output of nodes sharing w interleaves in order.
func (p *Plan) WriteSummary(ctx context.Context, w io.Writer) error {
	me := p.layout.ThisNode()
	for n := 0; n < p.layout.NumNodes; n++ {
		if err := p.tr.Barrier(ctx); err != nil {
			return p.fail(-1, "summary", err)
		}
		if n != me {
			continue
		}
		if err := p.writeSummary(w); err != nil {
			return p.fail(-1, "summary", err)
		}
	}
	if err := p.tr.Barrier(ctx); err != nil {
		return p.fail(-1, "summary", err)
	}
	return nil
}

func (p *Plan) writeSummary(w io.Writer) (err error) {
	printf := func(format string, args ...interface{}) {
		if err == nil {
			_, err = fmt.Fprintf(w, format, args...)
		}
	}
	printf("node %d: %s, %+v\n", p.layout.ThisNode(), p.state, p.params)
	for _, ps := range p.sends {
		for _, e := range ps.entries {
			printf("  send    peer %d group %d sites %d\n", e.Peer, e.Group, len(e.Sites))
		}
	}
	for _, pr := range p.recvs {
		for _, e := range pr.entries {
			printf("  receive peer %d group %d bytes %d\n", e.Peer, e.Group, e.Bytes)
		}
	}
	if p.Collector() {
		printf("  collects groups %v\n", p.slotGroups)
	}
	return err
}
