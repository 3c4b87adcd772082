package collect

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/TSCollect/partitions"
	"github.com/notargets/TSCollect/stats"
	"github.com/notargets/TSCollect/transport"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var (
	scenarioLattice = partitions.Coord{2, 2, 2, 8}
	scenarioGrid    = partitions.Coord{1, 1, 1, 4}
	scenarioParams  = Params{RangeStart: 0, RangeLength: 8, GroupsPerBlock: 4, NodeStride: 2}
)

// runPlans prepares a plan on every node of a fresh fabric and calls fn for
// each node concurrently
func runPlans(t *testing.T, latt, grid partitions.Coord, params Params, comps int,
	fn func(ctx context.Context, p *Plan) error) {
	t.Helper()
	size := grid[0] * grid[1] * grid[2] * grid[3]
	f, err := transport.NewFabric(size)
	require.NoError(t, err)
	defer f.Close()

	g, ctx := errgroup.WithContext(testContext(t))
	for rank := 0; rank < size; rank++ {
		ep, err := f.Endpoint(rank)
		require.NoError(t, err)
		l, err := partitions.NewLayout(latt, grid, rank)
		require.NoError(t, err)
		g.Go(func() error {
			p, err := NewPlan(l, ep, WithComponents(comps))
			if err != nil {
				return err
			}
			defer p.Close()
			if err := p.Prepare(params); err != nil {
				return err
			}
			return fn(ctx, p)
		})
	}
	require.NoError(t, g.Wait())
}

// collectAll executes one identity redistribution and returns the output of
// every node
func collectAll(t *testing.T, latt, grid partitions.Coord, params Params, comps int) map[int][]*mat.Dense {
	var (
		mu  sync.Mutex
		out = make(map[int][]*mat.Dense)
	)
	runPlans(t, latt, grid, params, comps, func(ctx context.Context, p *Plan) error {
		res, err := p.Execute(ctx, FillIdentity(p.layout, params, comps))
		if err != nil {
			return err
		}
		if err := VerifyIdentity(p.layout, params, res); err != nil {
			return err
		}
		mu.Lock()
		out[p.layout.ThisNode()] = res
		mu.Unlock()
		return nil
	})
	return out
}

func TestFourNodeScenario(t *testing.T) {
	out := collectAll(t, scenarioLattice, scenarioGrid, scenarioParams, 2)
	require.Len(t, out, 4)
	assert.Nil(t, out[1])
	assert.Nil(t, out[3])
	require.Len(t, out[0], 4)
	require.Len(t, out[2], 4)

	for _, collector := range []int{0, 2} {
		for slot, m := range out[collector] {
			group := collector/2*4 + slot
			owner := group / 2 // Each node owns two time slices
			rows, cols := m.Dims()
			require.Equal(t, 8, rows)
			require.Equal(t, 2, cols)
			for siteTS := 0; siteTS < rows; siteTS++ {
				assert.Equal(t, float64(group*100+owner), m.At(siteTS, 0))
				assert.Equal(t, float64(group*8+siteTS), m.At(siteTS, 1))
			}
		}
	}
}

func TestScenarioTables(t *testing.T) {
	f, err := transport.NewFabric(4)
	require.NoError(t, err)
	defer f.Close()

	// Prepare communicates with nobody, so single nodes can prepare alone
	plan := func(rank int) *Plan {
		ep, err := f.Endpoint(rank)
		require.NoError(t, err)
		l, err := partitions.NewLayout(scenarioLattice, scenarioGrid, rank)
		require.NoError(t, err)
		p, err := NewPlan(l, ep, WithComponents(2))
		require.NoError(t, err)
		require.NoError(t, p.Prepare(scenarioParams))
		assert.Equal(t, Prepared, p.State())
		return p
	}

	p1 := plan(1)
	assert.False(t, p1.Collector())
	assert.Empty(t, p1.RecvSizeEntries())
	sends := p1.SendEntries()
	require.Len(t, sends, 2)
	assert.Equal(t, SendEntry{Peer: 0, Group: 2, Sites: []int{0, 1, 2, 3, 4, 5, 6, 7}}, sends[0])
	assert.Equal(t, SendEntry{Peer: 0, Group: 3, Sites: []int{8, 9, 10, 11, 12, 13, 14, 15}}, sends[1])

	p2 := plan(2)
	assert.True(t, p2.Collector())
	assert.Equal(t, []int32{4, 5, 6, 7}, p2.Groups())
	assert.Equal(t, []RecvSizeEntry{
		{Peer: 2, Group: 4, Bytes: 128},
		{Peer: 2, Group: 5, Bytes: 128},
		{Peer: 3, Group: 6, Bytes: 128},
		{Peer: 3, Group: 7, Bytes: 128},
	}, p2.RecvSizeEntries())
	for slot, want := range []int{2, 2, 3, 3} {
		desc := p2.ReceiveDescriptors(slot)
		require.Len(t, desc, 8)
		for siteTS, d := range desc {
			assert.Equal(t, ReceiveDescriptor{NodeFrom: want, Linear: siteTS}, d)
		}
	}
	assert.Nil(t, p2.ReceiveDescriptors(4))
	assert.Equal(t, []int{2, 3}, p2.graph.RecvPeers())
	assert.Equal(t, []int{2}, p2.graph.SendPeers())
	assert.NoError(t, p2.Verify())
}

func TestSpatialDecomposition(t *testing.T) {
	latt := partitions.Coord{4, 2, 2, 4}
	grid := partitions.Coord{2, 1, 1, 2}
	params := Params{RangeStart: 1, RangeLength: 3, GroupsPerBlock: 1, NodeStride: 1}
	out := collectAll(t, latt, grid, params, 3)
	for node, n := range map[int]int{0: 1, 1: 1, 2: 1, 3: 0} {
		assert.Len(t, out[node], n, "node %d", node)
	}
}

func TestRangeLengthOne(t *testing.T) {
	params := Params{RangeStart: 5, RangeLength: 1, GroupsPerBlock: 1, NodeStride: 1}
	out := collectAll(t, scenarioLattice, scenarioGrid, params, 1)
	require.Len(t, out[0], 1)
	for _, node := range []int{1, 2, 3} {
		assert.Nil(t, out[node])
	}
	for siteTS := 0; siteTS < 8; siteTS++ {
		assert.Equal(t, float64(0*100+2), out[0][0].At(siteTS, 0))
	}
}

func TestWrappingFullRange(t *testing.T) {
	params := Params{RangeStart: 6, RangeLength: 8, GroupsPerBlock: 2, NodeStride: 1}
	out := collectAll(t, scenarioLattice, scenarioGrid, params, 2)
	for node := 0; node < 4; node++ {
		require.Len(t, out[node], 2)
	}
	// Group 0 is slice 6, owned by node 3
	assert.Equal(t, float64(3), out[0][0].At(0, 0))
	assert.Equal(t, float64(6*8), out[0][0].At(0, 1))
}

func TestPartialLastBlock(t *testing.T) {
	params := Params{RangeStart: 0, RangeLength: 7, GroupsPerBlock: 2, NodeStride: 1}
	out := collectAll(t, scenarioLattice, scenarioGrid, params, 1)
	require.Len(t, out[3], 1)
	assert.Equal(t, float64(6*100+3), out[3][0].At(0, 0))
}

func TestSingleNode(t *testing.T) {
	latt := partitions.Coord{2, 2, 2, 4}
	grid := partitions.Coord{1, 1, 1, 1}
	params := Params{RangeStart: 1, RangeLength: 4, GroupsPerBlock: 4, NodeStride: 1}
	out := collectAll(t, latt, grid, params, 2)
	require.Len(t, out[0], 4)
}

func TestPlanReuse(t *testing.T) {
	other := Params{RangeStart: 2, RangeLength: 4, GroupsPerBlock: 1, NodeStride: 1}
	runPlans(t, scenarioLattice, scenarioGrid, scenarioParams, 2, func(ctx context.Context, p *Plan) error {
		src := FillIdentity(p.layout, scenarioParams, 2)
		for iter := 0; iter < 3; iter++ {
			scaled := mat.DenseCopyOf(src)
			scaled.Scale(float64(iter+1), src)
			out, err := p.Execute(ctx, scaled)
			if err != nil {
				return err
			}
			if p.State() != Finalized {
				return errors.Errorf("state %s after execute", p.State())
			}
			for slot, m := range out {
				group := p.Groups()[slot]
				owner := int(group) / 2
				if got, want := m.At(0, 0), float64(iter+1)*float64(int(group)*100+owner); got != want {
					return errors.Errorf("iteration %d slot %d: got %v, want %v", iter, slot, got, want)
				}
			}
		}

		// The same parameters keep the finalized buffers
		if err := p.Prepare(scenarioParams); err != nil {
			return err
		}
		if p.State() != Finalized {
			return errors.Errorf("state %s after repeated prepare", p.State())
		}

		if err := p.Prepare(other); err != nil {
			return err
		}
		if p.State() != Prepared {
			return errors.Errorf("state %s after new prepare", p.State())
		}
		out, err := p.Execute(ctx, FillIdentity(p.layout, other, 2))
		if err != nil {
			return err
		}
		return VerifyIdentity(p.layout, other, out)
	})
}

func TestPlanErrors(t *testing.T) {
	f, err := transport.NewFabric(4)
	require.NoError(t, err)
	defer f.Close()
	ep, err := f.Endpoint(1)
	require.NoError(t, err)
	l, err := partitions.NewLayout(scenarioLattice, scenarioGrid, 0)
	require.NoError(t, err)

	_, err = NewPlan(l, ep)
	assert.Error(t, err, "rank mismatch")

	ep0, err := f.Endpoint(0)
	require.NoError(t, err)
	_, err = NewPlan(l, ep0, WithComponents(0))
	assert.Error(t, err)

	p, err := NewPlan(l, ep0)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Components())

	_, err = p.Execute(testContext(t), mat.NewDense(16, 1, nil))
	assert.True(t, errors.Is(err, ErrNotPrepared))

	err = p.Prepare(Params{RangeStart: 0, RangeLength: 8, GroupsPerBlock: 2, NodeStride: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collector node 6")
	assert.Equal(t, Unconfigured, p.State())

	require.NoError(t, p.Prepare(scenarioParams))
	_, err = p.Execute(testContext(t), mat.NewDense(16, 2, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field is 16x2, want 16x1")
	assert.Equal(t, Prepared, p.State(), "a rejected field finalizes nothing")
}

func TestVerifyDetectsBrokenTables(t *testing.T) {
	f, err := transport.NewFabric(4)
	require.NoError(t, err)
	defer f.Close()
	ep, err := f.Endpoint(1)
	require.NoError(t, err)
	l, err := partitions.NewLayout(scenarioLattice, scenarioGrid, 1)
	require.NoError(t, err)
	p, err := NewPlan(l, ep)
	require.NoError(t, err)
	require.NoError(t, p.Prepare(scenarioParams))

	sites := p.sends[0].entries[0].Sites
	sites[3] = -1
	assert.ErrorContains(t, p.Verify(), "slot 3 has no site")

	sites[3] = sites[4]
	assert.ErrorContains(t, p.Verify(), "sent twice")

	sites[3] = 3
	require.NoError(t, p.Verify())
	p.sends[0].entries = p.sends[0].entries[:1]
	assert.ErrorContains(t, p.Verify(), "16 sites in range, 8 sent")
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	runPlans(t, scenarioLattice, scenarioGrid, scenarioParams, 1, func(ctx context.Context, p *Plan) error {
		return p.WriteSummary(ctx, &buf)
	})
	s := buf.String()
	for node := 0; node < 4; node++ {
		assert.Contains(t, s, fmt.Sprintf("node %d: prepared", node))
	}
	assert.Less(t, strings.Index(s, "node 0:"), strings.Index(s, "node 1:"))
	assert.Less(t, strings.Index(s, "node 2:"), strings.Index(s, "node 3:"))
	assert.Contains(t, s, "collects groups [4 5 6 7]")
	assert.Contains(t, s, "send    peer 2 group 7 sites 8")
}

func TestPlanMetrics(t *testing.T) {
	f, err := transport.NewFabric(1)
	require.NoError(t, err)
	defer f.Close()
	ep, err := f.Endpoint(0)
	require.NoError(t, err)
	l, err := partitions.NewLayout(partitions.Coord{2, 2, 2, 4}, partitions.Coord{1, 1, 1, 1}, 0)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m, err := stats.New(reg, 0)
	require.NoError(t, err)
	p, err := NewPlan(l, ep, WithMetrics(m))
	require.NoError(t, err)
	params := Params{RangeStart: 0, RangeLength: 4, GroupsPerBlock: 4, NodeStride: 1}
	require.NoError(t, p.Prepare(params))

	for i := 0; i < 2; i++ {
		_, err = p.Execute(testContext(t), FillIdentity(l, params, 1))
		require.NoError(t, err)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Executions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Exchanges))
	// Self transfers never reach the transport
	assert.Equal(t, 0, testutil.CollectAndCount(m.BytesSent))
	assert.Equal(t, 5, testutil.CollectAndCount(m.StageSeconds), "prepare, finalize, pack, exchange, decode")
}
