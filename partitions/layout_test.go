package partitions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLayoutValidation(t *testing.T) {
	tests := []struct {
		name     string
		lattSize Coord
		nodeGrid Coord
		node     int
		wantErr  bool
	}{
		{"Valid", Coord{4, 4, 4, 8}, Coord{1, 1, 2, 2}, 3, false},
		{"SingleNode", Coord{2, 2, 2, 2}, Coord{1, 1, 1, 1}, 0, false},
		{"NotDivisible", Coord{4, 4, 4, 6}, Coord{1, 1, 1, 4}, 0, true},
		{"ZeroGrid", Coord{4, 4, 4, 4}, Coord{1, 0, 1, 1}, 0, true},
		{"ZeroLattice", Coord{4, 0, 4, 4}, Coord{1, 1, 1, 1}, 0, true},
		{"NodeOutOfRange", Coord{4, 4, 4, 4}, Coord{1, 1, 1, 2}, 2, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l, err := NewLayout(tc.lattSize, tc.nodeGrid, tc.node)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.node, l.ThisNode())
		})
	}
}

func TestLayoutSizes(t *testing.T) {
	l, err := NewLayout(Coord{4, 6, 2, 8}, Coord{2, 1, 1, 4}, 0)
	require.NoError(t, err)

	assert.Equal(t, Coord{2, 6, 2, 2}, l.SubgridLattSize)
	assert.Equal(t, 8, l.NumNodes)
	assert.Equal(t, 4*6*2*8, l.Vol())
	assert.Equal(t, 2*6*2*2, l.SubgridVol())
	assert.Equal(t, 4*6*2, l.SliceVol())
	assert.Equal(t, 2*6*2, l.SubgridSliceVol())
	assert.Equal(t, 8, l.Nt())
}

func TestLayoutOwnershipPartitionsLattice(t *testing.T) {
	l, err := NewLayout(Coord{4, 2, 2, 8}, Coord{2, 1, 1, 2}, 0)
	require.NoError(t, err)

	// Every (node, linear) pair is hit exactly once and SiteCoord inverts it
	hits := make(map[[2]int]int)
	for site := 0; site < l.Vol(); site++ {
		c := l.SliceCoord(site%l.SliceVol(), site/l.SliceVol())
		node := l.NodeNumber(c)
		linear := l.LinearSiteIndex(c)
		require.True(t, node >= 0 && node < l.NumNodes)
		require.True(t, linear >= 0 && linear < l.SubgridVol())
		hits[[2]int{node, linear}]++
		assert.Equal(t, c, l.SiteCoord(node, linear))
	}
	assert.Len(t, hits, l.Vol())
	for k, n := range hits {
		assert.Equal(t, 1, n, "site %v", k)
	}
}

func TestLayoutNodeNumbering(t *testing.T) {
	l, err := NewLayout(Coord{2, 2, 2, 8}, Coord{1, 1, 1, 4}, 0)
	require.NoError(t, err)

	// Time-only decomposition: node n owns time slices [2n, 2n+2)
	for tt := 0; tt < 8; tt++ {
		assert.Equal(t, tt/2, l.NodeNumber(Coord{1, 0, 1, tt}))
	}
	assert.Equal(t, Coord{0, 0, 0, 3}, l.NodeCoord(3))
}

func TestSubgridSliceIndex(t *testing.T) {
	l, err := NewLayout(Coord{4, 2, 2, 4}, Coord{2, 1, 1, 2}, 0)
	require.NoError(t, err)

	// Same spatial position in different slices shares the index
	a := l.SubgridSliceIndex(Coord{3, 1, 0, 0})
	b := l.SubgridSliceIndex(Coord{3, 1, 0, 3})
	assert.Equal(t, a, b)
	assert.Equal(t, 1+2*1, a)
	assert.Less(t, a, l.SubgridSliceVol())
}

func TestWithNode(t *testing.T) {
	l, err := NewLayout(Coord{2, 2, 2, 4}, Coord{1, 1, 1, 2}, 0)
	require.NoError(t, err)

	v, err := l.WithNode(1)
	require.NoError(t, err)
	assert.True(t, v.IsThisNode(1))
	assert.True(t, l.IsThisNode(0))

	_, err = l.WithNode(2)
	assert.Error(t, err)
}

func TestDestination(t *testing.T) {
	// 8 groups, 4 per block, stride 2
	want := []int{0, 0, 0, 0, 2, 2, 2, 2}
	for g, w := range want {
		assert.Equal(t, w, Destination(g, 4, 2), "group %d", g)
	}
	assert.Equal(t, 5, Destination(5, 1, 1))
	assert.Equal(t, 3, Destination(6, 2, 1))
}
