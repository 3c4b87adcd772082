package collect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/TSCollect/partitions"
)

func TestParamsValidate(t *testing.T) {
	l, err := partitions.NewLayout(partitions.Coord{2, 2, 2, 8}, partitions.Coord{1, 1, 1, 4}, 0)
	require.NoError(t, err)

	tests := []struct {
		name    string
		p       Params
		wantErr bool
	}{
		{"Scenario", Params{0, 8, 4, 2}, false},
		{"SingleGroup", Params{5, 1, 1, 1}, false},
		{"Wrapping", Params{6, 4, 2, 1}, false},
		{"PartialLastBlock", Params{0, 7, 2, 1}, false},
		{"StartOutOfRange", Params{8, 1, 1, 1}, true},
		{"NegativeStart", Params{-1, 1, 1, 1}, true},
		{"ZeroLength", Params{0, 0, 1, 1}, true},
		{"TooLong", Params{0, 9, 1, 1}, true},
		{"ZeroGroups", Params{0, 8, 0, 1}, true},
		{"ZeroStride", Params{0, 8, 4, 0}, true},
		{"CollectorMissing", Params{0, 8, 2, 2}, true}, // needs node 6
		{"TooManyBlocks", Params{0, 8, 1, 1}, true},    // needs node 7
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate(l)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParamsGroupWraps(t *testing.T) {
	p := Params{RangeStart: 6, RangeLength: 4, GroupsPerBlock: 2, NodeStride: 1}
	const nt = 8
	want := map[int]int{6: 0, 7: 1, 0: 2, 1: 3}
	for tt := 0; tt < nt; tt++ {
		g, ok := p.Group(tt, nt)
		w, in := want[tt]
		assert.Equal(t, in, ok, "t=%d", tt)
		if in {
			assert.Equal(t, w, g, "t=%d", tt)
			assert.Equal(t, tt, p.TimeSlice(g, nt))
		}
	}
}

func TestParamsFullRange(t *testing.T) {
	p := Params{RangeStart: 3, RangeLength: 8, GroupsPerBlock: 8, NodeStride: 1}
	for tt := 0; tt < 8; tt++ {
		_, ok := p.Group(tt, 8)
		assert.True(t, ok)
	}
}

func TestCollectorGroups(t *testing.T) {
	p := Params{RangeStart: 0, RangeLength: 8, GroupsPerBlock: 4, NodeStride: 2}
	assert.Equal(t, []int{0, 1, 2, 3}, p.CollectorGroups(0))
	assert.Nil(t, p.CollectorGroups(1))
	assert.Equal(t, []int{4, 5, 6, 7}, p.CollectorGroups(2))
	assert.Nil(t, p.CollectorGroups(3))
	assert.Equal(t, 2, p.Blocks())

	partial := Params{RangeStart: 0, RangeLength: 5, GroupsPerBlock: 2, NodeStride: 1}
	assert.Equal(t, 3, partial.Blocks())
	assert.Equal(t, []int{4}, partial.CollectorGroups(2))
	assert.Nil(t, partial.CollectorGroups(3))
}
