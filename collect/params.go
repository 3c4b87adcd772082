package collect

import (
	"github.com/pkg/errors"

	"github.com/notargets/TSCollect/partitions"
)

// Params selects the time range to redistribute and how its slices are
// grouped onto collecting nodes
type Params struct {
	RangeStart     int // First time slice of the range
	RangeLength    int // Number of time slices, wrapping around Nt
	GroupsPerBlock int // Consecutive groups collected by one node
	NodeStride     int // Node distance between consecutive collectors
}

// Validate checks the parameters against the layout. The highest collector
// must exist; nothing else is assumed about how the stride relates to the
// node grid.
func (p Params) Validate(l *partitions.Layout) error {
	nt := l.Nt()
	switch {
	case p.RangeStart < 0 || p.RangeStart >= nt:
		return errors.Errorf("range start %d outside [0, %d)", p.RangeStart, nt)
	case p.RangeLength < 1 || p.RangeLength > nt:
		return errors.Errorf("range length %d outside [1, %d]", p.RangeLength, nt)
	case p.GroupsPerBlock < 1:
		return errors.Errorf("groups per block %d must be positive", p.GroupsPerBlock)
	case p.NodeStride < 1:
		return errors.Errorf("node stride %d must be positive", p.NodeStride)
	}
	if last := p.Destination(p.RangeLength - 1); last >= l.NumNodes {
		return errors.Errorf("%d blocks of %d groups with node stride %d need collector node %d, only %d nodes",
			p.Blocks(), p.GroupsPerBlock, p.NodeStride, last, l.NumNodes)
	}
	return nil
}

// Group returns the group key of time slice t and whether t lies in the range
func (p Params) Group(t, nt int) (int, bool) {
	group := (t - p.RangeStart + nt) % nt
	return group, group < p.RangeLength
}

// TimeSlice is the inverse of Group
func (p Params) TimeSlice(group, nt int) int {
	return (group + p.RangeStart) % nt
}

// Destination returns the collector of group
func (p Params) Destination(group int) int {
	return partitions.Destination(group, p.GroupsPerBlock, p.NodeStride)
}

// Blocks returns the number of collectors
func (p Params) Blocks() int {
	return (p.RangeLength + p.GroupsPerBlock - 1) / p.GroupsPerBlock
}

// CollectorGroups returns the groups collected by node, in slot order. It is
// empty for nodes that collect nothing; the last block may be partial.
func (p Params) CollectorGroups(node int) []int {
	if node%p.NodeStride != 0 {
		return nil
	}
	block := node / p.NodeStride
	if block >= p.Blocks() {
		return nil
	}
	var groups []int
	for h := 0; h < p.GroupsPerBlock; h++ {
		group := block*p.GroupsPerBlock + h
		if group >= p.RangeLength {
			break
		}
		groups = append(groups, group)
	}
	return groups
}
