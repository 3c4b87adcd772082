package partitions

import (
	"github.com/pkg/errors"

	"github.com/notargets/TSCollect/utils"
)

// LayoutBuilder constructs a Layout from lattice extents and a node count
type LayoutBuilder struct {
	LattSize Coord
	NumNodes int

	// NodeGrid, when set, is validated and used as is
	NodeGrid *Coord
}

// BuildLayout creates the decomposition as seen from node
func (lb *LayoutBuilder) BuildLayout(node int) (*Layout, error) {
	if lb.NodeGrid != nil {
		if lb.NumNodes != 0 && utils.Volume(lb.NodeGrid[:]) != lb.NumNodes {
			return nil, errors.Errorf("node grid %v holds %d nodes, want %d",
				*lb.NodeGrid, utils.Volume(lb.NodeGrid[:]), lb.NumNodes)
		}
		return NewLayout(lb.LattSize, *lb.NodeGrid, node)
	}

	nodeGrid, err := lb.calculateNodeGrid()
	if err != nil {
		return nil, err
	}
	return NewLayout(lb.LattSize, nodeGrid, node)
}

// calculateNodeGrid assigns prime factors of NumNodes, largest first, to the
// dimension with the largest remaining subgrid extent divisible by the
// factor. Ties go to the higher dimension so the grouping direction is split
// first.
func (lb *LayoutBuilder) calculateNodeGrid() (Coord, error) {
	var nodeGrid Coord
	if lb.NumNodes <= 0 {
		return nodeGrid, errors.Errorf("node count %d must be positive", lb.NumNodes)
	}
	if err := utils.CheckExtents(lb.LattSize[:]); err != nil {
		return nodeGrid, errors.Wrapf(err, "invalid lattice %v", lb.LattSize)
	}

	sub := lb.LattSize
	for mu := range nodeGrid {
		nodeGrid[mu] = 1
	}

	for _, p := range utils.PrimeFactors(lb.NumNodes) {
		best := -1
		for mu := Nd - 1; mu >= 0; mu-- {
			if sub[mu]%p != 0 {
				continue
			}
			if best < 0 || sub[mu] > sub[best] {
				best = mu
			}
		}
		if best < 0 {
			return nodeGrid, errors.Errorf("cannot distribute %d nodes over lattice %v: factor %d divides no remaining extent %v",
				lb.NumNodes, lb.LattSize, p, sub)
		}
		sub[best] /= p
		nodeGrid[best] *= p
	}
	return nodeGrid, nil
}
