package partitions

import (
	"github.com/pkg/errors"

	"github.com/notargets/TSCollect/utils"
)

const (
	Nd   = 4      // Lattice dimensions
	TDir = Nd - 1 // Direction along which sites are grouped
)

// Coord is a global lattice coordinate (x, y, z, t)
type Coord [Nd]int

// Layout describes the regular decomposition of the global lattice over a
// grid of nodes, as seen from one node. Every node can evaluate ownership of
// any coordinate with arithmetic alone.
type Layout struct {
	// Global sizing information
	LattSize Coord // Global lattice extents
	NodeGrid Coord // Nodes along each dimension

	// Per-node sizing information
	SubgridLattSize Coord // Extents of the region owned by one node
	NumNodes        int

	node int // The node this view belongs to
}

// NewLayout creates the view of the decomposition from node
func NewLayout(lattSize, nodeGrid Coord, node int) (*Layout, error) {
	l := &Layout{
		LattSize: lattSize,
		NodeGrid: nodeGrid,
		node:     node,
	}
	if err := utils.CheckExtents(nodeGrid[:]); err != nil {
		return nil, errors.Wrapf(err, "invalid node grid %v", nodeGrid)
	}
	l.NumNodes = utils.Volume(nodeGrid[:])
	for mu := 0; mu < Nd; mu++ {
		l.SubgridLattSize[mu] = lattSize[mu] / nodeGrid[mu]
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Validate checks decomposition consistency
func (l *Layout) Validate() error {
	if err := utils.CheckExtents(l.LattSize[:]); err != nil {
		return errors.Wrapf(err, "invalid lattice %v", l.LattSize)
	}
	for mu := 0; mu < Nd; mu++ {
		if l.NodeGrid[mu] <= 0 || l.LattSize[mu]%l.NodeGrid[mu] != 0 {
			return errors.Errorf("lattice extent %d in dimension %d not divisible by node grid extent %d",
				l.LattSize[mu], mu, l.NodeGrid[mu])
		}
		if l.SubgridLattSize[mu]*l.NodeGrid[mu] != l.LattSize[mu] {
			return errors.Errorf("subgrid extent %d in dimension %d inconsistent with lattice %v and node grid %v",
				l.SubgridLattSize[mu], mu, l.LattSize, l.NodeGrid)
		}
	}
	if l.NumNodes != utils.Volume(l.NodeGrid[:]) {
		return errors.Errorf("NumNodes %d != node grid volume %d", l.NumNodes, utils.Volume(l.NodeGrid[:]))
	}
	if l.node < 0 || l.node >= l.NumNodes {
		return errors.Errorf("node %d outside [0, %d)", l.node, l.NumNodes)
	}
	return nil
}

// WithNode returns the same decomposition as seen from node n
func (l *Layout) WithNode(n int) (*Layout, error) {
	if n < 0 || n >= l.NumNodes {
		return nil, errors.Errorf("node %d outside [0, %d)", n, l.NumNodes)
	}
	view := *l
	view.node = n
	return &view, nil
}

// ThisNode returns the node this view belongs to
func (l *Layout) ThisNode() int { return l.node }

// IsThisNode reports whether n is the node this view belongs to
func (l *Layout) IsThisNode(n int) bool { return n == l.node }

// Nt returns the global extent of the grouping direction
func (l *Layout) Nt() int { return l.LattSize[TDir] }

// Vol returns the global number of sites
func (l *Layout) Vol() int { return utils.Volume(l.LattSize[:]) }

// SubgridVol returns the number of sites owned by one node
func (l *Layout) SubgridVol() int { return utils.Volume(l.SubgridLattSize[:]) }

// SliceVol returns the global number of sites in one time slice
func (l *Layout) SliceVol() int { return utils.Volume(l.LattSize[:TDir]) }

// SubgridSliceVol returns the number of sites one node owns in one time slice
func (l *Layout) SubgridSliceVol() int { return utils.Volume(l.SubgridLattSize[:TDir]) }

// NodeCoord returns the position of node n in the node grid
func (l *Layout) NodeCoord(n int) (nc Coord) {
	copy(nc[:], utils.Crtesn(n, l.NodeGrid[:]))
	return
}

// NodeNumber returns the node owning coordinate c
func (l *Layout) NodeNumber(c Coord) int {
	var nc Coord
	for mu := 0; mu < Nd; mu++ {
		nc[mu] = c[mu] / l.SubgridLattSize[mu]
	}
	return utils.LocalSite(nc[:], l.NodeGrid[:])
}

// LinearSiteIndex returns the index of c within its owner's subgrid
func (l *Layout) LinearSiteIndex(c Coord) int {
	var lc Coord
	for mu := 0; mu < Nd; mu++ {
		lc[mu] = c[mu] % l.SubgridLattSize[mu]
	}
	return utils.LocalSite(lc[:], l.SubgridLattSize[:])
}

// SubgridSliceIndex returns the index of c within its owner's part of the
// time slice c lies in
func (l *Layout) SubgridSliceIndex(c Coord) int {
	var lc [TDir]int
	for mu := 0; mu < TDir; mu++ {
		lc[mu] = c[mu] % l.SubgridLattSize[mu]
	}
	return utils.LocalSite(lc[:], l.SubgridLattSize[:TDir])
}

// SiteCoord returns the global coordinate of local site linear on node n
func (l *Layout) SiteCoord(n, linear int) (c Coord) {
	nc := l.NodeCoord(n)
	lc := utils.Crtesn(linear, l.SubgridLattSize[:])
	for mu := 0; mu < Nd; mu++ {
		c[mu] = nc[mu]*l.SubgridLattSize[mu] + lc[mu]
	}
	return
}

// SliceCoord returns the global coordinate of spatial site siteTS in time
// slice t
func (l *Layout) SliceCoord(siteTS, t int) (c Coord) {
	copy(c[:TDir], utils.Crtesn(siteTS, l.LattSize[:TDir]))
	c[TDir] = t
	return
}

// Destination returns the collecting node for a group key. It is the only
// placement policy: groups are bucketed into blocks of groupsPerBlock and
// block b is collected by node b*nodeStride.
func Destination(group, groupsPerBlock, nodeStride int) int {
	return (group / groupsPerBlock) * nodeStride
}
