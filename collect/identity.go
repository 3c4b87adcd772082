package collect

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/TSCollect/partitions"
	"github.com/notargets/TSCollect/utils"
)

// identityValue returns the value FillIdentity stores for component k of
// site c with the given group and owner
func identityValue(l *partitions.Layout, c partitions.Coord, group, owner, k int) float64 {
	if k == 0 {
		return float64(group*100 + owner)
	}
	global := utils.LocalSite(c[:], l.LattSize[:])
	return float64(global + (k-1)*l.Vol())
}

// FillIdentity builds a local field that identifies its origin: component 0
// holds group*100+node and component k>0 holds the global site index offset
// by (k-1) lattice volumes. Sites outside the range carry group -1.
func FillIdentity(l *partitions.Layout, params Params, components int) *mat.Dense {
	me := l.ThisNode()
	field := mat.NewDense(l.SubgridVol(), components, nil)
	for linear := 0; linear < l.SubgridVol(); linear++ {
		c := l.SiteCoord(me, linear)
		group, ok := params.Group(c[partitions.TDir], l.Nt())
		if !ok {
			group = -1
		}
		for k := 0; k < components; k++ {
			field.Set(linear, k, identityValue(l, c, group, me, k))
		}
	}
	return field
}

// VerifyIdentity checks the output of Execute on a FillIdentity field: every
// collected slot holds its time slice complete, each site carrying the value
// its owner filled in.
func VerifyIdentity(l *partitions.Layout, params Params, out []*mat.Dense) error {
	groups := params.CollectorGroups(l.ThisNode())
	if len(out) != len(groups) {
		return errors.Errorf("node %d: %d outputs, collects %d groups", l.ThisNode(), len(out), len(groups))
	}
	for slot, group := range groups {
		ts := params.TimeSlice(group, l.Nt())
		rows, comps := out[slot].Dims()
		if rows != l.SliceVol() {
			return errors.Errorf("node %d: slot %d has %d sites, want %d", l.ThisNode(), slot, rows, l.SliceVol())
		}
		for siteTS := 0; siteTS < rows; siteTS++ {
			c := l.SliceCoord(siteTS, ts)
			owner := l.NodeNumber(c)
			for k := 0; k < comps; k++ {
				want := identityValue(l, c, group, owner, k)
				if got := out[slot].At(siteTS, k); got != want {
					return errors.Errorf("node %d: group %d site %v component %d is %v, want %v",
						l.ThisNode(), group, c, k, got, want)
				}
			}
		}
	}
	return nil
}
