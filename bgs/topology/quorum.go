package topology

import (
	"fmt"

	"github.com/blobgroup/blobgroup/bgs/storage/types"
)

// SubgroupBitmap is a set of subgroup disk positions, bit i for position i.
type SubgroupBitmap uint32

func (b SubgroupBitmap) With(idx int) SubgroupBitmap {
	return b | 1<<uint(idx)
}

func (b SubgroupBitmap) Has(idx int) bool {
	return b&(1<<uint(idx)) != 0
}

func (b SubgroupBitmap) Count() (n int) {
	for v := b; v != 0; v &= v - 1 {
		n++
	}
	return
}

// QuorumChecker decides the group's failure-model and write-quorum
// predicates over subgroup-disk bitmaps.
type QuorumChecker interface {
	// CheckFailModelForSubgroup reports whether the failed set is tolerable
	// by the group's erasure scheme.
	CheckFailModelForSubgroup(failed SubgroupBitmap) bool
	// CheckQuorumForSubgroup reports whether the set of disks could
	// constitute a successful write quorum.
	CheckQuorumForSubgroup(possiblyWritten SubgroupBitmap) bool
}

func (t *Topology) QuorumChecker() QuorumChecker {
	switch t.GType {
	case types.GroupTypeMirror3dc:
		return &mirror3dcQuorumChecker{top: t}
	case types.GroupTypeBlock42:
		return &block42QuorumChecker{top: t}
	}
	panic(fmt.Sprintf("no quorum checker for group type %v", t.GType))
}

// mirror3dcQuorumChecker: the subgroup survives losing one whole ring plus
// one more disk in any other ring.
type mirror3dcQuorumChecker struct {
	top *Topology
}

func (c *mirror3dcQuorumChecker) CheckFailModelForSubgroup(failed SubgroupBitmap) bool {
	perRing := make([]int, c.top.NumRings)
	total := 0
	for idx := 0; idx < c.top.SubgroupSize(); idx++ {
		if failed.Has(idx) {
			perRing[idx%c.top.NumRings]++
			total++
		}
	}
	worst := 0
	for _, n := range perRing {
		if n > worst {
			worst = n
		}
	}
	return total-worst <= 1
}

func (c *mirror3dcQuorumChecker) CheckQuorumForSubgroup(possiblyWritten SubgroupBitmap) bool {
	return c.CheckFailModelForSubgroup(c.complement(possiblyWritten))
}

func (c *mirror3dcQuorumChecker) complement(b SubgroupBitmap) SubgroupBitmap {
	var r SubgroupBitmap
	for idx := 0; idx < c.top.SubgroupSize(); idx++ {
		if !b.Has(idx) {
			r = r.With(idx)
		}
	}
	return r
}

// block42QuorumChecker: 4 data + 2 parity parts, tolerates two failures.
type block42QuorumChecker struct {
	top *Topology
}

func (c *block42QuorumChecker) CheckFailModelForSubgroup(failed SubgroupBitmap) bool {
	return failed.Count() <= c.top.GType.ParityParts()
}

func (c *block42QuorumChecker) CheckQuorumForSubgroup(possiblyWritten SubgroupBitmap) bool {
	failed := SubgroupBitmap(0)
	for idx := 0; idx < c.top.SubgroupSize(); idx++ {
		if !possiblyWritten.Has(idx) {
			failed = failed.With(idx)
		}
	}
	return c.CheckFailModelForSubgroup(failed)
}
