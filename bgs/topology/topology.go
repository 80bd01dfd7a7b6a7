package topology

import (
	"fmt"

	"github.com/blobgroup/blobgroup/bgs/storage/types"
)

// Topology describes the fixed disk layout of one storage group:
// NumRings x NumFailDomainsPerRing x NumDisksPerFailDomain disks, identified
// by their stable order number within the group's disk vector.
type Topology struct {
	GType                 types.GroupType
	NumRings              int
	NumFailDomainsPerRing int
	NumDisksPerFailDomain int
}

func NewTopology(gtype types.GroupType) *Topology {
	switch gtype {
	case types.GroupTypeMirror3dc:
		return &Topology{GType: gtype, NumRings: 3, NumFailDomainsPerRing: 3, NumDisksPerFailDomain: 1}
	case types.GroupTypeBlock42:
		return &Topology{GType: gtype, NumRings: 1, NumFailDomainsPerRing: 8, NumDisksPerFailDomain: 1}
	}
	panic(fmt.Sprintf("unknown group type %v", gtype))
}

func (t *Topology) TotalDisks() int {
	return t.NumRings * t.NumFailDomainsPerRing * t.NumDisksPerFailDomain
}

func (t *Topology) SubgroupSize() int {
	return t.GType.SubgroupSize()
}

func (t *Topology) orderNumber(ring, domain, disk int) uint32 {
	return uint32((ring*t.NumFailDomainsPerRing+domain)*t.NumDisksPerFailDomain + disk)
}

// RingOf is the ring (data center) a disk belongs to.
func (t *Topology) RingOf(orderNum uint32) int {
	return int(orderNum) / (t.NumFailDomainsPerRing * t.NumDisksPerFailDomain)
}

// PickSubgroup deterministically maps a blob hash onto its subgroup. The
// result is ordered so that position i lives in ring i%NumRings; the first
// NumRings positions are the main replicas, the rest are handoff.
func (t *Topology) PickSubgroup(hash uint32) []uint32 {
	orderNums := make([]uint32, 0, t.SubgroupSize())
	domainsPerPos := t.SubgroupSize() / t.NumRings
	for k := 0; k < domainsPerPos; k++ {
		for r := 0; r < t.NumRings; r++ {
			rot := int(hash>>(uint(r)*8)) % t.NumFailDomainsPerRing
			domain := (rot + k) % t.NumFailDomainsPerRing
			disk := int(hash>>24) % t.NumDisksPerFailDomain
			orderNums = append(orderNums, t.orderNumber(r, domain, disk))
		}
	}
	return orderNums
}

// SubgroupIndexOf finds the position of the given disk in the blob's
// subgroup, or -1 when the disk is not part of it.
func (t *Topology) SubgroupIndexOf(id types.BlobId, orderNum uint32) int {
	for idx, on := range t.PickSubgroup(id.Hash()) {
		if on == orderNum {
			return idx
		}
	}
	return -1
}

// HandleClass distinguishes queue priorities when predicting per-disk delay.
type HandleClass uint8

const (
	HandleClassAsyncRead HandleClass = iota
	HandleClassFastRead
	HandleClassDiscover
	HandleClassLowRead
)

// DelayOracle predicts per-disk request latency from queue state; backed by
// the peer transport's flow-control statistics.
type DelayOracle interface {
	PredictedDelayNs(orderNum uint32, class HandleClass) uint64
}
