package types

// Ingress is the per-blob metadata a replica keeps about part placement:
// which parts each subgroup disk is known to hold, which parts are present in
// the local index, and which extra parts were handed off to this disk.
type Ingress struct {
	KnownPartsPerDisk [MaxSubgroupSize]PartsBitmap
	Local             PartsBitmap
	Handoff           PartsBitmap
}

// PartsWeMustHaveLocally is the set of parts the disk at the given subgroup
// position is supposed to hold. For the ring-mapped flavors the main part
// index equals the position's ring; handoff parts come on top of that.
func (ing Ingress) PartsWeMustHaveLocally(gtype GroupType, subgroupIdx int) PartsBitmap {
	numRings := gtype.TotalPartCount()
	main := NewPartsBitmap(subgroupIdx % numRings)
	return main.Or(ing.Handoff)
}

// LocalParts is the set of parts already present in the local index.
func (ing Ingress) LocalParts(gtype GroupType) PartsBitmap {
	return ing.Local
}

// KnownParts is the set of parts the given subgroup disk is known to hold,
// used to size expected proxy replies.
func (ing Ingress) KnownParts(gtype GroupType, subgroupIdx int) PartsBitmap {
	if subgroupIdx < 0 || subgroupIdx >= MaxSubgroupSize {
		return 0
	}
	return ing.KnownPartsPerDisk[subgroupIdx]
}
