package storage

import "github.com/blobgroup/blobgroup/bgs/storage/types"

// KeepStatus is the garbage-collection verdict for one blob.
type KeepStatus struct {
	// KeepData: the blob's data must be preserved.
	KeepData bool
	// KeepByBarrier: the blob is held specifically by a collect barrier, not
	// by a keep flag. Blobs kept only by keep flags may turn out to be
	// phantoms.
	KeepByBarrier bool
}

// BarriersEssence is an immutable digest of the tablet's barrier state,
// valid for the lifetime of the snapshot it came from.
type BarriersEssence interface {
	Keep(id types.BlobId, rec IndexRecord, allowKeepFlags bool) KeepStatus
}
