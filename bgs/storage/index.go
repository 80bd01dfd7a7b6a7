package storage

import (
	"context"

	"github.com/blobgroup/blobgroup/bgs/storage/types"
	"github.com/google/btree"
)

// IndexRecord is one local-index entry: the blob id plus the placement
// metadata merged over all writes seen for it.
type IndexRecord struct {
	Id      types.BlobId
	Ingress types.Ingress
}

func (r IndexRecord) Less(than btree.Item) bool {
	return r.Id.Less(than.(IndexRecord).Id)
}

// IndexSnapshot is a consistent, immutable view of the local blob index.
type IndexSnapshot struct {
	tree *btree.BTree
}

func NewIndexSnapshot() *IndexSnapshot {
	return &IndexSnapshot{tree: btree.New(32)}
}

// Insert is only valid while the snapshot is being built.
func (s *IndexSnapshot) Insert(rec IndexRecord) {
	s.tree.ReplaceOrInsert(rec)
}

func (s *IndexSnapshot) Len() int {
	return s.tree.Len()
}

// Get looks up the record for an exact blob id.
func (s *IndexSnapshot) Get(id types.BlobId) (IndexRecord, bool) {
	item := s.tree.Get(IndexRecord{Id: id})
	if item == nil {
		return IndexRecord{}, false
	}
	return item.(IndexRecord), true
}

// AscendFrom visits records with id >= start in ascending id order until f
// returns false.
func (s *IndexSnapshot) AscendFrom(start types.BlobId, f func(rec IndexRecord) bool) {
	s.tree.AscendGreaterOrEqual(IndexRecord{Id: start}, func(item btree.Item) bool {
		return f(item.(IndexRecord))
	})
}

// Snapshot bundles the index view with the garbage-collection state taken at
// the same instant.
type Snapshot struct {
	Index          *IndexSnapshot
	Barriers       BarriersEssence
	AllowKeepFlags bool
}

// SnapshotSource produces fresh consistent snapshots; owned by the local
// index keeper.
type SnapshotSource interface {
	TakeSnapshot(ctx context.Context) (*Snapshot, error)
}
