package types

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

type TabletId uint64
type Generation uint32
type Step uint32
type Cookie uint32
type Channel uint8

// BlobId uniquely identifies one immutable blob within a group.
type BlobId struct {
	TabletId   TabletId
	Generation Generation
	Step       Step
	Cookie     Cookie
	Channel    Channel
	BlobSize   uint32
}

const BlobIdSize = 8 + 4 + 4 + 4 + 1 + 4

func (id BlobId) IsZero() bool {
	return id == BlobId{}
}

func (id BlobId) ToBytes(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], uint64(id.TabletId))
	binary.BigEndian.PutUint32(b[8:12], uint32(id.Generation))
	binary.BigEndian.PutUint32(b[12:16], uint32(id.Step))
	binary.BigEndian.PutUint32(b[16:20], uint32(id.Cookie))
	b[20] = byte(id.Channel)
	binary.BigEndian.PutUint32(b[21:25], id.BlobSize)
}

// Hash maps the blob onto its subgroup; it must stay stable across releases
// because every node derives the same subgroup from it.
func (id BlobId) Hash() uint32 {
	var b [BlobIdSize]byte
	id.ToBytes(b[:])
	h := fnv.New32a()
	h.Write(b[:])
	return h.Sum32()
}

// Less orders blobs the way the local index does: by tablet, channel,
// generation, step, cookie.
func (id BlobId) Less(other BlobId) bool {
	if id.TabletId != other.TabletId {
		return id.TabletId < other.TabletId
	}
	if id.Channel != other.Channel {
		return id.Channel < other.Channel
	}
	if id.Generation != other.Generation {
		return id.Generation < other.Generation
	}
	if id.Step != other.Step {
		return id.Step < other.Step
	}
	return id.Cookie < other.Cookie
}

func (id BlobId) String() string {
	return fmt.Sprintf("[%d:%d:%d:%d:%d:%d]",
		id.TabletId, id.Generation, id.Step, id.Channel, id.Cookie, id.BlobSize)
}

// PartId is a BlobId plus a 1-based part index.
type PartId struct {
	BlobId
	PartIdx uint8
}

func NewPartId(id BlobId, partIdx uint8) PartId {
	return PartId{BlobId: id, PartIdx: partIdx}
}

func (p PartId) String() string {
	return fmt.Sprintf("[%d:%d:%d:%d:%d:%d:%d]",
		p.TabletId, p.Generation, p.Step, p.Channel, p.Cookie, p.BlobSize, p.PartIdx)
}
