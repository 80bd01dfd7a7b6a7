package repl

import (
	"context"

	"github.com/blobgroup/blobgroup/bgs/storage/types"
	"github.com/blobgroup/blobgroup/bgs/util"
)

// ReplyStatus is the per-item status a peer disk or the cluster GET path
// reports for one blob or part.
type ReplyStatus uint8

const (
	StatusOK ReplyStatus = iota
	StatusNoData
	StatusNotYet
	StatusError
)

func (s ReplyStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNoData:
		return "NODATA"
	case StatusNotYet:
		return "NOT_YET"
	case StatusError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Event is a message delivered into a job's mailbox. Concrete event types
// are dispatched by type switch in the job's receive loop.
type Event interface{}

// Mailbox accepts events for a running job. Deliver returns false once the
// job has terminated; senders must not block on a dead job.
type Mailbox interface {
	Deliver(ev Event) bool
}

// PlanFinished: the planner hands over the filled recovery machine.
type PlanFinished struct {
	Machine *RecoveryMachine
	LastKey types.BlobId
	Eof     bool
}

// Resume is the admission-control token permitting the job to start moving
// data.
type Resume struct{}

// ProxyItem is one (part, status, data) tuple streamed by a peer proxy.
type ProxyItem struct {
	Id     types.PartId
	Status ReplyStatus
	Data   []byte
}

// ProxyNextResult carries the next run of items from one peer proxy.
type ProxyNextResult struct {
	ProxyIdx int
	Items    []ProxyItem
	Eof      bool
}

type ChunkReserveResult struct {
	ChunkIds []uint32
	Err      error
}

type ChunkWriteResult struct {
	ChunkIdx uint32
	Err      error
}

type AddBulkSstResult struct {
	Err error
}

type HugeBlobWriteResult struct {
	Id  types.PartId
	Err error
}

type PhantomResponse struct {
	Id               types.BlobId
	Status           ReplyStatus
	LooksLikePhantom bool
}

// PhantomGetResult answers one batched phantom-verification GET.
type PhantomGetResult struct {
	Cookie    uint64
	Responses []PhantomResponse
	Err       error
}

// DetectedPhantomBlobCommitted: the owner has durably recorded the phantom
// list the job reported.
type DetectedPhantomBlobCommitted struct{}

// Owner receives the job's upstream notifications. Both calls expect an
// eventual reply into the job's mailbox: Resume after ReplStarted,
// DetectedPhantomBlobCommitted after DetectedPhantomBlob.
type Owner interface {
	ReplStarted(reply Mailbox)
	DetectedPhantomBlob(ids []types.BlobId, reply Mailbox)
}

// ChunkWriteMsg is one chunk write to the block device.
type ChunkWriteMsg struct {
	ChunkIdx uint32
	Offset   uint32
	Data     []byte
}

// ChunkReserveMsg asks the block device to reserve chunks for a new SST.
type ChunkReserveMsg struct {
	Count int
}

// ChunkDevice is the block-device contract: both calls complete
// asynchronously by delivering ChunkReserveResult/ChunkWriteResult.
type ChunkDevice interface {
	ReserveChunks(msg *ChunkReserveMsg, reply Mailbox)
	WriteChunk(msg *ChunkWriteMsg, reply Mailbox)
}

// SstIndexEntry locates one recovered part inside the written SST chunks.
type SstIndexEntry struct {
	Id       types.PartId
	ChunkIdx uint32
	Offset   uint32
	Size     uint32
}

// CommitSstMsg is the commit record fencing one finished SST.
type CommitSstMsg struct {
	ChunkIds []uint32
	Entries  []SstIndexEntry
}

// IndexCommitter commits SSTs into the local index; answers with
// AddBulkSstResult.
type IndexCommitter interface {
	AddBulkSst(msg *CommitSstMsg, reply Mailbox)
}

// HugeBlobSink writes recovered huge blobs out of band; answers with
// HugeBlobWriteResult.
type HugeBlobSink interface {
	WriteHugeBlob(id types.PartId, data []byte, reply Mailbox)
}

// PhantomGetBatch is one batched phantom-verification GET; all ids share the
// same tablet.
type PhantomGetBatch struct {
	Cookie uint64
	Ids    []types.BlobId
}

// PhantomGetter issues phantom-verification GETs through the cluster GET
// path; answers with PhantomGetResult.
type PhantomGetter interface {
	Get(batch *PhantomGetBatch, reply Mailbox)
}

// ProxyRequest is one seeded proxy entry: a blob (or an explicit part in
// donor mode) and the reply size the ingress predicts.
type ProxyRequest struct {
	Id           types.PartId
	ExpectedSize uint64
}

// PeerReader pulls runs of part data from one peer disk. Items come back in
// blob-id order; every requested blob gets at least one item, NODATA when
// the peer holds nothing.
type PeerReader interface {
	Fetch(ctx context.Context, orderNum uint32, reqs []ProxyRequest) ([]ProxyItem, error)
}

// DiskGet is one GET request the strategy addressed to a specific disk.
type DiskGet struct {
	OrderNumber uint32
	Id          types.PartId
	Intervals   util.IntervalSet
}

// GroupDiskRequests accumulates per-disk GETs emitted by a strategy pass.
type GroupDiskRequests struct {
	Gets []DiskGet
}

func (g *GroupDiskRequests) AddGet(orderNumber uint32, id types.PartId, intervals util.IntervalSet) {
	g.Gets = append(g.Gets, DiskGet{OrderNumber: orderNumber, Id: id, Intervals: intervals})
}
