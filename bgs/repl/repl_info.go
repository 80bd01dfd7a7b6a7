package repl

import (
	"fmt"
	"time"

	"github.com/blobgroup/blobgroup/bgs/storage/types"
	"github.com/dustin/go-humanize"
)

// TimeState names the phase a job spends wall time in; one stopwatch bucket
// per state.
type TimeState uint8

const (
	TimeStatePreparePlan TimeState = iota
	TimeStateTokenWait
	TimeStateProxyWait
	TimeStateMerge
	TimeStatePDiskOp
	TimeStateCommit
	TimeStatePhantom
	TimeStateOther
	TimeStateCount
)

func (ts TimeState) String() string {
	switch ts {
	case TimeStatePreparePlan:
		return "PreparePlan"
	case TimeStateTokenWait:
		return "TokenWait"
	case TimeStateProxyWait:
		return "ProxyWait"
	case TimeStateMerge:
		return "Merge"
	case TimeStatePDiskOp:
		return "PDiskOp"
	case TimeStateCommit:
		return "Commit"
	case TimeStatePhantom:
		return "Phantom"
	case TimeStateOther:
		return "Other"
	}
	return fmt.Sprintf("TimeState(%d)", uint8(ts))
}

// TimeAccount attributes a job's wall time to its phases.
type TimeAccount struct {
	current   TimeState
	since     time.Time
	durations [TimeStateCount]time.Duration
}

func NewTimeAccount() *TimeAccount {
	return &TimeAccount{current: TimeStatePreparePlan, since: time.Now()}
}

func (t *TimeAccount) SetState(s TimeState) {
	now := time.Now()
	if t.current < TimeStateCount {
		t.durations[t.current] += now.Sub(t.since)
	}
	t.current = s
	t.since = now
}

// UpdateInfo closes the stopwatch and copies the buckets into the info.
func (t *TimeAccount) UpdateInfo(info *ReplInfo) {
	t.SetState(TimeStateCount)
	copy(info.Durations[:], t.durations[:])
}

// ProxyStat accumulates transfer statistics of one peer proxy.
type ProxyStat struct {
	VGetsSent       uint64
	VGetResults     uint64
	OkItems         uint64
	NoDataItems     uint64
	NotYetItems     uint64
	ErrorItems      uint64
	BytesReceived   uint64
	TransientErrors uint64
}

func (s *ProxyStat) Add(other ProxyStat) {
	s.VGetsSent += other.VGetsSent
	s.VGetResults += other.VGetResults
	s.OkItems += other.OkItems
	s.NoDataItems += other.NoDataItems
	s.NotYetItems += other.NotYetItems
	s.ErrorItems += other.ErrorItems
	s.BytesReceived += other.BytesReceived
	s.TransientErrors += other.TransientErrors
}

// ReplInfo is the outcome of one quantum, reported upstream in ReplFinished.
type ReplInfo struct {
	ItemsTotal        uint64
	ItemsPlanned      uint64
	ItemsRecovered    uint64
	ItemsNotRecovered uint64
	ItemsPhantom      uint64

	// work units are blob bytes
	WorkUnitsTotal   uint64
	WorkUnitsPlanned uint64
	WorkUnitsDone    uint64

	SstBytesWritten        uint64
	ChunksWritten          uint64
	HugeBlobsRecovered     uint64
	HugeBlobBytesRecovered uint64

	DonorOrderNum *uint32

	LastKey   types.BlobId
	Eof       bool
	DropDonor bool

	ProxyStat ProxyStat
	Durations [TimeStateCount]time.Duration
}

func (i *ReplInfo) Finish(lastKey types.BlobId, eof bool, dropDonor bool) {
	i.LastKey = lastKey
	i.Eof = eof
	i.DropDonor = dropDonor
}

func (i *ReplInfo) String() string {
	return fmt.Sprintf("{items total# %d planned# %d recovered# %d phantom# %d work done# %s sst written# %s eof# %v}",
		i.ItemsTotal, i.ItemsPlanned, i.ItemsRecovered, i.ItemsPhantom,
		humanize.Bytes(i.WorkUnitsDone), humanize.Bytes(i.SstBytesWritten), i.Eof)
}

// BlobIdQueue is the FIFO of blob ids waiting for (re-)replication.
type BlobIdQueue struct {
	ids []types.BlobId
}

func NewBlobIdQueue() *BlobIdQueue {
	return &BlobIdQueue{}
}

func (q *BlobIdQueue) PushBack(id types.BlobId) {
	q.ids = append(q.ids, id)
}

func (q *BlobIdQueue) PopFront() types.BlobId {
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id
}

func (q *BlobIdQueue) Front() types.BlobId {
	return q.ids[0]
}

func (q *BlobIdQueue) Len() int {
	return len(q.ids)
}

func (q *BlobIdQueue) Empty() bool {
	return len(q.ids) == 0
}

func (q *BlobIdQueue) ForEach(f func(id types.BlobId)) {
	for _, id := range q.ids {
		f(id)
	}
}
