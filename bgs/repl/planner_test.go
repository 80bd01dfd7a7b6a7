package repl

import (
	"context"
	"testing"
	"time"

	"github.com/blobgroup/blobgroup/bgs/stats"
	"github.com/blobgroup/blobgroup/bgs/storage"
	"github.com/blobgroup/blobgroup/bgs/storage/types"
	"github.com/blobgroup/blobgroup/bgs/topology"
	"github.com/blobgroup/blobgroup/bgs/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keepAll keeps every blob by barrier.
type keepAll struct{}

func (keepAll) Keep(id types.BlobId, rec storage.IndexRecord, allowKeepFlags bool) storage.KeepStatus {
	return storage.KeepStatus{KeepData: true, KeepByBarrier: true}
}

// keepByFlagOnly keeps data but only via keep flags, making blobs
// phantom-like.
type keepByFlagOnly struct{}

func (keepByFlagOnly) Keep(id types.BlobId, rec storage.IndexRecord, allowKeepFlags bool) storage.KeepStatus {
	return storage.KeepStatus{KeepData: true, KeepByBarrier: false}
}

// collectAll drops everything.
type collectAll struct{}

func (collectAll) Keep(id types.BlobId, rec storage.IndexRecord, allowKeepFlags bool) storage.KeepStatus {
	return storage.KeepStatus{}
}

type fakeSnapshotSource struct {
	snap  *storage.Snapshot
	taken int
}

func (s *fakeSnapshotSource) TakeSnapshot(ctx context.Context) (*storage.Snapshot, error) {
	s.taken++
	return s.snap, nil
}

// mailboxChan collects delivered events for inspection.
type mailboxChan chan Event

func (m mailboxChan) Deliver(ev Event) bool {
	m <- ev
	return true
}

func testReplCtx(gtype types.GroupType, snap *storage.Snapshot) *ReplCtx {
	top := topology.NewTopology(gtype)
	cfg := util.DefaultReplConfig()
	return &ReplCtx{
		Top:            top,
		SelfOrderNum:   0,
		Cfg:            cfg,
		Metrics:        stats.NewUnregisteredReplMetrics(),
		Quoter:         NewReplQuoter(0),
		SnapshotSource: &fakeSnapshotSource{snap: snap},
		LogPrefix:      "[test] ",
	}
}

// testSnapshot builds an index of n blobs of the given size, every part
// missing locally.
func testSnapshot(n int, size uint32, barriers storage.BarriersEssence) *storage.Snapshot {
	index := storage.NewIndexSnapshot()
	for i := 0; i < n; i++ {
		index.Insert(storage.IndexRecord{Id: testBlobId(types.Step(1000+i), size)})
	}
	return &storage.Snapshot{Index: index, Barriers: barriers, AllowKeepFlags: true}
}

func runPlanner(t *testing.T, replCtx *ReplCtx, startKey types.BlobId,
	blobsToReplicate *BlobIdQueue, donor bool) (PlanFinished, *ReplInfo) {
	t.Helper()
	info := &ReplInfo{}
	planner := NewPlanner(replCtx, startKey, info, blobsToReplicate, NewBlobIdQueue(), donor)
	mailbox := make(mailboxChan, 1)
	planner.Run(context.Background(), mailbox)
	select {
	case ev := <-mailbox:
		plan, ok := ev.(PlanFinished)
		require.True(t, ok)
		return plan, info
	case <-time.After(time.Second):
		t.Fatal("planner did not finish")
		return PlanFinished{}, nil
	}
}

func TestPlannerPlansEverything(t *testing.T) {

	snap := testSnapshot(5, 1000, keepAll{})
	replCtx := testReplCtx(types.GroupTypeMirror3dc, snap)

	plan, info := runPlanner(t, replCtx, types.BlobId{}, nil, false)

	assert.True(t, plan.Eof)
	assert.True(t, plan.LastKey.IsZero())
	assert.Equal(t, 5, plan.Machine.NumTasks())
	assert.Equal(t, uint64(5), info.ItemsPlanned)
	assert.Equal(t, uint64(5), info.ItemsTotal)
	assert.Equal(t, uint64(5000), info.WorkUnitsTotal)
}

func TestPlannerQuantumByteBudget(t *testing.T) {

	snap := testSnapshot(5, 1000, keepAll{})
	replCtx := testReplCtx(types.GroupTypeMirror3dc, snap)
	// the third blob brings the total to 3000, reaching the budget, so
	// planning stops adding tasks after it
	replCtx.Cfg.MaxQuantumBytes = 2500

	plan, info := runPlanner(t, replCtx, types.BlobId{}, nil, false)

	assert.False(t, plan.Eof)
	// the first key that did not make it into the quantum
	assert.Equal(t, testBlobId(1003, 1000), plan.LastKey)
	assert.Equal(t, 3, plan.Machine.NumTasks())
	assert.Equal(t, uint64(3), info.ItemsPlanned)
	// skipped blobs are still counted as remaining work
	assert.Equal(t, uint64(5), info.ItemsTotal)
	assert.Equal(t, uint64(5000), info.WorkUnitsTotal)
}

func TestPlannerResumesFromStartKey(t *testing.T) {

	snap := testSnapshot(5, 1000, keepAll{})
	replCtx := testReplCtx(types.GroupTypeMirror3dc, snap)

	plan, _ := runPlanner(t, replCtx, testBlobId(1003, 1000), nil, false)

	assert.True(t, plan.Eof)
	assert.Equal(t, 2, plan.Machine.NumTasks())
}

func TestPlannerHonorsBarriers(t *testing.T) {

	snap := testSnapshot(4, 1000, collectAll{})
	replCtx := testReplCtx(types.GroupTypeMirror3dc, snap)

	plan, info := runPlanner(t, replCtx, types.BlobId{}, nil, false)

	assert.True(t, plan.Eof)
	assert.True(t, plan.Machine.NoTasks())
	assert.Zero(t, info.ItemsPlanned)
}

func TestPlannerPhantomLike(t *testing.T) {

	snap := testSnapshot(1, 1000, keepByFlagOnly{})
	replCtx := testReplCtx(types.GroupTypeMirror3dc, snap)

	plan, _ := runPlanner(t, replCtx, types.BlobId{}, nil, false)
	require.Equal(t, 1, plan.Machine.NumTasks())

	phantomLike := false
	plan.Machine.ForEach(func(id types.BlobId, parts types.PartsBitmap, ingress types.Ingress) {
		phantomLike = plan.Machine.tasks[id].possiblePhantom
	})
	assert.True(t, phantomLike)

	// donor mode disables the phantom path at planning time already
	plan, _ = runPlanner(t, replCtx, types.BlobId{}, nil, true)
	plan.Machine.ForEach(func(id types.BlobId, parts types.PartsBitmap, ingress types.Ingress) {
		assert.False(t, plan.Machine.tasks[id].possiblePhantom)
	})
}

func TestPlannerSkipsLocalParts(t *testing.T) {

	index := storage.NewIndexSnapshot()
	id := testBlobId(1100, 1000)
	top := topology.NewTopology(types.GroupTypeMirror3dc)
	subgroupIdx := top.SubgroupIndexOf(id, 0)
	require.GreaterOrEqual(t, subgroupIdx, 0)
	// the part this disk must hold is already local
	ingress := types.Ingress{Local: types.NewPartsBitmap(subgroupIdx % 3)}
	index.Insert(storage.IndexRecord{Id: id, Ingress: ingress})
	snap := &storage.Snapshot{Index: index, Barriers: keepAll{}, AllowKeepFlags: true}
	replCtx := testReplCtx(types.GroupTypeMirror3dc, snap)

	plan, info := runPlanner(t, replCtx, types.BlobId{}, nil, false)

	assert.True(t, plan.Machine.NoTasks())
	assert.Zero(t, info.ItemsTotal)
}

func TestPlannerMetadataParts(t *testing.T) {

	snap := testSnapshot(1, 0, keepAll{}) // zero-size blob: metadata only
	replCtx := testReplCtx(types.GroupTypeMirror3dc, snap)

	plan, info := runPlanner(t, replCtx, types.BlobId{}, nil, false)

	assert.Equal(t, 0, plan.Machine.NumTasks())
	require.Len(t, plan.Machine.metadataParts, 1)
	assert.Zero(t, info.ItemsPlanned)
	// the machine still has work: Finish will synthesize the entries
	assert.False(t, plan.Machine.NoTasks())
}

func TestPlannerExplicitQueueMode(t *testing.T) {

	snap := testSnapshot(5, 1000, keepAll{})
	replCtx := testReplCtx(types.GroupTypeMirror3dc, snap)

	queue := NewBlobIdQueue()
	queue.PushBack(testBlobId(1001, 1000))
	queue.PushBack(testBlobId(1003, 1000))
	// unknown blobs are skipped silently
	queue.PushBack(testBlobId(9999, 1000))

	plan, info := runPlanner(t, replCtx, types.BlobId{}, queue, false)

	assert.True(t, plan.Eof)
	assert.Equal(t, 2, plan.Machine.NumTasks())
	assert.Equal(t, uint64(2), info.ItemsPlanned)
}

func TestPlannerCountsPreviouslyUnreplicated(t *testing.T) {

	snap := testSnapshot(1, 1000, keepAll{})
	replCtx := testReplCtx(types.GroupTypeMirror3dc, snap)

	unreplicated := NewBlobIdQueue()
	unreplicated.PushBack(testBlobId(500, 300))
	info := &ReplInfo{}
	planner := NewPlanner(replCtx, types.BlobId{}, info, nil, unreplicated, false)
	mailbox := make(mailboxChan, 1)
	planner.Run(context.Background(), mailbox)
	<-mailbox

	assert.Equal(t, uint64(2), info.ItemsTotal)
	assert.Equal(t, uint64(1300), info.WorkUnitsTotal)
}
