package repl

import (
	"testing"

	"github.com/blobgroup/blobgroup/bgs/storage/types"
	"github.com/blobgroup/blobgroup/bgs/topology"
	"github.com/blobgroup/blobgroup/bgs/util"
	"github.com/klauspost/reedsolomon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMachine(t *testing.T, gtype types.GroupType) (*RecoveryMachine, *ReplInfo, *BlobIdQueue) {
	t.Helper()
	top := topology.NewTopology(gtype)
	cfg := util.DefaultReplConfig()
	cfg.HugeBlobSize = 1 << 20
	info := &ReplInfo{}
	unreplicated := NewBlobIdQueue()
	return NewRecoveryMachine(top, cfg, info, unreplicated), info, unreplicated
}

func TestRecoverMirrorBlob(t *testing.T) {

	m, info, unreplicated := newTestMachine(t, types.GroupTypeMirror3dc)
	id := testBlobId(200, 1024)
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	m.AddTask(id, types.NewPartsBitmap(0, 2), false, types.Ingress{})

	item := NewPartSet(id, types.GroupTypeMirror3dc)
	item.AddData(4, types.NewPartId(id, 2), StatusOK, payload)

	var rq RecoveredBlobsQueue
	var parts types.PartsBitmap
	require.True(t, m.Recover(item, &rq, &parts))

	// both missing parts synthesized from the surviving copy
	require.Equal(t, 2, rq.Len())
	first := *rq.Front()
	rq.Pop()
	second := *rq.Front()
	rq.Pop()
	assert.Equal(t, types.NewPartId(id, 1), first.Id)
	assert.Equal(t, types.NewPartId(id, 3), second.Id)
	assert.Equal(t, payload, first.Data)
	assert.Equal(t, payload, second.Data)
	assert.False(t, first.IsHugeBlob)

	assert.Equal(t, uint64(1), info.ItemsRecovered)
	assert.Equal(t, uint64(1024), info.WorkUnitsDone)
	assert.True(t, m.NoTasks())
	assert.True(t, unreplicated.Empty())
}

func TestRecoverMarksHugeBlobs(t *testing.T) {

	m, _, _ := newTestMachine(t, types.GroupTypeMirror3dc)
	m.cfg.HugeBlobSize = 512
	id := testBlobId(201, 2048)
	m.AddTask(id, types.NewPartsBitmap(0), false, types.Ingress{})

	item := NewPartSet(id, types.GroupTypeMirror3dc)
	item.AddData(1, types.NewPartId(id, 3), StatusOK, make([]byte, 2048))

	var rq RecoveredBlobsQueue
	var parts types.PartsBitmap
	require.True(t, m.Recover(item, &rq, &parts))
	require.Equal(t, 1, rq.Len())
	assert.True(t, rq.Front().IsHugeBlob)
}

func TestRecoverBlock42ThroughCodec(t *testing.T) {

	m, info, _ := newTestMachine(t, types.GroupTypeBlock42)
	id := testBlobId(202, 4096) // part size 1024

	// encode the original blob the way the write path would have
	enc, err := reedsolomon.New(4, 2)
	require.NoError(t, err)
	blob := make([]byte, 4096)
	for i := range blob {
		blob[i] = byte(i % 251)
	}
	shards, err := enc.Split(blob)
	require.NoError(t, err)
	require.NoError(t, enc.Encode(shards))

	m.AddTask(id, types.NewPartsBitmap(0), false, types.Ingress{})

	// shards 0 and 5 are lost; four shards survive, enough to reconstruct
	item := NewPartSet(id, types.GroupTypeBlock42)
	for _, p := range []int{1, 2, 3, 4} {
		item.AddData(uint32(p), types.NewPartId(id, uint8(p+1)), StatusOK, shards[p])
	}

	var rq RecoveredBlobsQueue
	var parts types.PartsBitmap
	require.True(t, m.Recover(item, &rq, &parts))
	require.Equal(t, 1, rq.Len())
	assert.Equal(t, types.NewPartId(id, 1), rq.Front().Id)
	assert.Equal(t, shards[0], rq.Front().Data)
	assert.Equal(t, uint64(1), info.ItemsRecovered)
}

func TestRecoverPhantomLikeDefers(t *testing.T) {

	m, info, unreplicated := newTestMachine(t, types.GroupTypeMirror3dc)
	id := testBlobId(203, 512)
	m.AddTask(id, types.NewPartsBitmap(1), true, types.Ingress{})

	// nothing but NODATA came back
	item := NewPartSet(id, types.GroupTypeMirror3dc)
	item.AddData(2, types.NewPartId(id, 1), StatusNoData, nil)

	var rq RecoveredBlobsQueue
	var parts types.PartsBitmap
	require.False(t, m.Recover(item, &rq, &parts))
	assert.Equal(t, types.NewPartsBitmap(1), parts)
	assert.False(t, m.NoTasks())

	// cluster-wide verification confirms the phantom
	m.ProcessPhantomBlob(id, parts, true, true)
	assert.Equal(t, uint64(1), info.ItemsPhantom)
	assert.True(t, m.NoTasks())
	assert.True(t, unreplicated.Empty())
}

func TestRecoverPhantomRejectedGoesUnreplicated(t *testing.T) {

	m, info, unreplicated := newTestMachine(t, types.GroupTypeMirror3dc)
	id := testBlobId(204, 512)
	m.AddTask(id, types.NewPartsBitmap(0), true, types.Ingress{})

	item := NewPartSet(id, types.GroupTypeMirror3dc)
	item.AddData(2, types.NewPartId(id, 1), StatusNoData, nil)

	var rq RecoveredBlobsQueue
	var parts types.PartsBitmap
	require.False(t, m.Recover(item, &rq, &parts))

	// the blob does exist somewhere, it must be retried next quantum
	m.ProcessPhantomBlob(id, parts, false, false)
	assert.Equal(t, uint64(1), info.ItemsNotRecovered)
	require.Equal(t, 1, unreplicated.Len())
	assert.Equal(t, id, unreplicated.Front())
}

func TestRecoverUnrecoverableNonPhantom(t *testing.T) {

	m, info, unreplicated := newTestMachine(t, types.GroupTypeMirror3dc)
	id := testBlobId(205, 512)
	m.AddTask(id, types.NewPartsBitmap(0), false, types.Ingress{})

	item := NewPartSet(id, types.GroupTypeMirror3dc)
	item.AddData(2, types.NewPartId(id, 1), StatusError, nil)

	var rq RecoveredBlobsQueue
	var parts types.PartsBitmap
	// non-phantom tasks never defer; the blob goes straight to the queue
	require.True(t, m.Recover(item, &rq, &parts))
	assert.Equal(t, uint64(1), info.ItemsNotRecovered)
	assert.Equal(t, 1, unreplicated.Len())
	assert.Equal(t, 0, rq.Len())
}

func TestFinishSynthesizesMetadataParts(t *testing.T) {

	m, info, unreplicated := newTestMachine(t, types.GroupTypeMirror3dc)
	id := testBlobId(206, 0)
	m.AddMetadataPart(types.NewPartId(id, 1))
	m.AddMetadataPart(types.NewPartId(id, 2))

	// a task that never saw any peer data
	orphan := testBlobId(207, 128)
	m.AddTask(orphan, types.NewPartsBitmap(0), false, types.Ingress{})

	var rq RecoveredBlobsQueue
	m.Finish(&rq)

	require.Equal(t, 2, rq.Len())
	assert.Equal(t, types.NewPartId(id, 1), rq.Front().Id)
	assert.Empty(t, rq.Front().Data)

	assert.Equal(t, uint64(1), info.ItemsNotRecovered)
	assert.Equal(t, 1, unreplicated.Len())
	assert.Equal(t, orphan, unreplicated.Front())
}

func TestClearPossiblePhantom(t *testing.T) {

	m, _, unreplicated := newTestMachine(t, types.GroupTypeMirror3dc)
	id := testBlobId(208, 512)
	m.AddTask(id, types.NewPartsBitmap(0), true, types.Ingress{})
	m.ClearPossiblePhantom()

	item := NewPartSet(id, types.GroupTypeMirror3dc)
	var rq RecoveredBlobsQueue
	var parts types.PartsBitmap
	// without the phantom flag an unrecoverable blob is not deferred
	require.True(t, m.Recover(item, &rq, &parts))
	assert.Equal(t, 1, unreplicated.Len())
}
