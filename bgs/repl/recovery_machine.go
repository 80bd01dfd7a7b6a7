package repl

import (
	"fmt"

	"github.com/blobgroup/blobgroup/bgs/storage/types"
	"github.com/blobgroup/blobgroup/bgs/topology"
	"github.com/blobgroup/blobgroup/bgs/util"
	"github.com/golang/glog"
	"github.com/klauspost/reedsolomon"
)

// RecoveredBlob is one reconstructed part ready for persisting.
type RecoveredBlob struct {
	Id         types.PartId
	Data       []byte
	IsHugeBlob bool
}

// RecoveredBlobsQueue is the FIFO between recovery and the writers.
type RecoveredBlobsQueue struct {
	q []RecoveredBlob
}

func (q *RecoveredBlobsQueue) Push(blob RecoveredBlob) {
	q.q = append(q.q, blob)
}

func (q *RecoveredBlobsQueue) Front() *RecoveredBlob {
	return &q.q[0]
}

func (q *RecoveredBlobsQueue) Pop() {
	q.q = q.q[1:]
}

func (q *RecoveredBlobsQueue) Len() int {
	return len(q.q)
}

func (q *RecoveredBlobsQueue) Empty() bool {
	return len(q.q) == 0
}

// partSlot collects what the peers streamed for one part of one blob.
type partSlot struct {
	hasData bool
	data    []byte
	status  ReplyStatus
}

// PartSet is the merged per-blob contribution of all peer proxies for one
// key of the merge loop.
type PartSet struct {
	Id    types.BlobId
	slots []partSlot
}

func NewPartSet(id types.BlobId, gtype types.GroupType) *PartSet {
	return &PartSet{Id: id, slots: make([]partSlot, gtype.TotalPartCount())}
}

// AddData records one streamed item. Items with PartIdx 0 carry only a
// whole-blob status and are dropped; items with an out-of-range index are
// ignored with an anomaly log since the peer must only send parts it was
// asked about.
func (ps *PartSet) AddData(orderNum uint32, id types.PartId, status ReplyStatus, data []byte) {
	if id.BlobId != ps.Id {
		debugAssert(false, "part %s does not belong to blob %s", id, ps.Id)
		return
	}
	if id.PartIdx == 0 {
		// whole-blob status, e.g. a degraded transport error; no part data
		return
	}
	if int(id.PartIdx) > len(ps.slots) {
		glog.Errorf("disk %d sent part with invalid index %s", orderNum, id)
		return
	}
	slot := &ps.slots[id.PartIdx-1]
	if status == StatusOK && len(data) > 0 {
		slot.hasData = true
		slot.data = data
	}
	if slot.status == StatusOK || status == StatusOK {
		slot.status = StatusOK
	} else {
		slot.status = status
	}
}

type recoveryTask struct {
	id              types.BlobId
	parts           types.PartsBitmap
	possiblePhantom bool
	ingress         types.Ingress
}

// RecoveryMachine owns the quantum's task list and reconstructs blobs from
// merged peer data. Mirror parts are full copies; block-4-2 goes through the
// Reed-Solomon codec.
type RecoveryMachine struct {
	top          *topology.Topology
	cfg          *util.ReplConfig
	info         *ReplInfo
	unreplicated *BlobIdQueue

	tasks         map[types.BlobId]*recoveryTask
	order         []types.BlobId
	metadataParts []types.PartId
	codec         reedsolomon.Encoder
}

func NewRecoveryMachine(top *topology.Topology, cfg *util.ReplConfig, info *ReplInfo, unreplicated *BlobIdQueue) *RecoveryMachine {
	m := &RecoveryMachine{
		top:          top,
		cfg:          cfg,
		info:         info,
		unreplicated: unreplicated,
		tasks:        make(map[types.BlobId]*recoveryTask),
	}
	if !top.GType.IsMirror() {
		codec, err := reedsolomon.New(top.GType.DataParts(), top.GType.ParityParts())
		if err != nil {
			// group type constants guarantee valid shard counts
			panic(fmt.Sprintf("reedsolomon.New: %v", err))
		}
		m.codec = codec
	}
	return m
}

func (m *RecoveryMachine) AddTask(id types.BlobId, parts types.PartsBitmap, possiblePhantom bool, ingress types.Ingress) {
	debugAssert(m.tasks[id] == nil, "duplicate task for blob %s", id)
	m.tasks[id] = &recoveryTask{id: id, parts: parts, possiblePhantom: possiblePhantom, ingress: ingress}
	m.order = append(m.order, id)
}

// AddMetadataPart registers a zero-length part; it needs no peer data and is
// synthesized at Finish.
func (m *RecoveryMachine) AddMetadataPart(id types.PartId) {
	m.metadataParts = append(m.metadataParts, id)
}

// ForEach visits tasks in planning (blob id) order.
func (m *RecoveryMachine) ForEach(f func(id types.BlobId, parts types.PartsBitmap, ingress types.Ingress)) {
	for _, id := range m.order {
		if task, ok := m.tasks[id]; ok {
			f(task.id, task.parts, task.ingress)
		}
	}
}

func (m *RecoveryMachine) FullOfTasks() bool {
	return len(m.tasks) >= m.cfg.MaxRecoveryTasks
}

func (m *RecoveryMachine) NoTasks() bool {
	return len(m.tasks) == 0 && len(m.metadataParts) == 0
}

func (m *RecoveryMachine) NumTasks() int {
	return len(m.tasks)
}

// ClearPossiblePhantom drops the phantom flag from every task; used in donor
// mode where phantom checks are disabled.
func (m *RecoveryMachine) ClearPossiblePhantom() {
	for _, task := range m.tasks {
		task.possiblePhantom = false
	}
}

// Recover reconstructs the task's missing parts from the merged item and
// pushes them onto rq. Returns false only when reconstruction is impossible
// and the task is phantom-like: the caller must then verify the blob and
// come back through ProcessPhantomBlob with outParts.
func (m *RecoveryMachine) Recover(item *PartSet, rq *RecoveredBlobsQueue, outParts *types.PartsBitmap) bool {
	task, ok := m.tasks[item.Id]
	if !ok {
		glog.Errorf("merged data for blob %s without a task", item.Id)
		return true
	}

	data, shards, recovered := m.reconstruct(item)
	if !recovered {
		if task.possiblePhantom {
			*outParts = task.parts
			return false
		}
		glog.V(1).Infof("blob %s is not recoverable in this quantum", item.Id)
		m.dropUnrecovered(task)
		return true
	}

	for _, p := range task.parts.Parts() {
		partId := types.NewPartId(task.id, uint8(p+1))
		partSize := m.top.GType.PartSize(partId)
		partData := data
		if !m.top.GType.IsMirror() {
			partData = shards[p]
		}
		rq.Push(RecoveredBlob{
			Id:         partId,
			Data:       partData,
			IsHugeBlob: partSize >= m.cfg.HugeBlobSize,
		})
	}
	m.info.ItemsRecovered++
	m.info.WorkUnitsDone += uint64(task.id.BlobSize)
	delete(m.tasks, task.id)
	return true
}

// reconstruct returns the whole blob data, plus the full shard set for the
// erasure flavors, when enough peer parts arrived.
func (m *RecoveryMachine) reconstruct(item *PartSet) ([]byte, [][]byte, bool) {
	gtype := m.top.GType
	if gtype.IsMirror() {
		// any full copy will do
		for p := range item.slots {
			slot := &item.slots[p]
			if slot.hasData && len(slot.data) == int(item.Id.BlobSize) {
				return slot.data, nil, true
			}
		}
		return nil, nil, false
	}

	// erasure flavor: need at least DataParts shards
	shards := make([][]byte, gtype.TotalPartCount())
	have := 0
	partSize := int(gtype.PartSize(types.NewPartId(item.Id, 1)))
	for p := range item.slots {
		slot := &item.slots[p]
		if slot.hasData && len(slot.data) == partSize {
			shards[p] = slot.data
			have++
		}
	}
	if have < gtype.DataParts() {
		return nil, nil, false
	}
	if err := m.codec.Reconstruct(shards); err != nil {
		glog.Errorf("reconstruct blob %s: %v", item.Id, err)
		return nil, nil, false
	}
	data := make([]byte, 0, gtype.DataParts()*partSize)
	for p := 0; p < gtype.DataParts(); p++ {
		data = append(data, shards[p]...)
	}
	return data[:item.Id.BlobSize], shards, true
}

func (m *RecoveryMachine) dropUnrecovered(task *recoveryTask) {
	m.info.ItemsNotRecovered++
	m.unreplicated.PushBack(task.id)
	delete(m.tasks, task.id)
}

// ProcessPhantomBlob finalizes a task deferred by a false Recover result
// using the cluster-wide verification verdict.
func (m *RecoveryMachine) ProcessPhantomBlob(id types.BlobId, parts types.PartsBitmap, isPhantom bool, looksLikePhantom bool) {
	task, ok := m.tasks[id]
	if !ok {
		debugAssert(false, "phantom verdict for blob %s without a task", id)
		return
	}
	debugAssert(task.parts == parts, "phantom verdict parts mismatch for blob %s", id)
	if isPhantom {
		// never durably written, nothing to replicate
		m.info.ItemsPhantom++
		delete(m.tasks, id)
		return
	}
	if !looksLikePhantom {
		glog.V(1).Infof("blob %s no longer looks like a phantom", id)
	}
	m.dropUnrecovered(task)
}

// Finish synthesizes metadata-only parts and accounts every task that never
// saw peer data.
func (m *RecoveryMachine) Finish(rq *RecoveredBlobsQueue) {
	for _, id := range m.metadataParts {
		rq.Push(RecoveredBlob{Id: id})
	}
	m.metadataParts = nil
	for _, id := range m.order {
		if task, ok := m.tasks[id]; ok {
			glog.Warningf("blob %s got no peer data at all", id)
			m.dropUnrecovered(task)
		}
	}
}
