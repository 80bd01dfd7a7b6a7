package repl

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/blobgroup/blobgroup/bgs/stats"
	"github.com/blobgroup/blobgroup/bgs/storage"
	"github.com/blobgroup/blobgroup/bgs/storage/types"
	"github.com/blobgroup/blobgroup/bgs/topology"
	"github.com/blobgroup/blobgroup/bgs/util"
	"github.com/golang/glog"
)

// ReplCtx bundles everything a replication job needs from its environment.
// Shared across the jobs of one disk; all fields are effectively immutable
// or internally synchronized (the quoter).
type ReplCtx struct {
	Top            *topology.Topology
	SelfOrderNum   uint32
	Cfg            *util.ReplConfig
	Metrics        *stats.ReplMetrics
	Quoter         *ReplQuoter
	SnapshotSource storage.SnapshotSource
	Device         ChunkDevice
	Committer      IndexCommitter
	HugeBlobSink   HugeBlobSink
	PhantomGetter  PhantomGetter
	PeerReader     PeerReader
	NodeLayout     *topology.NodeLayout
	LogPrefix      string
}

// Donor designates a previous data owner to pull everything from instead of
// the subgroup peers.
type Donor struct {
	OrderNum uint32
	Reader   PeerReader
}

type jobState uint8

const (
	statePreparePlan jobState = iota
	stateToken
	stateInit
	stateMerge
)

type queueAction uint8

const (
	actionContinue queueAction = iota
	actionRestart
	actionExit
)

type phantomCheck struct {
	id    types.BlobId
	parts types.PartsBitmap
}

// proxyMergeHeap is the k-way merge heap over running proxies, least
// current blob id on top.
type proxyMergeHeap []VDiskProxy

func (h proxyMergeHeap) Len() int            { return len(h) }
func (h proxyMergeHeap) Less(x, y int) bool  { return h[x].CurBlobId().Less(h[y].CurBlobId()) }
func (h proxyMergeHeap) Swap(x, y int)       { h[x], h[y] = h[y], h[x] }
func (h *proxyMergeHeap) Push(v interface{}) { *h = append(*h, v.(VDiskProxy)) }
func (h *proxyMergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Job replicates one quantum: plan, pull peer data, recover, persist,
// verify phantoms, report. One goroutine owns all of the state below; the
// mailbox is the only way in.
type Job struct {
	replCtx *ReplCtx
	owner   Owner

	startKey          types.BlobId
	blobsToReplicate  *BlobIdQueue
	unreplicatedBlobs *BlobIdQueue
	donor             *Donor

	mailbox chan Event
	doneCh  chan struct{}
	runCtx  context.Context

	state    jobState
	done     bool
	fatalErr error

	info          *ReplInfo
	machine       *RecoveryMachine
	lastKey       types.BlobId
	eof           bool
	writer        *SstStreamWriter
	recoveryQueue RecoveredBlobsQueue

	proxies           []VDiskProxy
	mergeHeap         proxyMergeHeap
	numRunningProxies int

	currentItem      *PartSet
	lastProcessedKey types.BlobId

	hugeBlobsInFlight int

	phantomChecksPending  []phantomCheck
	phantomChecksInFlight map[uint64][]phantomCheck
	lastPhantomCheckId    uint64
	phantoms              []types.BlobId

	writtenChunks map[uint32]bool

	recoveryMachineFinished bool
	writerFinished          bool

	timeAccount *TimeAccount
}

func NewReplJob(replCtx *ReplCtx, owner Owner, startKey types.BlobId,
	blobsToReplicate *BlobIdQueue, unreplicatedBlobs *BlobIdQueue, donor *Donor) *Job {

	info := &ReplInfo{}
	if donor != nil {
		orderNum := donor.OrderNum
		info.DonorOrderNum = &orderNum
	}
	return &Job{
		replCtx:               replCtx,
		owner:                 owner,
		startKey:              startKey,
		blobsToReplicate:      blobsToReplicate,
		unreplicatedBlobs:     unreplicatedBlobs,
		donor:                 donor,
		mailbox:               make(chan Event, 4096),
		doneCh:                make(chan struct{}),
		info:                  info,
		writer:                NewSstStreamWriter(replCtx.Cfg.SstChunkSize, replCtx.Cfg.ChunksPerSst),
		phantomChecksInFlight: make(map[uint64][]phantomCheck),
		writtenChunks:         make(map[uint32]bool),
		timeAccount:           NewTimeAccount(),
	}
}

// Deliver feeds one event into the job; returns false once the job has
// terminated.
func (j *Job) Deliver(ev Event) bool {
	select {
	case j.mailbox <- ev:
		return true
	case <-j.doneCh:
		return false
	}
}

// Run executes the job to completion. Cancelling ctx is the poison pill:
// child tasks stop and the job returns ctx.Err().
func (j *Job) Run(ctx context.Context) (*ReplInfo, error) {
	defer close(j.doneCh)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	j.runCtx = runCtx

	glog.V(1).Infof("%sreplication job started startKey# %s", j.replCtx.LogPrefix, j.startKey)
	j.timeAccount.SetState(TimeStatePreparePlan)
	planner := NewPlanner(j.replCtx, j.startKey, j.info, j.blobsToReplicate, j.unreplicatedBlobs, j.donor != nil)
	go planner.Run(runCtx, j)

	for !j.done {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev := <-j.mailbox:
			j.handleEvent(ev)
		}
		if j.fatalErr != nil {
			return nil, j.fatalErr
		}
	}
	glog.V(1).Infof("%sreplication job done %s", j.replCtx.LogPrefix, j.info)
	return j.info, nil
}

func (j *Job) handleEvent(ev Event) {
	switch j.state {
	case statePreparePlan:
		switch ev := ev.(type) {
		case PlanFinished:
			j.handlePlanFinished(ev)
		default:
			j.unexpectedEvent(ev)
		}
	case stateToken:
		switch ev.(type) {
		case Resume:
			j.handleResume()
		default:
			j.unexpectedEvent(ev)
		}
	case stateInit:
		switch ev := ev.(type) {
		case ProxyNextResult:
			j.handleProxyNext(ev)
		default:
			j.unexpectedEvent(ev)
		}
	case stateMerge:
		switch ev := ev.(type) {
		case ProxyNextResult:
			j.handleProxyNext(ev)
		case ChunkReserveResult:
			glog.V(2).Infof("%sreserved chunks# %v", j.replCtx.LogPrefix, ev.ChunkIds)
			j.writer.ApplyReserve(ev)
			j.merge()
		case ChunkWriteResult:
			j.writer.ApplyWrite(ev)
			j.merge()
		case AddBulkSstResult:
			j.writer.ApplyCommit(ev)
			j.merge()
		case HugeBlobWriteResult:
			j.handleHugeBlobWriteResult(ev)
		case PhantomGetResult:
			j.handlePhantomGetResult(ev)
		case DetectedPhantomBlobCommitted:
			j.handleDetectedPhantomBlobCommitted()
		default:
			j.unexpectedEvent(ev)
		}
	}
}

func (j *Job) unexpectedEvent(ev Event) {
	debugAssert(false, "unexpected event %T in state %d", ev, j.state)
}

func (j *Job) handlePlanFinished(ev PlanFinished) {
	glog.V(1).Infof("%splan finished lastKey# %s eof# %v tasks# %d",
		j.replCtx.LogPrefix, ev.LastKey, ev.Eof, ev.Machine.NumTasks())
	j.machine = ev.Machine
	j.lastKey = ev.LastKey
	j.eof = ev.Eof

	j.replCtx.Metrics.WorkUnitsRemaining.Set(float64(j.info.WorkUnitsTotal))
	j.replCtx.Metrics.ItemsRemaining.Set(float64(j.info.ItemsTotal))

	if j.machine.NoTasks() {
		j.finish()
		return
	}

	// the owner sends the Resume token once this job is admitted
	j.owner.ReplStarted(j)
	j.timeAccount.SetState(TimeStateTokenWait)
	j.state = stateToken
}

func (j *Job) handleResume() {
	glog.V(1).Infof("%sresume token received", j.replCtx.LogPrefix)
	j.timeAccount.SetState(TimeStateProxyWait)

	j.setupDiskProxies()
	debugAssert(j.numRunningProxies == 0, "proxies already running")
	for i, proxy := range j.proxies {
		proxy.Run(j.runCtx, i, j)
		j.numRunningProxies++
	}
	if j.numRunningProxies > 0 {
		j.state = stateInit
	} else {
		j.state = stateMerge
		j.merge()
	}
}

func (j *Job) setupDiskProxies() {
	top := j.replCtx.Top
	gtype := top.GType

	if j.donor != nil {
		// a single proxy facing the donor; all missing parts are pulled
		// explicitly and phantom logic does not apply
		j.machine.ClearPossiblePhantom()
		reader := j.donor.Reader
		if reader == nil {
			reader = j.replCtx.PeerReader
		}
		var proxy *PeerProxy
		j.machine.ForEach(func(id types.BlobId, parts types.PartsBitmap, ingress types.Ingress) {
			if proxy == nil {
				proxy = NewPeerProxy(j.donor.OrderNum, reader)
			}
			for _, p := range parts.Parts() {
				partId := types.NewPartId(id, uint8(p+1))
				proxy.Put(partId, gtype.PartSize(partId))
			}
		})
		if proxy != nil {
			j.proxies = append(j.proxies, proxy)
		}
		return
	}

	diskProxySet := make([]VDiskProxy, top.TotalDisks())
	j.machine.ForEach(func(id types.BlobId, parts types.PartsBitmap, ingress types.Ingress) {
		for idx, orderNum := range top.PickSubgroup(id.Hash()) {
			if orderNum == j.replCtx.SelfOrderNum {
				continue
			}
			proxy := diskProxySet[orderNum]
			if proxy == nil {
				proxy = NewPeerProxy(orderNum, j.replCtx.PeerReader)
				diskProxySet[orderNum] = proxy
			}
			// size the expected reply from the parts the ingress knows
			// about on that disk
			expectedReplySize := uint64(0)
			for _, p := range ingress.KnownParts(gtype, idx).Parts() {
				expectedReplySize += gtype.PartSize(types.NewPartId(id, uint8(p+1)))
			}
			proxy.Put(types.PartId{BlobId: id}, expectedReplySize)
		}
	})
	for _, proxy := range diskProxySet {
		if proxy != nil {
			j.proxies = append(j.proxies, proxy)
		}
	}
}

func (j *Job) handleProxyNext(res ProxyNextResult) {
	proxy := j.proxies[res.ProxyIdx]
	proxy.HandleNext(res)

	if proxy.IsEof() {
		glog.V(2).Infof("%sproxy finished disk# %d", j.replCtx.LogPrefix, proxy.OrderNum())
		j.numRunningProxies--
	} else {
		debugAssert(proxy.Valid(), "proxy disk %d delivered no items and no eof", proxy.OrderNum())
		heap.Push(&j.mergeHeap, proxy)
	}

	if len(j.mergeHeap) == j.numRunningProxies {
		j.state = stateMerge
		j.merge()
	}
}

func (j *Job) handleHugeBlobWriteResult(ev HugeBlobWriteResult) {
	if ev.Err != nil {
		j.fatalErr = fmt.Errorf("huge blob write %s: %v", ev.Id, ev.Err)
		return
	}
	debugAssert(j.hugeBlobsInFlight != 0, "huge blob ack without a write in flight")
	j.hugeBlobsInFlight--
	j.merge()
}

func (j *Job) merge() {
	for {
		again, err := j.mergeIteration()
		if err != nil {
			j.fatalErr = err
			return
		}
		if !again {
			return
		}
	}
}

func (j *Job) mergeIteration() (again bool, err error) {
	proceed, err := j.driveWriter()
	if err != nil || !proceed {
		return false, err
	}

	// flush recovered items before touching the heap
	switch j.processQueue() {
	case actionContinue:
	case actionRestart:
		return true, nil
	case actionExit:
		return false, nil
	}

	// all proxies must have presented their current key before merging
	debugAssert(len(j.mergeHeap) <= j.numRunningProxies, "heap larger than running proxies")
	if len(j.mergeHeap) != j.numRunningProxies {
		return false, nil
	}

	ret, early := j.mergeLoopBody()
	if early {
		return ret, nil
	}

	if len(j.phantomChecksInFlight) > 0 {
		// still waiting for phantom validation replies
		j.timeAccount.SetState(TimeStatePhantom)
		return false, nil
	}
	debugAssert(len(j.phantomChecksPending) == 0, "pending phantom checks after drain")
	debugAssert(j.numRunningProxies == 0 && len(j.mergeHeap) == 0, "proxies alive after merge drained")
	j.timeAccount.SetState(TimeStateOther)

	if !j.recoveryMachineFinished {
		j.machine.Finish(&j.recoveryQueue)
		j.recoveryMachineFinished = true
		glog.V(1).Infof("%sfinished recovery machine queue# %d", j.replCtx.LogPrefix, j.recoveryQueue.Len())
		return true, nil
	}

	if !j.writerFinished && j.writer.GetState() != WriterStopped {
		glog.V(1).Infof("%sfinishing writer", j.replCtx.LogPrefix)
		j.writer.Finish()
		j.writerFinished = true
		return true, nil
	}

	if j.hugeBlobsInFlight != 0 {
		// huge blob writes are still in flight
		glog.V(1).Infof("%shuge blobs unwritten inFlight# %d", j.replCtx.LogPrefix, j.hugeBlobsInFlight)
		return false, nil
	}

	if j.writer.GetState() == WriterStopped {
		debugAssert(j.recoveryQueue.Empty(), "recovery queue not drained at finish")
		j.finish()
		return false, nil
	}

	return false, fmt.Errorf("incorrect merger state %s", j.writer.GetState())
}

// driveWriter advances the SST writer until it either accepts more blobs or
// must wait for an external ack.
func (j *Job) driveWriter() (proceed bool, err error) {
	for {
		state := j.writer.GetState()
		noWorkForWriter := j.recoveryQueue.Empty() || j.recoveryQueue.Front().IsHugeBlob
		if state == WriterCollect {
			debugAssert(!j.writerFinished, "writer collecting after finish")
			return true, nil
		}
		if state == WriterStopped && noWorkForWriter {
			return true, nil
		}

		switch state {
		case WriterStopped:
			debugAssert(!j.recoveryQueue.Empty() && !j.recoveryQueue.Front().IsHugeBlob && !j.writerFinished,
				"nothing to begin an sst with")
			j.writer.Begin()

		case WriterPDiskMessagePending:
			switch m := j.writer.GetPendingPDiskMsg().(type) {
			case *ChunkWriteMsg:
				if !j.writtenChunks[m.ChunkIdx] {
					j.writtenChunks[m.ChunkIdx] = true
					j.info.ChunksWritten++
					j.replCtx.Metrics.ChunksWritten.Inc()
				}
				bytes := int64(len(m.Data))
				j.info.SstBytesWritten += uint64(bytes)
				msg, device := m, j.replCtx.Device
				j.replCtx.Quoter.QuoteMessage(bytes, func() {
					device.WriteChunk(msg, j)
				})
			case *ChunkReserveMsg:
				j.replCtx.Device.ReserveChunks(m, j)
			}

		case WriterNotReady:
			j.timeAccount.SetState(TimeStatePDiskOp)
			return false, nil

		case WriterCommitPending:
			msg := j.writer.GetPendingCommitMsg()
			j.timeAccount.SetState(TimeStateCommit)
			j.replCtx.Committer.AddBulkSst(msg, j)
			return false, nil

		case WriterWaitingForCommit:
			return false, nil

		case WriterError:
			return false, fmt.Errorf("replication writer failed: %v", j.writer.Err())
		}
	}
}

// mergeLoopBody consumes the merge heap key by key. early=true means the
// caller must return ret from the iteration; otherwise the heap fully
// drained.
func (j *Job) mergeLoopBody() (ret bool, early bool) {
	defer j.runPhantomChecks()

	for len(j.mergeHeap) > 0 {
		j.timeAccount.SetState(TimeStateMerge)

		// the front proxy carries the least key
		if j.currentItem == nil {
			id := j.mergeHeap[0].CurBlobId()
			debugAssert(j.lastProcessedKey.IsZero() || j.lastProcessedKey.Less(id),
				"merge keys not increasing: %s then %s", j.lastProcessedKey, id)
			j.lastProcessedKey = id
			j.currentItem = NewPartSet(id, j.replCtx.Top.GType)
		}
		item := j.currentItem

		// pull out every proxy whose current key matches
		var consumers []VDiskProxy
		for len(j.mergeHeap) > 0 && j.mergeHeap[0].CurBlobId() == item.Id {
			consumers = append(consumers, heap.Pop(&j.mergeHeap).(VDiskProxy))
		}

		for _, proxy := range consumers {
			for proxy.Valid() && proxy.CurBlobId() == item.Id {
				id, status, data := proxy.GetData()
				if status != StatusOK || len(data) > 0 {
					item.AddData(proxy.OrderNum(), id, status, data)
				}
				proxy.Next()
			}
			debugAssert(!proxy.Valid() || item.Id.Less(proxy.CurBlobId()), "proxy items out of order")

			if proxy.Valid() {
				heap.Push(&j.mergeHeap, proxy)
			} else if proxy.IsEof() {
				glog.V(2).Infof("%sproxy finished disk# %d", j.replCtx.LogPrefix, proxy.OrderNum())
				j.numRunningProxies--
			} else {
				proxy.SendNextRequest()
			}
		}

		// wait for in-flight proxy data before deciding on this key
		if len(j.mergeHeap) != j.numRunningProxies {
			j.timeAccount.SetState(TimeStateProxyWait)
			return false, true
		}

		var parts types.PartsBitmap
		if !j.machine.Recover(item, &j.recoveryQueue, &parts) {
			glog.V(1).Infof("%ssending phantom validation query blob# %s", j.replCtx.LogPrefix, item.Id)
			j.phantomChecksPending = append(j.phantomChecksPending, phantomCheck{id: item.Id, parts: parts})
		}
		j.currentItem = nil

		switch j.processQueue() {
		case actionContinue:
		case actionRestart:
			j.timeAccount.SetState(TimeStateOther)
			return true, true
		case actionExit:
			j.timeAccount.SetState(TimeStateOther)
			return false, true
		}
	}
	return false, false
}

func (j *Job) processQueue() queueAction {
	for !j.recoveryQueue.Empty() {
		front := *j.recoveryQueue.Front()

		// huge blobs bypass the SST writer
		if front.IsHugeBlob {
			if j.hugeBlobsInFlight == j.replCtx.Cfg.HugeBlobsInFlightMax {
				return actionExit
			}
			debugAssert(j.hugeBlobsInFlight < j.replCtx.Cfg.HugeBlobsInFlightMax, "huge blob in-flight overflow")
			j.hugeBlobsInFlight++

			j.info.HugeBlobsRecovered++
			j.info.HugeBlobBytesRecovered += uint64(len(front.Data))
			j.replCtx.Metrics.HugeBlobsRecovered.Inc()
			j.replCtx.Metrics.HugeBlobBytesRecovered.Add(float64(len(front.Data)))

			id, data, sink := front.Id, front.Data, j.replCtx.HugeBlobSink
			j.replCtx.Quoter.QuoteMessage(int64(len(data)), func() {
				sink.WriteHugeBlob(id, data, j)
			})
			j.recoveryQueue.Pop()
			continue
		}

		switch j.writer.GetState() {
		case WriterStopped:
			return actionRestart
		case WriterCollect:
		default:
			debugAssert(false, "unexpected writer state %s in processQueue", j.writer.GetState())
			return actionRestart
		}

		if j.writer.AddRecoveredBlob(&front) {
			j.replCtx.Metrics.BlobsRecovered.Inc()
			j.replCtx.Metrics.BlobBytesRecovered.Add(float64(len(front.Data)))
			j.recoveryQueue.Pop()
		}

		// restart the cycle when the writer produced output work
		if j.writer.GetState() != WriterCollect {
			return actionRestart
		}
	}
	return actionContinue
}

const (
	maxPhantomQueriesPerBatch  = 32
	maxPhantomRequestsInFlight = 32
)

func (j *Job) runPhantomChecks() {
	for len(j.phantomChecksPending) > 0 && len(j.phantomChecksInFlight) < maxPhantomRequestsInFlight {
		j.lastPhantomCheckId++
		cookie := j.lastPhantomCheckId

		// one batch addresses a single tablet
		tabletId := j.phantomChecksPending[0].id.TabletId
		var batch []phantomCheck
		for len(j.phantomChecksPending) > 0 && len(batch) < maxPhantomQueriesPerBatch &&
			j.phantomChecksPending[0].id.TabletId == tabletId {
			batch = append(batch, j.phantomChecksPending[0])
			j.phantomChecksPending = j.phantomChecksPending[1:]
		}
		j.phantomChecksInFlight[cookie] = batch

		ids := make([]types.BlobId, 0, len(batch))
		for _, check := range batch {
			ids = append(ids, check.id)
		}
		j.replCtx.PhantomGetter.Get(&PhantomGetBatch{Cookie: cookie, Ids: ids}, j)
	}
}

func (j *Job) handlePhantomGetResult(ev PhantomGetResult) {
	glog.V(1).Infof("%sreceived phantom validation reply cookie# %d", j.replCtx.LogPrefix, ev.Cookie)

	batch, ok := j.phantomChecksInFlight[ev.Cookie]
	debugAssert(ok, "phantom reply with unknown cookie %d", ev.Cookie)
	if !ok {
		return
	}
	delete(j.phantomChecksInFlight, ev.Cookie)

	verdicts := make(map[types.BlobId]PhantomResponse, len(ev.Responses))
	for _, r := range ev.Responses {
		verdicts[r.Id] = r
	}

	for _, check := range batch {
		r, ok := verdicts[check.id]
		if !ok || ev.Err != nil {
			// verification failed, keep the blob on the unreplicated list
			glog.Warningf("%sphantom check for %s failed: %v", j.replCtx.LogPrefix, check.id, ev.Err)
			j.machine.ProcessPhantomBlob(check.id, check.parts, false, false)
			continue
		}
		isPhantom := r.Status == StatusNoData
		j.machine.ProcessPhantomBlob(check.id, check.parts, isPhantom, r.LooksLikePhantom)
		if isPhantom {
			j.phantoms = append(j.phantoms, check.id)
		}
	}

	j.merge()
}

func (j *Job) finish() {
	glog.V(1).Infof("%sfinished replication job lastKey# %s eof# %v", j.replCtx.LogPrefix, j.lastKey, j.eof)

	if len(j.phantoms) == 0 {
		j.handleDetectedPhantomBlobCommitted()
		return
	}
	glog.V(1).Infof("%ssending phantoms num# %d", j.replCtx.LogPrefix, len(j.phantoms))
	phantoms := j.phantoms
	j.phantoms = nil
	j.state = stateMerge
	j.owner.DetectedPhantomBlob(phantoms, j)
}

func (j *Job) handleDetectedPhantomBlobCommitted() {
	dropDonor := true
	for _, proxy := range j.proxies {
		dropDonor = dropDonor && proxy.NoTransientErrors()
	}
	j.info.Finish(j.lastKey, j.eof, j.donor != nil && dropDonor)

	var stat ProxyStat
	for _, proxy := range j.proxies {
		stat.Add(proxy.Stat())
	}
	j.info.ProxyStat = stat

	j.timeAccount.UpdateInfo(j.info)
	j.done = true
}
