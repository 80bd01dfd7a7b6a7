package repl

import (
	"context"
	"time"

	"github.com/blobgroup/blobgroup/bgs/storage"
	"github.com/blobgroup/blobgroup/bgs/storage/types"
	"github.com/golang/glog"
)

// budgetCheckPeriod: how many scanned keys between deadline checks.
const budgetCheckPeriod = 1024

// Planner scans one quantum's worth of replication work out of the local
// index and fills the recovery machine. It runs as its own task and reports
// through PlanFinished.
type Planner struct {
	replCtx *ReplCtx
	machine *RecoveryMachine
	info    *ReplInfo

	startKey          types.BlobId
	keyToResume       *types.BlobId
	blobsToReplicate  *BlobIdQueue
	unreplicatedBlobs *BlobIdQueue
	donor             bool

	quantumBytes uint64
	addingTasks  bool
}

func NewPlanner(replCtx *ReplCtx, startKey types.BlobId, info *ReplInfo,
	blobsToReplicate *BlobIdQueue, unreplicatedBlobs *BlobIdQueue, donor bool) *Planner {

	// blobs left unreplicated by earlier quanta count as remaining work too
	unreplicatedBlobs.ForEach(func(id types.BlobId) {
		info.WorkUnitsTotal += uint64(id.BlobSize)
	})
	info.ItemsTotal += uint64(unreplicatedBlobs.Len())

	return &Planner{
		replCtx:           replCtx,
		machine:           NewRecoveryMachine(replCtx.Top, replCtx.Cfg, info, unreplicatedBlobs),
		info:              info,
		startKey:          startKey,
		blobsToReplicate:  blobsToReplicate,
		unreplicatedBlobs: unreplicatedBlobs,
		donor:             donor,
		addingTasks:       true,
	}
}

// Run plans one quantum and delivers PlanFinished into the mailbox. A
// planning pass is time-boxed; on expiry the snapshot is refreshed and the
// scan resumes from the current key, bounding snapshot lifetime.
func (p *Planner) Run(ctx context.Context, mailbox Mailbox) {
	eof := false
	for {
		snap, err := p.replCtx.SnapshotSource.TakeSnapshot(ctx)
		if err != nil {
			glog.Errorf("%stake snapshot: %v", p.replCtx.LogPrefix, err)
			return
		}
		done, snapEof := p.plan(ctx, snap)
		if ctx.Err() != nil {
			return
		}
		if done {
			eof = snapEof
			break
		}
		// quantum deadline hit, refresh the snapshot and continue
	}

	lastKey := types.BlobId{}
	if p.keyToResume != nil {
		lastKey = *p.keyToResume
	}
	mailbox.Deliver(PlanFinished{Machine: p.machine, LastKey: lastKey, Eof: eof})
}

// plan runs one time-boxed pass over the snapshot. Returns done=false when
// the deadline expired and a fresh snapshot is needed.
func (p *Planner) plan(ctx context.Context, snap *storage.Snapshot) (done bool, eof bool) {
	deadline := time.Now().Add(p.replCtx.Cfg.PlanQuantum)
	counter := 0

	if p.blobsToReplicate != nil {
		// explicit queue mode: match queue items against the index
		for !p.blobsToReplicate.Empty() && p.addingTasks {
			counter++
			if counter%budgetCheckPeriod == 0 && time.Now().After(deadline) {
				return false, false
			}
			key := p.blobsToReplicate.Front()
			if rec, ok := snap.Index.Get(key); ok {
				p.processItem(snap, rec)
			}
			p.blobsToReplicate.PopFront()
		}
		if !p.addingTasks {
			p.blobsToReplicate.ForEach(func(id types.BlobId) {
				p.info.WorkUnitsTotal += uint64(id.BlobSize)
			})
			p.info.ItemsTotal += uint64(p.blobsToReplicate.Len())
		}
		return true, p.blobsToReplicate.Empty()
	}

	// scan the index until the machine is full or time runs out
	expired := false
	snap.Index.AscendFrom(p.startKey, func(rec storage.IndexRecord) bool {
		p.startKey = rec.Id
		counter++
		if counter%budgetCheckPeriod == 0 && time.Now().After(deadline) {
			expired = true
			return false
		}
		if p.addingTasks {
			p.processItem(snap, rec)
		} else {
			// out of quantum space; only count the remaining work
			parts := p.missingParts(rec)
			if !parts.Empty() && snap.Barriers.Keep(rec.Id, rec, p.allowKeepFlags(snap)).KeepData {
				p.info.ItemsTotal++
				p.info.WorkUnitsTotal += uint64(rec.Id.BlobSize)
			}
			if p.keyToResume == nil {
				// the first key not handed to the machine opens the next
				// quantum
				key := rec.Id
				p.keyToResume = &key
			}
		}
		return ctx.Err() == nil
	})
	if expired {
		return false, false
	}
	return true, p.keyToResume == nil
}

// allowKeepFlags: keep flags are honored only when both the snapshot and
// the per-database policy permit it.
func (p *Planner) allowKeepFlags(snap *storage.Snapshot) bool {
	return snap.AllowKeepFlags && p.replCtx.Cfg.AllowKeepFlags
}

// missingParts is the set of parts this disk must hold but does not.
func (p *Planner) missingParts(rec storage.IndexRecord) types.PartsBitmap {
	subgroupIdx := p.replCtx.Top.SubgroupIndexOf(rec.Id, p.replCtx.SelfOrderNum)
	if subgroupIdx < 0 {
		// not mapped to this disk; stale index entry
		return 0
	}
	gtype := p.replCtx.Top.GType
	return rec.Ingress.PartsWeMustHaveLocally(gtype, subgroupIdx).Sub(rec.Ingress.LocalParts(gtype))
}

func (p *Planner) processItem(snap *storage.Snapshot, rec storage.IndexRecord) {
	gtype := p.replCtx.Top.GType
	key := rec.Id
	parts := p.missingParts(rec)
	if parts.Empty() {
		return // nothing to recover
	}

	status := snap.Barriers.Keep(key, rec, p.allowKeepFlags(snap))
	if !status.KeepData {
		return // collected, no need to recover
	}

	// register metadata-only parts separately
	for _, i := range parts.Parts() {
		id := types.NewPartId(key, uint8(i+1))
		if gtype.PartSize(id) == 0 {
			parts = parts.Without(i)
			p.machine.AddMetadataPart(id)
		}
	}
	if parts.Empty() {
		return
	}

	phantomLike := !status.KeepByBarrier && !p.donor
	p.machine.AddTask(key, parts, phantomLike, rec.Ingress)

	p.info.ItemsPlanned++
	p.info.WorkUnitsPlanned += uint64(key.BlobSize)
	p.info.ItemsTotal++
	p.info.WorkUnitsTotal += uint64(key.BlobSize)

	if phantomLike {
		p.replCtx.Metrics.PhantomsDiscovered.Inc()
		p.replCtx.Metrics.UnreplicatedPhantoms.Set(1)
	} else {
		p.replCtx.Metrics.UnreplicatedNonPhantoms.Set(1)
	}

	for _, i := range parts.Parts() {
		p.quantumBytes += gtype.PartSize(types.NewPartId(key, uint8(i+1)))
	}

	if p.machine.FullOfTasks() || p.quantumBytes >= p.replCtx.Cfg.MaxQuantumBytes {
		p.addingTasks = false
	}
}
