package repl

import (
	"errors"
	"math"
	"sort"

	"github.com/blobgroup/blobgroup/bgs/storage/types"
	"github.com/blobgroup/blobgroup/bgs/topology"
	"github.com/blobgroup/blobgroup/bgs/util"
	"github.com/golang/glog"
)

// StrategyOutcome is the verdict of one strategy pass over a blob state.
type StrategyOutcome uint8

const (
	// OutcomeDone: the blob reached a terminal situation (Present, Absent
	// or Error); nothing more will be asked of the peers.
	OutcomeDone StrategyOutcome = iota
	// OutcomeInProgress: a new peer request was emitted or one is still
	// outstanding.
	OutcomeInProgress
	// OutcomeError: the subgroup violates the group's fail model.
	OutcomeError
)

var ErrFailModelCheck = errors.New("mirror-3dc get strategy failed the fail model check")

// AccelerationMode selects how slow disks are identified for stage C.
type AccelerationMode uint8

const (
	// AccelerationSkipOneSlowest queries the delay oracle and skips the
	// single disk that is predicted to be more than twice slower than the
	// runner-up.
	AccelerationSkipOneSlowest AccelerationMode = iota
	// AccelerationSkipMarked trusts the IsSlow flags already set on the
	// state.
	AccelerationSkipMarked
)

// Mirror3dcGetStrategy decides, for one blob, which subgroup disks to query
// next and when the blob is terminally present, absent or errored. Part
// index always equals ring index for this flavor.
type Mirror3dcGetStrategy struct {
	NodeLayout   *topology.NodeLayout
	PhantomCheck bool
	Acceleration AccelerationMode
	Oracle       topology.DelayOracle
	HandleClass  topology.HandleClass
}

const (
	numRings              = 3
	numFailDomainsPerRing = 3
)

// NewMirror3dcGetStrategy builds the strategy from the replication config.
func NewMirror3dcGetStrategy(cfg *util.ReplConfig, nodeLayout *topology.NodeLayout,
	oracle topology.DelayOracle, phantomCheck bool) *Mirror3dcGetStrategy {

	mode := AccelerationSkipOneSlowest
	if cfg.AccelerationMode == util.AccelerationModeSkipMarked {
		mode = AccelerationSkipMarked
	}
	return &Mirror3dcGetStrategy{
		NodeLayout:   nodeLayout,
		PhantomCheck: phantomCheck,
		Acceleration: mode,
		Oracle:       oracle,
		HandleClass:  topology.HandleClassAsyncRead,
	}
}

// doRequestDisk issues the next GET for the given subgroup disk if its part
// is still unknown. Returns true while a request for this disk is issued or
// outstanding.
func (s *Mirror3dcGetStrategy) doRequestDisk(state *BlobState, requests *GroupDiskRequests, diskIdx int) bool {
	disk := &state.Disks[diskIdx]
	// ring always matches the part index
	partIdx := diskIdx % numRings
	diskPart := &disk.DiskParts[partIdx]
	switch diskPart.Situation {
	case SituationUnknown:
		// request all needed ranges except those already here or already
		// requested from this disk
		request := state.Whole.Needed.Clone()
		request.Subtract(state.Whole.Here)
		request.Subtract(diskPart.Requested)
		if !request.IsEmpty() {
			id := types.NewPartId(state.Id, uint8(partIdx+1))
			requests.AddGet(disk.OrderNumber, id, request.Clone())
			diskPart.Requested.AddSet(request)
		} else {
			// we must already be waiting for data from this disk
			debugAssert(!diskPart.Requested.IsEmpty(), "disk %d has nothing to request and nothing requested", diskIdx)
		}
		return true
	case SituationPresent, SituationError, SituationAbsent, SituationLost:
	case SituationSent:
		debugAssert(false, "unexpected Sent situation for blob %s disk %d", state.Id, diskIdx)
	}
	return false
}

// Process runs stages A-F over the state, possibly emitting new disk GETs
// into requests.
func (s *Mirror3dcGetStrategy) Process(state *BlobState, checker topology.QuorumChecker, requests *GroupDiskRequests) (StrategyOutcome, error) {
	if state.WholeSituation == SituationPresent {
		return OutcomeDone, nil
	}

	// merge freshly received part data into the whole-blob buffer
	for partIdx := range state.Parts {
		part := &state.Parts[partIdx]
		if part.Here.IsSubsetOf(state.Whole.Here) {
			continue
		}
		for _, rng := range part.Here.Intervals() {
			if state.Whole.Here.ContainsInterval(rng) {
				continue
			}
			copy(state.Whole.Data[rng.Begin:rng.End], part.Data[rng.Begin:rng.End])
			state.Whole.Here.Add(rng)
		}
	}
	if state.Whole.Needed.IsSubsetOf(state.Whole.Here) {
		// all required data has been read
		state.WholeSituation = SituationPresent
		return OutcomeDone, nil
	}

	// find the slowest disk and mark it
	switch s.Acceleration {
	case AccelerationSkipOneSlowest:
		worstIdx, worstNs, nextToWorstNs := state.GetWorstPredictedDelaysNs(s.Oracle, s.HandleClass)

		// check if the slowest disk is exceptionally slow, or just not very fast
		slowDiskIdx := -1
		if nextToWorstNs > 0 && worstNs > nextToWorstNs*2 {
			slowDiskIdx = worstIdx
		}

		// mark a single slow disk
		for diskIdx := range state.Disks {
			state.Disks[diskIdx].IsSlow = false
		}
		if slowDiskIdx >= 0 {
			state.Disks[slowDiskIdx].IsSlow = true
		}
	case AccelerationSkipMarked:
		// the slowest disk is already marked
	}

	// traversal order: mains before handoffs, slow disks last, closer
	// disks first when the node layout is known
	diskIdxList := make([]int, len(state.Disks))
	for i := range diskIdxList {
		diskIdxList[i] = i
	}
	distance := func(diskIdx int) uint64 {
		isMain := diskIdx < numRings
		score := uint64(0)
		if !isMain {
			score++
		}
		if state.Disks[diskIdx].IsSlow {
			score += 2
		}
		score <<= 32
		if s.NodeLayout != nil {
			orderNumber := state.Disks[diskIdx].OrderNumber
			commonPrefixKey := topology.CommonPrefixKey(
				s.NodeLayout.LocationPerOrderNumber[orderNumber], s.NodeLayout.SelfLocation)
			score += uint64(uint32(int32(math.MaxInt32) - commonPrefixKey))
		}
		return score
	}
	sort.SliceStable(diskIdxList, func(x, y int) bool {
		return distance(diskIdxList[x]) < distance(diskIdxList[y])
	})

	// scan all disks and try to generate one new request
	requested := false
	for _, diskIdx := range diskIdxList {
		if requested = s.doRequestDisk(state, requests, diskIdx); requested {
			break
		}
	}

	var failed, possiblyWritten topology.SubgroupBitmap
	situations := make([]Situation, 0, numRings*numFailDomainsPerRing)
	for _, diskIdx := range diskIdxList {
		partIdx := diskIdx % numRings
		situation := state.Disks[diskIdx].DiskParts[partIdx].Situation
		switch situation {
		case SituationError:
			failed = failed.With(diskIdx)
			possiblyWritten = possiblyWritten.With(diskIdx)
		case SituationLost:
			possiblyWritten = possiblyWritten.With(diskIdx)
		}
		situations = append(situations, situation)
	}

	if !checker.CheckFailModelForSubgroup(failed) {
		return OutcomeError, ErrFailModelCheck
	} else if requested {
		// a GET was just issued or is still executing
		return OutcomeInProgress, nil
	} else if !state.Whole.Needed.IsSubsetOf(state.Whole.Here) {
		// nothing requested and required data is still missing, the blob is
		// lost from the surviving replicas' point of view
		glog.Warningf("missing blob# %s state# %s", state.Id, state)
		state.WholeSituation = SituationAbsent
		state.LooksLikePhantom = true
		if s.PhantomCheck || checker.CheckQuorumForSubgroup(possiblyWritten) {
			// return Absent only when the disks answered nothing but Absent
			// and Lost; any Error means the blob could still be restored
			for _, situation := range situations {
				switch situation {
				case SituationAbsent, SituationLost:
					// missing blob data, not an error
				case SituationUnknown, SituationPresent, SituationSent:
					debugAssert(false, "unexpected situation %s in terminal decision for blob %s", situation, state.Id)
					fallthrough
				case SituationError:
					state.WholeSituation = SituationError
				}
			}
		}
		return OutcomeDone, nil
	}
	debugAssert(false, "unreachable terminal state for blob %s", state.Id)
	return OutcomeError, ErrFailModelCheck
}
