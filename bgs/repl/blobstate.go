package repl

import (
	"fmt"

	"github.com/blobgroup/blobgroup/bgs/storage/types"
	"github.com/blobgroup/blobgroup/bgs/topology"
	"github.com/blobgroup/blobgroup/bgs/util"
)

// Situation is what we know about one part on one disk, or about the whole
// blob.
type Situation uint8

const (
	SituationUnknown Situation = iota
	SituationPresent
	SituationAbsent
	SituationLost
	SituationError
	SituationSent
)

func (s Situation) String() string {
	switch s {
	case SituationUnknown:
		return "Unknown"
	case SituationPresent:
		return "Present"
	case SituationAbsent:
		return "Absent"
	case SituationLost:
		return "Lost"
	case SituationError:
		return "Error"
	case SituationSent:
		return "Sent"
	}
	return fmt.Sprintf("Situation(%d)", uint8(s))
}

// PartState accumulates the byte ranges of one part received so far.
type PartState struct {
	Here util.IntervalSet
	Data []byte
}

// WholeState tracks reconstruction of the requested blob ranges.
type WholeState struct {
	Needed util.IntervalSet
	Here   util.IntervalSet
	Data   []byte
}

// DiskPartState is the per-disk view of one part: what the disk answered and
// which ranges we asked it for.
type DiskPartState struct {
	Situation Situation
	Requested util.IntervalSet
}

// DiskState is the per-subgroup-disk bookkeeping of one blob under recovery.
type DiskState struct {
	OrderNumber uint32
	IsSlow      bool
	DiskParts   []DiskPartState
}

// BlobState is the aggregation buffer for one blob: everything the peer
// replies have told us so far.
type BlobState struct {
	Id               types.BlobId
	Parts            []PartState
	Whole            WholeState
	Disks            []DiskState
	WholeSituation   Situation
	LooksLikePhantom bool
}

// NewBlobState prepares the state for recovering the full blob from its
// subgroup.
func NewBlobState(id types.BlobId, top *topology.Topology) *BlobState {
	totalParts := top.GType.TotalPartCount()
	s := &BlobState{
		Id:             id,
		Parts:          make([]PartState, totalParts),
		WholeSituation: SituationUnknown,
	}
	s.Whole.Needed.Add(util.NewInterval(0, int64(id.BlobSize)))
	s.Whole.Data = make([]byte, id.BlobSize)
	for p := range s.Parts {
		partSize := top.GType.PartSize(types.NewPartId(id, uint8(p+1)))
		s.Parts[p].Data = make([]byte, partSize)
	}
	for _, orderNum := range top.PickSubgroup(id.Hash()) {
		s.Disks = append(s.Disks, DiskState{
			OrderNumber: orderNum,
			DiskParts:   make([]DiskPartState, totalParts),
		})
	}
	return s
}

func (s *BlobState) diskPart(diskIdx, partIdx int) *DiskPartState {
	return &s.Disks[diskIdx].DiskParts[partIdx]
}

// AddResponseData merges a data reply from one disk: the bytes land in the
// part buffer and the requested set shrinks by the satisfied range.
func (s *BlobState) AddResponseData(diskIdx int, partIdx int, shift int64, data []byte) {
	part := &s.Parts[partIdx]
	got := util.NewInterval(shift, shift+int64(len(data)))
	copy(part.Data[shift:], data)
	part.Here.Add(got)

	dp := s.diskPart(diskIdx, partIdx)
	dp.Situation = SituationPresent
	dp.Requested.Subtract(util.NewIntervalSet(got))
}

// AddNoDataResponse: the disk positively reported it has no such part.
func (s *BlobState) AddNoDataResponse(diskIdx int, partIdx int) {
	dp := s.diskPart(diskIdx, partIdx)
	dp.Situation = SituationAbsent
	dp.Requested.Clear()
}

// AddNotYetResponse: the disk once had the part but destroyed its data.
func (s *BlobState) AddNotYetResponse(diskIdx int, partIdx int) {
	dp := s.diskPart(diskIdx, partIdx)
	dp.Situation = SituationLost
	dp.Requested.Clear()
}

// AddErrorResponse: the request to the disk failed.
func (s *BlobState) AddErrorResponse(diskIdx int, partIdx int) {
	dp := s.diskPart(diskIdx, partIdx)
	dp.Situation = SituationError
	dp.Requested.Clear()
}

// GetWorstPredictedDelaysNs scans the subgroup's predicted queue delays and
// returns the worst disk together with the two top delay values.
func (s *BlobState) GetWorstPredictedDelaysNs(oracle topology.DelayOracle, class topology.HandleClass) (worstIdx int, worstNs, nextToWorstNs uint64) {
	worstIdx = -1
	for diskIdx := range s.Disks {
		ns := oracle.PredictedDelayNs(s.Disks[diskIdx].OrderNumber, class)
		if ns > worstNs {
			nextToWorstNs = worstNs
			worstNs = ns
			worstIdx = diskIdx
		} else if ns > nextToWorstNs {
			nextToWorstNs = ns
		}
	}
	return
}

func (s *BlobState) String() string {
	return fmt.Sprintf("{id# %s whole# %s needed# %s here# %s}",
		s.Id, s.WholeSituation, s.Whole.Needed.String(), s.Whole.Here.String())
}
