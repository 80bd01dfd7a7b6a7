package repl

import (
	"os"
	"testing"

	"github.com/blobgroup/blobgroup/bgs/storage/types"
	"github.com/blobgroup/blobgroup/bgs/topology"
	"github.com/blobgroup/blobgroup/bgs/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	debugPanics = true
	os.Exit(m.Run())
}

func testBlobId(step types.Step, size uint32) types.BlobId {
	return types.BlobId{TabletId: 72075186224037888, Generation: 1, Step: step, Cookie: 1, BlobSize: size}
}

// maxFailuresChecker is a policy stub tolerating a fixed number of failed
// subgroup disks.
type maxFailuresChecker struct {
	max int
}

func (c *maxFailuresChecker) CheckFailModelForSubgroup(failed topology.SubgroupBitmap) bool {
	return failed.Count() <= c.max
}

func (c *maxFailuresChecker) CheckQuorumForSubgroup(possiblyWritten topology.SubgroupBitmap) bool {
	return true
}

type fixedDelayOracle struct {
	delays map[uint32]uint64
}

func (o *fixedDelayOracle) PredictedDelayNs(orderNum uint32, class topology.HandleClass) uint64 {
	return o.delays[orderNum]
}

func newTestStrategy(phantomCheck bool) *Mirror3dcGetStrategy {
	cfg := util.DefaultReplConfig()
	cfg.AccelerationMode = util.AccelerationModeSkipMarked
	return NewMirror3dcGetStrategy(cfg, nil, nil, phantomCheck)
}

// diskIdxByOrderNum maps the emitted GET back to the subgroup position.
func diskIdxByOrderNum(state *BlobState, orderNum uint32) int {
	for idx := range state.Disks {
		if state.Disks[idx].OrderNumber == orderNum {
			return idx
		}
	}
	return -1
}

func TestStrategyCleanRecovery(t *testing.T) {

	top := topology.NewTopology(types.GroupTypeMirror3dc)
	qc := top.QuorumChecker()
	id := testBlobId(100, 4096)
	state := NewBlobState(id, top)
	strategy := newTestStrategy(false)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}

	// first pass queries exactly one disk
	var requests GroupDiskRequests
	outcome, err := strategy.Process(state, qc, &requests)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, outcome)
	require.Len(t, requests.Gets, 1)
	get := requests.Gets[0]
	// a main replica is preferred
	firstIdx := diskIdxByOrderNum(state, get.OrderNumber)
	assert.Less(t, firstIdx, 3)
	// the requested ranges are recorded before the reply arrives
	assert.True(t, state.Disks[firstIdx].DiskParts[get.Id.PartIdx-1].Requested.
		Equal(util.NewIntervalSet(util.NewInterval(0, 4096))))

	// second pass without a reply keeps waiting on the same disk and does
	// not ask anybody else
	var again GroupDiskRequests
	outcome, err = strategy.Process(state, qc, &again)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, outcome)
	assert.Empty(t, again.Gets)

	// full part arrives
	state.AddResponseData(firstIdx, int(get.Id.PartIdx)-1, 0, payload)

	outcome, err = strategy.Process(state, qc, &requests)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, SituationPresent, state.WholeSituation)
	assert.Equal(t, payload, state.Whole.Data)
	assert.False(t, state.LooksLikePhantom)
}

func TestStrategyAbsentWithQuorum(t *testing.T) {

	top := topology.NewTopology(types.GroupTypeMirror3dc)
	qc := top.QuorumChecker()
	id := testBlobId(101, 4096)
	state := NewBlobState(id, top)
	strategy := newTestStrategy(true)

	// every queried disk positively reports absence
	for pass := 0; pass < len(state.Disks); pass++ {
		var requests GroupDiskRequests
		outcome, err := strategy.Process(state, qc, &requests)
		require.NoError(t, err)
		require.Equal(t, OutcomeInProgress, outcome, "pass %d", pass)
		require.Len(t, requests.Gets, 1)
		idx := diskIdxByOrderNum(state, requests.Gets[0].OrderNumber)
		state.AddNoDataResponse(idx, int(requests.Gets[0].Id.PartIdx)-1)
	}

	var requests GroupDiskRequests
	outcome, err := strategy.Process(state, qc, &requests)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, SituationAbsent, state.WholeSituation)
	assert.True(t, state.LooksLikePhantom)
}

func TestStrategyErrorDowngradesAbsent(t *testing.T) {

	top := topology.NewTopology(types.GroupTypeMirror3dc)
	qc := top.QuorumChecker()
	id := testBlobId(102, 4096)
	state := NewBlobState(id, top)
	strategy := newTestStrategy(true)

	// one disk errors, the rest report absence
	errored := false
	for pass := 0; pass < len(state.Disks); pass++ {
		var requests GroupDiskRequests
		outcome, err := strategy.Process(state, qc, &requests)
		require.NoError(t, err)
		require.Equal(t, OutcomeInProgress, outcome)
		require.Len(t, requests.Gets, 1)
		idx := diskIdxByOrderNum(state, requests.Gets[0].OrderNumber)
		partIdx := int(requests.Gets[0].Id.PartIdx) - 1
		if !errored {
			state.AddErrorResponse(idx, partIdx)
			errored = true
		} else {
			state.AddNoDataResponse(idx, partIdx)
		}
	}

	// a single Error among the replies means the blob could still exist
	var requests GroupDiskRequests
	outcome, err := strategy.Process(state, qc, &requests)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, SituationError, state.WholeSituation)
}

func TestStrategyFailModelViolated(t *testing.T) {

	top := topology.NewTopology(types.GroupTypeMirror3dc)
	id := testBlobId(103, 4096)
	state := NewBlobState(id, top)
	strategy := newTestStrategy(false)
	// an erasure policy tolerating only two failed disks
	qc := &maxFailuresChecker{max: 2}

	for pass := 0; ; pass++ {
		require.Less(t, pass, 4)
		var requests GroupDiskRequests
		outcome, err := strategy.Process(state, qc, &requests)
		if outcome == OutcomeError {
			assert.ErrorIs(t, err, ErrFailModelCheck)
			break
		}
		require.NoError(t, err)
		require.Len(t, requests.Gets, 1)
		idx := diskIdxByOrderNum(state, requests.Gets[0].OrderNumber)
		state.AddErrorResponse(idx, int(requests.Gets[0].Id.PartIdx)-1)
	}
}

func TestStrategySkipsSlowDisk(t *testing.T) {

	top := topology.NewTopology(types.GroupTypeMirror3dc)
	qc := top.QuorumChecker()
	id := testBlobId(104, 4096)
	state := NewBlobState(id, top)

	// the disk at subgroup position 0 is predicted to be 4x slower than the
	// runner-up
	delays := make(map[uint32]uint64)
	for idx := range state.Disks {
		delays[state.Disks[idx].OrderNumber] = 10_000_000 + uint64(idx)
	}
	slowOrderNum := state.Disks[0].OrderNumber
	delays[slowOrderNum] = 40_000_000

	strategy := &Mirror3dcGetStrategy{
		Acceleration: AccelerationSkipOneSlowest,
		Oracle:       &fixedDelayOracle{delays: delays},
	}

	var requests GroupDiskRequests
	outcome, err := strategy.Process(state, qc, &requests)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, outcome)

	assert.True(t, state.Disks[0].IsSlow)
	for idx := 1; idx < len(state.Disks); idx++ {
		assert.False(t, state.Disks[idx].IsSlow, "disk %d", idx)
	}

	// the slow disk is not the one queried even though it is a main replica
	require.Len(t, requests.Gets, 1)
	assert.NotEqual(t, slowOrderNum, requests.Gets[0].OrderNumber)

	// a 40ms vs 25ms spread does not trigger the skip
	state2 := NewBlobState(testBlobId(105, 4096), top)
	delays2 := make(map[uint32]uint64)
	for idx := range state2.Disks {
		delays2[state2.Disks[idx].OrderNumber] = 25_000_000
	}
	delays2[state2.Disks[0].OrderNumber] = 40_000_000
	strategy.Oracle = &fixedDelayOracle{delays: delays2}
	var requests2 GroupDiskRequests
	_, err = strategy.Process(state2, qc, &requests2)
	require.NoError(t, err)
	for idx := range state2.Disks {
		assert.False(t, state2.Disks[idx].IsSlow)
	}
}

func TestStrategyPrefersCloseDisks(t *testing.T) {

	top := topology.NewTopology(types.GroupTypeMirror3dc)
	qc := top.QuorumChecker()
	id := testBlobId(106, 4096)
	state := NewBlobState(id, top)

	// main replicas live in rings 0..2; make ring 1's main the only disk
	// sharing our data center
	layout := &topology.NodeLayout{
		LocationPerOrderNumber: make([]topology.Location, top.TotalDisks()),
		SelfLocation:           topology.NewLocation("dc2", "rack1", "node1"),
	}
	for orderNum := range layout.LocationPerOrderNumber {
		layout.LocationPerOrderNumber[orderNum] = topology.NewLocation("dc9", "rack9", "node9")
	}
	nearOrderNum := state.Disks[1].OrderNumber
	layout.LocationPerOrderNumber[nearOrderNum] = topology.NewLocation("dc2", "rack2", "node2")

	strategy := &Mirror3dcGetStrategy{
		NodeLayout:   layout,
		Acceleration: AccelerationSkipMarked,
	}

	var requests GroupDiskRequests
	outcome, err := strategy.Process(state, qc, &requests)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, outcome)
	require.Len(t, requests.Gets, 1)
	assert.Equal(t, nearOrderNum, requests.Gets[0].OrderNumber)
}
