package repl

import (
	"fmt"
)

// WriterState is the externally visible state of the SST stream writer; the
// job drives every transition.
type WriterState uint8

const (
	// WriterStopped: no SST in progress; Begin starts one.
	WriterStopped WriterState = iota
	// WriterCollect: accepting recovered blobs.
	WriterCollect
	// WriterPDiskMessagePending: a reserve or write must be fetched with
	// GetPendingPDiskMsg and sent to the device.
	WriterPDiskMessagePending
	// WriterNotReady: waiting for the device to acknowledge.
	WriterNotReady
	// WriterCommitPending: the SST is fully on disk, the commit record must
	// be fetched with GetPendingCommitMsg.
	WriterCommitPending
	// WriterWaitingForCommit: commit record sent, waiting for the ack.
	WriterWaitingForCommit
	// WriterError: device or commit failure; fatal for the job.
	WriterError
)

func (s WriterState) String() string {
	switch s {
	case WriterStopped:
		return "STOPPED"
	case WriterCollect:
		return "COLLECT"
	case WriterPDiskMessagePending:
		return "PDISK_MESSAGE_PENDING"
	case WriterNotReady:
		return "NOT_READY"
	case WriterCommitPending:
		return "COMMIT_PENDING"
	case WriterWaitingForCommit:
		return "WAITING_FOR_COMMIT"
	case WriterError:
		return "ERROR"
	}
	return fmt.Sprintf("WriterState(%d)", uint8(s))
}

// SstStreamWriter streams recovered blobs into reserved device chunks and
// fences every finished SST with a commit record. One writer handles one
// SST at a time.
type SstStreamWriter struct {
	chunkSize    uint32
	chunksPerSst int

	state        WriterState
	pendingPDisk interface{} // *ChunkReserveMsg or *ChunkWriteMsg
	err          error

	chunkIds    []uint32 // reserved for the current SST
	chunkCursor int      // next chunk to write
	buf         []byte   // payload of the chunk being filled
	entries     []SstIndexEntry

	flushAndCommit bool // current SST ran out of space
	finishing      bool // Finish was called
}

func NewSstStreamWriter(chunkSize uint32, chunksPerSst int) *SstStreamWriter {
	return &SstStreamWriter{
		chunkSize:    chunkSize,
		chunksPerSst: chunksPerSst,
		state:        WriterStopped,
	}
}

func (w *SstStreamWriter) GetState() WriterState {
	return w.state
}

func (w *SstStreamWriter) Err() error {
	return w.err
}

// Begin opens a new SST by reserving its chunks.
func (w *SstStreamWriter) Begin() {
	debugAssert(w.state == WriterStopped, "Begin in state %s", w.state)
	w.pendingPDisk = &ChunkReserveMsg{Count: w.chunksPerSst}
	w.state = WriterPDiskMessagePending
}

// AddRecoveredBlob stages one blob into the SST. Returns false when the SST
// has no room left; the caller must then drive the writer through flush and
// commit until it stops, and Begin a new SST.
func (w *SstStreamWriter) AddRecoveredBlob(blob *RecoveredBlob) bool {
	debugAssert(w.state == WriterCollect, "AddRecoveredBlob in state %s", w.state)
	size := uint32(len(blob.Data))
	debugAssert(size <= w.chunkSize, "blob %s larger than a chunk", blob.Id)

	if uint32(len(w.buf))+size > w.chunkSize {
		// current chunk cannot take it, flush and use the next chunk
		if w.chunkCursor+1 >= len(w.chunkIds) {
			// no next chunk, the SST is full
			w.flushAndCommit = true
			w.flushChunk()
			return false
		}
		w.flushChunk()
	}

	w.entries = append(w.entries, SstIndexEntry{
		Id:       blob.Id,
		ChunkIdx: w.chunkIds[w.chunkCursor],
		Offset:   uint32(len(w.buf)),
		Size:     size,
	})
	w.buf = append(w.buf, blob.Data...)
	return true
}

// flushChunk turns the chunk buffer into a pending write.
func (w *SstStreamWriter) flushChunk() {
	debugAssert(w.state == WriterCollect, "flushChunk in state %s", w.state)
	w.pendingPDisk = &ChunkWriteMsg{
		ChunkIdx: w.chunkIds[w.chunkCursor],
		Data:     w.buf,
	}
	w.buf = nil
	w.chunkCursor++
	w.state = WriterPDiskMessagePending
}

// GetPendingPDiskMsg hands out the queued device operation; the writer then
// waits for the matching Apply call.
func (w *SstStreamWriter) GetPendingPDiskMsg() interface{} {
	debugAssert(w.state == WriterPDiskMessagePending, "GetPendingPDiskMsg in state %s", w.state)
	msg := w.pendingPDisk
	w.pendingPDisk = nil
	w.state = WriterNotReady
	return msg
}

func (w *SstStreamWriter) ApplyReserve(res ChunkReserveResult) {
	debugAssert(w.state == WriterNotReady, "ApplyReserve in state %s", w.state)
	if res.Err != nil {
		w.fail(fmt.Errorf("chunk reserve: %v", res.Err))
		return
	}
	debugAssert(len(res.ChunkIds) == w.chunksPerSst, "reserved %d chunks, wanted %d", len(res.ChunkIds), w.chunksPerSst)
	w.chunkIds = res.ChunkIds
	w.chunkCursor = 0
	w.state = WriterCollect
}

func (w *SstStreamWriter) ApplyWrite(res ChunkWriteResult) {
	debugAssert(w.state == WriterNotReady, "ApplyWrite in state %s", w.state)
	if res.Err != nil {
		w.fail(fmt.Errorf("chunk write: %v", res.Err))
		return
	}
	if (w.flushAndCommit || w.finishing) && len(w.buf) == 0 {
		w.state = WriterCommitPending
		return
	}
	w.state = WriterCollect
}

// Finish flushes the tail of the current SST and arranges the commit.
func (w *SstStreamWriter) Finish() {
	debugAssert(w.state == WriterCollect, "Finish in state %s", w.state)
	w.finishing = true
	if len(w.buf) > 0 {
		w.flushChunk()
		return
	}
	w.state = WriterCommitPending
}

// GetPendingCommitMsg builds the commit record for the finished SST.
func (w *SstStreamWriter) GetPendingCommitMsg() *CommitSstMsg {
	debugAssert(w.state == WriterCommitPending, "GetPendingCommitMsg in state %s", w.state)
	msg := &CommitSstMsg{
		ChunkIds: w.chunkIds[:w.chunkCursor],
		Entries:  w.entries,
	}
	w.state = WriterWaitingForCommit
	return msg
}

// ApplyCommit resets the writer after the commit ack; a new SST may Begin.
func (w *SstStreamWriter) ApplyCommit(res AddBulkSstResult) {
	debugAssert(w.state == WriterWaitingForCommit, "ApplyCommit in state %s", w.state)
	if res.Err != nil {
		w.fail(fmt.Errorf("sst commit: %v", res.Err))
		return
	}
	w.chunkIds = nil
	w.chunkCursor = 0
	w.entries = nil
	w.flushAndCommit = false
	w.finishing = false
	w.state = WriterStopped
}

func (w *SstStreamWriter) fail(err error) {
	w.err = err
	w.state = WriterError
}
