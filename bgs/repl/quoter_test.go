package repl

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuoterDisabledSendsInline(t *testing.T) {

	q := NewReplQuoter(0)
	sent := false
	q.QuoteMessage(1<<20, func() { sent = true })
	assert.True(t, sent)
}

func TestQuoterDeliversEverything(t *testing.T) {

	q := NewReplQuoter(1 << 30)
	var sent atomic.Int32
	for i := 0; i < 10; i++ {
		q.QuoteMessage(1<<20, func() { sent.Add(1) })
	}
	deadline := time.Now().Add(2 * time.Second)
	for sent.Load() != 10 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int32(10), sent.Load())
}

func TestQuoterAdmitsFullChunkAtLowRate(t *testing.T) {

	// rate far below a chunk size: the burst floor must still admit it
	q := NewReplQuoter(1024)
	var sent atomic.Bool
	q.QuoteMessage(8<<20, func() { sent.Store(true) })
	deadline := time.Now().Add(2 * time.Second)
	for !sent.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.True(t, sent.Load())
}
