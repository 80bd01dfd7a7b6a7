package repl

import (
	"time"

	"github.com/blobgroup/blobgroup/bgs/util"
	"golang.org/x/time/rate"
)

// quoterBurstFloor keeps the bucket large enough to admit the biggest single
// message (a full chunk write) even at low configured rates.
const quoterBurstFloor = 16 << 20

// ReplQuoter paces replication writes to the configured byte rate. Each
// token in the bucket represents one byte. It is shared by every job on the
// node; messages are delayed, never dropped.
type ReplQuoter struct {
	limiter *rate.Limiter
}

// NewReplQuoter creates a quoter; ratePerSec 0 disables pacing.
func NewReplQuoter(ratePerSec int64) *ReplQuoter {
	if ratePerSec <= 0 {
		return &ReplQuoter{}
	}
	burst := int(ratePerSec)
	if burst < quoterBurstFloor {
		burst = quoterBurstFloor
	}
	return &ReplQuoter{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// NewReplQuoterFromConfig builds the node-wide replication write quoter.
func NewReplQuoterFromConfig(cfg *util.ReplConfig) *ReplQuoter {
	return NewReplQuoter(cfg.PDiskWriteRateBytes)
}

// QuoteMessage sends the message once the rate budget admits its size.
func (q *ReplQuoter) QuoteMessage(bytes int64, send func()) {
	if q.limiter == nil {
		send()
		return
	}
	n := int(bytes)
	if n > q.limiter.Burst() {
		n = q.limiter.Burst()
	}
	now := time.Now()
	rv := q.limiter.ReserveN(now, n)
	if !rv.OK() {
		// cannot happen with n clamped to the burst size
		send()
		return
	}
	if delay := rv.DelayFrom(now); delay > 0 {
		time.AfterFunc(delay, send)
		return
	}
	send()
}
