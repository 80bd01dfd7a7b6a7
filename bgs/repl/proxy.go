package repl

import (
	"context"
	"fmt"
	"time"

	"github.com/blobgroup/blobgroup/bgs/storage/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
)

// maxProxyBatchBlobs bounds how many seeded blobs one Fetch covers.
const maxProxyBatchBlobs = 128

// VDiskProxy is the pull-style iterator over one peer disk's contribution to
// the quantum. Items arrive in blob-id order; HandleNext feeds a received
// batch, then Valid/GetData/Next consume it.
type VDiskProxy interface {
	// Put seeds the proxy with one expected blob (PartIdx 0) or explicit
	// part (donor mode). Must be called in ascending id order, before Run.
	Put(id types.PartId, expectedReplySize uint64)
	// Run starts the fetch task; results arrive as ProxyNextResult events
	// carrying proxyIdx.
	Run(ctx context.Context, proxyIdx int, sink Mailbox)
	// SendNextRequest asks for the following batch.
	SendNextRequest()
	// HandleNext ingests one ProxyNextResult.
	HandleNext(res ProxyNextResult)
	Valid() bool
	CurBlobId() types.BlobId
	GetData() (types.PartId, ReplyStatus, []byte)
	Next()
	IsEof() bool
	OrderNum() uint32
	NoTransientErrors() bool
	Stat() ProxyStat
}

// PeerProxy is the PeerReader-backed VDiskProxy. The fetch task pulls one
// batch per request token, retrying transient reader errors with capped
// exponential backoff before degrading the batch to ERROR items.
type PeerProxy struct {
	orderNum uint32
	reader   PeerReader

	requests []ProxyRequest
	nextReq  int

	items  []ProxyItem
	cursor int
	eof    bool

	stat ProxyStat

	fetchCh chan struct{}
	group   *errgroup.Group
}

func NewPeerProxy(orderNum uint32, reader PeerReader) *PeerProxy {
	return &PeerProxy{
		orderNum: orderNum,
		reader:   reader,
		fetchCh:  make(chan struct{}, 1),
	}
}

func (p *PeerProxy) Put(id types.PartId, expectedReplySize uint64) {
	if n := len(p.requests); n > 0 {
		last := p.requests[n-1]
		debugAssert(last.Id.BlobId.Less(id.BlobId) || last.Id.BlobId == id.BlobId,
			"proxy disk %d seeded out of order: %s after %s", p.orderNum, id, last.Id)
	}
	p.requests = append(p.requests, ProxyRequest{Id: id, ExpectedSize: expectedReplySize})
}

func (p *PeerProxy) OrderNum() uint32 {
	return p.orderNum
}

func (p *PeerProxy) Run(ctx context.Context, proxyIdx int, sink Mailbox) {
	p.group, ctx = errgroup.WithContext(ctx)
	p.group.Go(func() error {
		return p.fetchLoop(ctx, proxyIdx, sink)
	})
	// the first batch needs no explicit token
	p.fetchCh <- struct{}{}
}

func (p *PeerProxy) SendNextRequest() {
	select {
	case p.fetchCh <- struct{}{}:
	default:
		// a request is already queued
	}
}

func (p *PeerProxy) fetchLoop(ctx context.Context, proxyIdx int, sink Mailbox) error {
	reqIdx := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.fetchCh:
		}
		if reqIdx >= len(p.requests) {
			sink.Deliver(ProxyNextResult{ProxyIdx: proxyIdx, Eof: true})
			return nil
		}
		window := p.requests[reqIdx:min(reqIdx+maxProxyBatchBlobs, len(p.requests))]
		reqIdx += len(window)

		items, err := p.fetchBatch(ctx, window)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// degrade the whole window to errors, recovery may still
			// succeed from the other replicas
			glog.Warningf("proxy disk %d fetch failed: %v", p.orderNum, err)
			items = items[:0]
			for _, req := range window {
				items = append(items, ProxyItem{Id: req.Id, Status: StatusError})
			}
		}
		sink.Deliver(ProxyNextResult{
			ProxyIdx: proxyIdx,
			Items:    items,
			Eof:      reqIdx >= len(p.requests),
		})
	}
}

func (p *PeerProxy) fetchBatch(ctx context.Context, window []ProxyRequest) ([]ProxyItem, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(20*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), 4), ctx)
	var items []ProxyItem
	err := backoff.Retry(func() error {
		var ferr error
		items, ferr = p.reader.Fetch(ctx, p.orderNum, window)
		if ferr != nil {
			return fmt.Errorf("fetch from disk %d: %v", p.orderNum, ferr)
		}
		return nil
	}, policy)
	return items, err
}

// HandleNext runs on the job task; the mailbox serializes it against the
// fetch task.
func (p *PeerProxy) HandleNext(res ProxyNextResult) {
	p.stat.VGetsSent++
	p.stat.VGetResults++
	for _, item := range res.Items {
		switch item.Status {
		case StatusOK:
			p.stat.OkItems++
			p.stat.BytesReceived += uint64(len(item.Data))
		case StatusNoData:
			p.stat.NoDataItems++
		case StatusNotYet:
			p.stat.NotYetItems++
		case StatusError:
			p.stat.ErrorItems++
			p.stat.TransientErrors++
		}
	}
	p.items = res.Items
	p.cursor = 0
	if res.Eof {
		p.eof = true
	}
}

func (p *PeerProxy) Valid() bool {
	return p.cursor < len(p.items)
}

func (p *PeerProxy) CurBlobId() types.BlobId {
	return p.items[p.cursor].Id.BlobId
}

func (p *PeerProxy) GetData() (types.PartId, ReplyStatus, []byte) {
	item := p.items[p.cursor]
	return item.Id, item.Status, item.Data
}

func (p *PeerProxy) Next() {
	p.cursor++
}

// IsEof: the peer reported end of stream and the local buffer is drained.
func (p *PeerProxy) IsEof() bool {
	return p.eof && !p.Valid()
}

func (p *PeerProxy) NoTransientErrors() bool {
	return p.stat.TransientErrors == 0
}

func (p *PeerProxy) Stat() ProxyStat {
	return p.stat
}
