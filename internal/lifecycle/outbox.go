package lifecycle

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"gavel.io/gavel/internal/dedup"
	"gavel.io/gavel/internal/pkg/logger"
	"gavel.io/gavel/internal/pkg/worker"
)

// outbox serializes outcome publishing per auction. Records of one auction
// are published in the order they were committed by at most one general pool
// task at a time; different auctions publish in parallel.
type outbox struct {
	mu      sync.Mutex
	pending map[string][]dedup.Record // key present while a drain task owns the auction
}

func newOutbox() *outbox {
	return &outbox{pending: make(map[string][]dedup.Record)}
}

// enqueue appends recs to the auction's queue and reports whether the caller
// must start a drain task for it.
func (b *outbox) enqueue(auctionID string, recs []dedup.Record) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	queued, draining := b.pending[auctionID]
	b.pending[auctionID] = append(queued, recs...)
	return !draining
}

// next hands the queued records to the drain task, releasing the auction once
// nothing is left.
func (b *outbox) next(auctionID string) []dedup.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	recs := b.pending[auctionID]
	if len(recs) == 0 {
		delete(b.pending, auctionID)
		return nil
	}
	b.pending[auctionID] = []dedup.Record{}
	return recs
}

func (b *outbox) release(auctionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, auctionID)
}

// publishAsync queues recs for publishing behind earlier outcomes of the same
// auction. Records that fail to publish stay unpublished for the relay.
func (o *Orchestrator) publishAsync(recs []dedup.Record) {
	var order []string
	byAuction := make(map[string][]dedup.Record)
	for _, rec := range recs {
		if _, ok := byAuction[rec.AuctionID]; !ok {
			order = append(order, rec.AuctionID)
		}
		byAuction[rec.AuctionID] = append(byAuction[rec.AuctionID], rec)
	}

	for _, id := range order {
		if !o.outbox.enqueue(id, byAuction[id]) {
			continue
		}
		auctionID := id
		err := o.pools.SubmitDetached(worker.PoolGeneral, func(ctx context.Context) {
			o.drainOutbox(ctx, auctionID)
		})
		if err != nil {
			o.outbox.release(auctionID)
			o.log.Warn("Outcome publish not scheduled, left for relay", logger.AuctionID(auctionID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) drainOutbox(ctx context.Context, auctionID string) {
	finished := false
	defer func() {
		// a panicking publish must not leave the auction owned forever
		if !finished {
			o.outbox.release(auctionID)
		}
	}()
	for {
		recs := o.outbox.next(auctionID)
		if recs == nil {
			finished = true
			return
		}
		if _, err := o.publish(ctx, recs); err != nil {
			o.log.Warn("Outcome publish failed, left for relay", logger.AuctionID(auctionID), zap.Error(err))
		}
	}
}
