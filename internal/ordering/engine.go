// Package ordering decides the admission order of competing bids.
//
// Bids of one auction are evaluated one at a time against the aggregate.
// When several bids for the same auction arrive in one broker batch they
// share an arrival sequence and are evaluated in canonical order: arrival
// sequence ascending, amount descending, bidder id ascending, bid id
// ascending. Equal amounts are therefore won by the earliest arrival, and
// within one arrival by the lowest bidder id.
package ordering

import (
	"sort"

	"gavel.io/gavel/internal/domain"
)

// Engine applies prechecks and the canonical evaluation order.
// It holds no per-auction state; callers serialize per auction.
type Engine struct {
	staleTolerance int64
}

// NewEngine creates an engine. A negative staleTolerance disables the
// causal version check.
func NewEngine(staleTolerance int64) *Engine {
	return &Engine{staleTolerance: staleTolerance}
}

// Precheck rejects a bid before it is queued. Only expiry is decided here:
// a bid submitted at or after the close time is rejected whatever the
// auction state.
func (e *Engine) Precheck(a *domain.Auction, bid *domain.Bid) (domain.BidDecision, bool) {
	if !bid.SubmittedAt.Before(a.CloseAt) {
		d := domain.Reject(domain.ReasonAuctionExpired, a.Version)
		bid.Record(d)
		return d, true
	}
	return domain.BidDecision{}, false
}

// Admit evaluates a single bid against a. a is mutated when the bid is accepted.
func (e *Engine) Admit(a *domain.Auction, bid *domain.Bid) domain.BidDecision {
	if d, rejected := e.Precheck(a, bid); rejected {
		return d
	}
	return a.ApplyBid(bid, bid.CausalVersion, e.staleTolerance)
}

// AdmitBatch sorts bids into canonical order in place and admits them one by
// one. The returned decisions are aligned with the sorted slice.
func (e *Engine) AdmitBatch(a *domain.Auction, bids []*domain.Bid) []domain.BidDecision {
	Sort(bids)
	decisions := make([]domain.BidDecision, len(bids))
	for i, bid := range bids {
		decisions[i] = e.Admit(a, bid)
	}
	return decisions
}

// Sort orders bids canonically.
func Sort(bids []*domain.Bid) {
	sort.SliceStable(bids, func(i, j int) bool {
		return Less(bids[i], bids[j])
	})
}

// Less reports whether a is evaluated before b.
func Less(a, b *domain.Bid) bool {
	if a.ArrivalSeq != b.ArrivalSeq {
		return a.ArrivalSeq < b.ArrivalSeq
	}
	if c := a.Amount.Cmp(b.Amount); c != 0 {
		return c > 0
	}
	if a.BidderID != b.BidderID {
		return a.BidderID < b.BidderID
	}
	return a.ID < b.ID
}
