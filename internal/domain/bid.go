package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BidOutcome is the admission result of a bid.
type BidOutcome string

const (
	OutcomePending  BidOutcome = "PENDING"
	OutcomeAccepted BidOutcome = "ACCEPTED"
	OutcomeRejected BidOutcome = "REJECTED"
)

// RejectReason explains a rejected bid.
type RejectReason string

const (
	ReasonAuctionNotOpen RejectReason = "AUCTION_NOT_OPEN"
	ReasonAmountTooLow   RejectReason = "AMOUNT_TOO_LOW"
	ReasonStaleVersion   RejectReason = "STALE_VERSION"
	ReasonAuctionExpired RejectReason = "AUCTION_EXPIRED"
)

// Bid is a single offer on an auction. It is immutable once recorded.
type Bid struct {
	ID          string          `json:"id"`
	AuctionID   string          `json:"auctionId"`
	BidderID    string          `json:"bidderId"`
	Amount      decimal.Decimal `json:"amount"`
	SubmittedAt time.Time       `json:"submittedAt"`

	// ArrivalSeq is assigned on admission; zero for bids rejected before queueing.
	ArrivalSeq    int64  `json:"arrivalSeq"`
	CausalVersion int64  `json:"causalVersion"`
	EventID       string `json:"eventId"`

	Outcome         BidOutcome   `json:"outcome"`
	Reason          RejectReason `json:"reason,omitempty"`
	RecordedVersion int64        `json:"recordedVersion"`
	RecordedAt      time.Time    `json:"recordedAt"`
}

// BidDecision is the result of evaluating one bid.
type BidDecision struct {
	Outcome BidOutcome
	Reason  RejectReason
	// Version is the auction version after evaluation.
	Version int64
}

// Accepted reports whether the bid became the highest bid.
func (d BidDecision) Accepted() bool {
	return d.Outcome == OutcomeAccepted
}

// Reject builds a rejection decision at the given auction version.
func Reject(reason RejectReason, version int64) BidDecision {
	return BidDecision{Outcome: OutcomeRejected, Reason: reason, Version: version}
}

// Decision returns the recorded decision of an evaluated bid.
func (b *Bid) Decision() BidDecision {
	return BidDecision{Outcome: b.Outcome, Reason: b.Reason, Version: b.RecordedVersion}
}

// Record stores d as the bid's outcome.
func (b *Bid) Record(d BidDecision) {
	b.Outcome = d.Outcome
	b.Reason = d.Reason
	b.RecordedVersion = d.Version
}
