package domain

import (
	"time"

	"github.com/shopspring/decimal"

	apperrors "gavel.io/gavel/internal/pkg/errors"
)

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

const (
	StatusPending   AuctionStatus = "PENDING"
	StatusOpen      AuctionStatus = "OPEN"
	StatusClosed    AuctionStatus = "CLOSED"
	StatusCancelled AuctionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s AuctionStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// CloseReason records why an auction closed.
type CloseReason string

const (
	CloseTimeout CloseReason = "TIMEOUT"
	CloseManual  CloseReason = "MANUAL"
	CloseNoBids  CloseReason = "NO_BIDS"
)

// AuctionSpec is the validated input of NewAuction.
type AuctionSpec struct {
	ID            string
	SellerID      string
	StartingPrice decimal.Decimal
	Currency      string
	OpenAt        time.Time
	CloseAt       time.Time
	MediaKeys     []string
}

// Auction is the aggregate root. Every mutation goes through its methods and
// bumps Version by one.
type Auction struct {
	ID            string          `json:"id"`
	SellerID      string          `json:"sellerId"`
	StartingPrice decimal.Decimal `json:"startingPrice"`
	Currency      string          `json:"currency"`
	OpenAt        time.Time       `json:"openAt"`
	CloseAt       time.Time       `json:"closeAt"`
	MediaKeys     []string        `json:"mediaKeys,omitempty"`

	Status        AuctionStatus   `json:"status"`
	HighestBidID  string          `json:"highestBidId,omitempty"`
	HighestAmount decimal.Decimal `json:"highestAmount"`
	BidCount      int             `json:"bidCount"`
	Version       int64           `json:"version"`
	ClosedReason  CloseReason     `json:"closedReason,omitempty"`
	CancelReason  string          `json:"cancelReason,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ClosedAt   *time.Time `json:"closedAt,omitempty"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// NewAuction validates spec and returns a new auction at version 1.
// With scheduled set and an open time after now, the auction starts PENDING.
func NewAuction(spec AuctionSpec, now time.Time, scheduled bool) (*Auction, error) {
	switch {
	case spec.ID == "":
		return nil, apperrors.ErrInvalidAuctionSpecf("id", "is required")
	case spec.SellerID == "":
		return nil, apperrors.ErrInvalidAuctionSpecf("sellerId", "is required")
	case !validCurrency(spec.Currency):
		return nil, apperrors.ErrInvalidAuctionSpecf("currency", "must be a 3-letter ISO-4217 code")
	case !spec.StartingPrice.IsPositive():
		return nil, apperrors.ErrInvalidAuctionSpecf("startingPrice", "must be positive")
	case spec.OpenAt.IsZero() || spec.CloseAt.IsZero():
		return nil, apperrors.ErrInvalidAuctionSpecf("openAt", "open and close times are required")
	case !spec.CloseAt.After(spec.OpenAt):
		return nil, apperrors.ErrInvalidAuctionSpecf("closeAt", "must be after openAt")
	}

	status := StatusOpen
	if scheduled && spec.OpenAt.After(now) {
		status = StatusPending
	}

	return &Auction{
		ID:            spec.ID,
		SellerID:      spec.SellerID,
		StartingPrice: spec.StartingPrice,
		Currency:      spec.Currency,
		OpenAt:        spec.OpenAt.UTC(),
		CloseAt:       spec.CloseAt.UTC(),
		MediaKeys:     append([]string(nil), spec.MediaKeys...),
		Status:        status,
		HighestAmount: decimal.Zero,
		Version:       1,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}, nil
}

func validCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if c[i] < 'A' || c[i] > 'Z' {
			return false
		}
	}
	return true
}

// ApplyBid evaluates bid against the auction and, if accepted, makes it the
// highest bid. causalVersion is the auction version the producer observed;
// a negative tolerance disables the staleness check. The bid's outcome fields
// are filled in either way. Rejections never change the auction.
func (a *Auction) ApplyBid(bid *Bid, causalVersion, tolerance int64) BidDecision {
	reason := a.rejection(bid, causalVersion, tolerance)
	if reason != "" {
		d := BidDecision{Outcome: OutcomeRejected, Reason: reason, Version: a.Version}
		bid.Record(d)
		return d
	}

	a.HighestBidID = bid.ID
	a.HighestAmount = bid.Amount
	a.BidCount++
	a.touch(bid.SubmittedAt)

	d := BidDecision{Outcome: OutcomeAccepted, Version: a.Version}
	bid.Record(d)
	return d
}

func (a *Auction) rejection(bid *Bid, causalVersion, tolerance int64) RejectReason {
	if a.Status != StatusOpen {
		return ReasonAuctionNotOpen
	}
	if !bid.SubmittedAt.Before(a.CloseAt) {
		return ReasonAuctionExpired
	}
	if IsStale(a.Version, causalVersion, tolerance) {
		return ReasonStaleVersion
	}
	if a.BidCount == 0 {
		if bid.Amount.LessThan(a.StartingPrice) {
			return ReasonAmountTooLow
		}
		return ""
	}
	if !bid.Amount.GreaterThan(a.HighestAmount) {
		return ReasonAmountTooLow
	}
	return ""
}

// IsStale reports whether a causal version differs from the current one by
// more than tolerance. A version ahead of the auction was never observed by
// the producer, so it counts as a mismatch the same as one that lags.
// A negative tolerance never reports staleness.
func IsStale(current, causal, tolerance int64) bool {
	if tolerance < 0 {
		return false
	}
	diff := current - causal
	if diff < 0 {
		diff = -diff
	}
	return diff > tolerance
}

// Close moves the auction to CLOSED. A TIMEOUT close without any accepted bid
// is recorded as NO_BIDS.
func (a *Auction) Close(reason CloseReason, at time.Time) error {
	if a.Status.IsTerminal() {
		return apperrors.ErrAuctionAlreadyTerminalf(a.ID, string(a.Status))
	}
	if reason == CloseTimeout && a.BidCount == 0 {
		reason = CloseNoBids
	}
	a.Status = StatusClosed
	a.ClosedReason = reason
	closedAt := at.UTC()
	a.ClosedAt = &closedAt
	a.touch(at)
	return nil
}

// Cancel moves the auction to CANCELLED.
func (a *Auction) Cancel(reason string, at time.Time) error {
	if a.Status.IsTerminal() {
		return apperrors.ErrAuctionAlreadyTerminalf(a.ID, string(a.Status))
	}
	a.Status = StatusCancelled
	a.CancelReason = reason
	closedAt := at.UTC()
	a.ClosedAt = &closedAt
	a.touch(at)
	return nil
}

// Open moves a PENDING auction to OPEN once its open time has passed.
func (a *Auction) Open(at time.Time) error {
	if a.Status != StatusPending {
		if a.Status.IsTerminal() {
			return apperrors.ErrAuctionAlreadyTerminalf(a.ID, string(a.Status))
		}
		return apperrors.Business(apperrors.CodeAuctionNotPending, "auction is not pending")
	}
	if at.Before(a.OpenAt) {
		return apperrors.Business(apperrors.CodeAuctionNotDue, "auction open time has not passed")
	}
	a.Status = StatusOpen
	a.touch(at)
	return nil
}

// Winner returns the highest accepted bid id, if any.
func (a *Auction) Winner() (string, bool) {
	return a.HighestBidID, a.HighestBidID != ""
}

// IsExpired reports whether an OPEN auction is due for a TIMEOUT close.
func (a *Auction) IsExpired(now time.Time) bool {
	return a.Status == StatusOpen && !now.Before(a.CloseAt)
}

// Clone returns a deep copy so callers can evaluate without touching stored state.
func (a *Auction) Clone() *Auction {
	c := *a
	c.MediaKeys = append([]string(nil), a.MediaKeys...)
	if a.ClosedAt != nil {
		t := *a.ClosedAt
		c.ClosedAt = &t
	}
	if a.ArchivedAt != nil {
		t := *a.ArchivedAt
		c.ArchivedAt = &t
	}
	return &c
}

func (a *Auction) touch(at time.Time) {
	a.Version++
	if at.After(a.UpdatedAt) {
		a.UpdatedAt = at.UTC()
	}
}
