// Package repository persists auctions and their bids.
//
// The auction row carries the version counter. Every write of an auction is a
// compare-and-swap on that counter, so two writers racing on one auction
// cannot both win even when partition affinity is not guaranteed.
package repository

import (
	"context"
	"time"

	"gavel.io/gavel/internal/domain"
	apperrors "gavel.io/gavel/internal/pkg/errors"
)

// Store is the storage collaborator of the lifecycle orchestrator.
type Store interface {
	// CreateAuction inserts a new auction. An existing id fails with AUCTION_ALREADY_EXISTS.
	CreateAuction(ctx context.Context, a *domain.Auction) error

	// GetAuction returns a copy of the stored auction or AUCTION_NOT_FOUND.
	GetAuction(ctx context.Context, id string) (*domain.Auction, error)

	// SaveAuction replaces the auction if its stored version still equals
	// expectedVersion, otherwise it fails with VERSION_CONFLICT.
	SaveAuction(ctx context.Context, a *domain.Auction, expectedVersion int64) error

	// RecordBids stores evaluated bids together with the auction state they
	// produced, atomically and under the same version check as SaveAuction.
	RecordBids(ctx context.Context, a *domain.Auction, expectedVersion int64, bids []*domain.Bid) error

	// ListExpired returns OPEN auctions whose close time is not after now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Auction, error)

	// ListDuePending returns PENDING auctions whose open time is not after now.
	ListDuePending(ctx context.Context, now time.Time, limit int) ([]*domain.Auction, error)

	// ListUnarchived returns terminal auctions that have no archive snapshot yet.
	ListUnarchived(ctx context.Context, limit int) ([]*domain.Auction, error)

	// MarkArchived stamps ArchivedAt. It does not bump the version.
	MarkArchived(ctx context.Context, id string, at time.Time) error

	GetBid(ctx context.Context, id string) (*domain.Bid, error)

	// ListBids returns the bids of an auction in evaluation order.
	ListBids(ctx context.Context, auctionID string) ([]*domain.Bid, error)

	// MaxArrivalSeq returns the highest arrival sequence stored for an auction, or 0.
	MaxArrivalSeq(ctx context.Context, auctionID string) (int64, error)
}

func errAuctionExists(id string) *apperrors.AppError {
	return apperrors.Wrap(apperrors.ErrAlreadyExists, apperrors.CodeAuctionExists, "auction already exists", apperrors.KindBusiness).
		WithParams(map[string]interface{}{"auction_id": id})
}

func errBidExists(id string) *apperrors.AppError {
	return apperrors.Wrap(apperrors.ErrAlreadyExists, apperrors.CodeBidExists, "bid id already recorded", apperrors.KindValidation).
		WithParams(map[string]interface{}{"bid_id": id})
}

func errBidNotFound(id string) *apperrors.AppError {
	return apperrors.NotFound(apperrors.CodeBidNotFound, "bid not found").
		WithParams(map[string]interface{}{"bid_id": id})
}

func storageFailed(err error, op string) *apperrors.AppError {
	return apperrors.Transient(err, apperrors.CodeStorageFailed, op+" failed")
}
