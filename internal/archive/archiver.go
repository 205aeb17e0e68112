package archive

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"gavel.io/gavel/internal/domain"
	apperrors "gavel.io/gavel/internal/pkg/errors"
	"gavel.io/gavel/internal/pkg/logger"
	"gavel.io/gavel/internal/repository"
)

const snapshotContentType = "application/json"

// Snapshot is the archived form of a terminal auction.
type Snapshot struct {
	Auction    *domain.Auction `json:"auction"`
	Bids       []*domain.Bid   `json:"bids"`
	ArchivedAt time.Time       `json:"archivedAt"`
}

// Archiver writes snapshots of terminal auctions and marks them archived.
type Archiver struct {
	store  Store
	repo   repository.Store
	prefix string
	now    func() time.Time
	log    *zap.Logger
}

// NewArchiver creates an archiver. Object keys are prefix + "auctions/<id>.json".
func NewArchiver(store Store, repo repository.Store, prefix string) *Archiver {
	return &Archiver{
		store:  store,
		repo:   repo,
		prefix: prefix,
		now:    time.Now,
		log:    logger.Named("archive"),
	}
}

// Key returns the object key of an auction snapshot.
func (a *Archiver) Key(auctionID string) string {
	return a.prefix + "auctions/" + auctionID + ".json"
}

// ArchiveAuction snapshots one terminal auction. Archiving an auction twice is a no-op.
func (a *Archiver) ArchiveAuction(ctx context.Context, auctionID string) error {
	auction, err := a.repo.GetAuction(ctx, auctionID)
	if err != nil {
		return err
	}
	if auction.ArchivedAt != nil {
		return nil
	}
	if !auction.Status.IsTerminal() {
		return apperrors.Business(apperrors.CodeArchiveFailed, "only terminal auctions are archived").
			WithParams(map[string]interface{}{"auction_id": auctionID, "status": string(auction.Status)})
	}

	bids, err := a.repo.ListBids(ctx, auctionID)
	if err != nil {
		return err
	}

	at := a.now().UTC()
	raw, err := sonic.ConfigStd.Marshal(Snapshot{Auction: auction, Bids: bids, ArchivedAt: at})
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeArchiveFailed, "encode snapshot", apperrors.KindInternal)
	}
	if err := a.store.Put(ctx, a.Key(auctionID), raw, snapshotContentType); err != nil {
		return apperrors.Transient(err, apperrors.CodeArchiveFailed, "write snapshot")
	}
	if err := a.repo.MarkArchived(ctx, auctionID, at); err != nil {
		return err
	}

	a.log.Info("Auction archived", logger.AuctionID(auctionID), zap.Int("bids", len(bids)))
	return nil
}

// ArchivePending archives up to limit terminal auctions without a snapshot.
// It returns how many were archived; a failure on one auction does not stop the rest.
func (a *Archiver) ArchivePending(ctx context.Context, limit int) (int, error) {
	auctions, err := a.repo.ListUnarchived(ctx, limit)
	if err != nil {
		return 0, err
	}
	archived := 0
	var firstErr error
	for _, auction := range auctions {
		if err := a.ArchiveAuction(ctx, auction.ID); err != nil {
			a.log.Warn("Archiving auction failed", logger.AuctionID(auction.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		archived++
	}
	return archived, firstErr
}

// Load reads a snapshot back.
func (a *Archiver) Load(ctx context.Context, auctionID string) (*Snapshot, error) {
	raw, err := a.store.Get(ctx, a.Key(auctionID))
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := sonic.ConfigStd.Unmarshal(raw, &s); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeArchiveFailed, "decode snapshot", apperrors.KindInternal)
	}
	return &s, nil
}
