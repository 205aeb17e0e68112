package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"gavel.io/gavel/internal/domain"
	apperrors "gavel.io/gavel/internal/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const auctionColumns = `id, seller_id, starting_price::text, currency, open_at, close_at, media_keys,
	status, highest_bid_id, highest_amount::text, bid_count, version, closed_reason, cancel_reason,
	created_at, updated_at, closed_at, archived_at`

const bidColumns = `id, auction_id, bidder_id, amount::text, submitted_at, arrival_seq, causal_version,
	event_id, outcome, reason, recorded_version, recorded_at`

// PostgresStore persists auctions and bids with pgx on the shared pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the auctions and bids tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate auction schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAuction(ctx context.Context, a *domain.Auction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auctions (id, seller_id, starting_price, currency, open_at, close_at, media_keys,
			status, highest_bid_id, highest_amount, bid_count, version, closed_reason, cancel_reason,
			created_at, updated_at, closed_at, archived_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13, $14, $15, $16, $17, $18)`,
		a.ID, a.SellerID, a.StartingPrice.String(), a.Currency, a.OpenAt, a.CloseAt, mediaKeys(a.MediaKeys),
		string(a.Status), a.HighestBidID, a.HighestAmount.String(), a.BidCount, a.Version,
		string(a.ClosedReason), a.CancelReason, a.CreatedAt, a.UpdatedAt, a.ClosedAt, a.ArchivedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errAuctionExists(a.ID)
		}
		return storageFailed(err, "insert auction")
	}
	return nil
}

func (s *PostgresStore) GetAuction(ctx context.Context, id string) (*domain.Auction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrAuctionNotFoundf(id)
	}
	if err != nil {
		return nil, storageFailed(err, "get auction")
	}
	return a, nil
}

func (s *PostgresStore) SaveAuction(ctx context.Context, a *domain.Auction, expectedVersion int64) error {
	return s.updateAuction(ctx, s.pool, a, expectedVersion)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) updateAuction(ctx context.Context, db execer, a *domain.Auction, expectedVersion int64) error {
	tag, err := db.Exec(ctx, `
		UPDATE auctions
		SET status = $3, highest_bid_id = $4, highest_amount = $5::numeric, bid_count = $6, version = $7,
			closed_reason = $8, cancel_reason = $9, updated_at = $10, closed_at = $11
		WHERE id = $1 AND version = $2`,
		a.ID, expectedVersion, string(a.Status), a.HighestBidID, a.HighestAmount.String(), a.BidCount,
		a.Version, string(a.ClosedReason), a.CancelReason, a.UpdatedAt, a.ClosedAt,
	)
	if err != nil {
		return storageFailed(err, "update auction")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM auctions WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
		return storageFailed(err, "check auction")
	}
	if !exists {
		return apperrors.ErrAuctionNotFoundf(a.ID)
	}
	return apperrors.ErrVersionConflictf(a.ID, expectedVersion)
}

func (s *PostgresStore) RecordBids(ctx context.Context, a *domain.Auction, expectedVersion int64, bids []*domain.Bid) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageFailed(err, "begin bid transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.updateAuction(ctx, tx, a, expectedVersion); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, b := range bids {
		batch.Queue(`
			INSERT INTO bids (id, auction_id, bidder_id, amount, submitted_at, arrival_seq, causal_version,
				event_id, outcome, reason, recorded_version, recorded_at)
			VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12)`,
			b.ID, b.AuctionID, b.BidderID, b.Amount.String(), b.SubmittedAt, b.ArrivalSeq, b.CausalVersion,
			b.EventID, string(b.Outcome), string(b.Reason), b.RecordedVersion, b.RecordedAt,
		)
	}
	results := tx.SendBatch(ctx, batch)
	for _, b := range bids {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			if isUniqueViolation(err) {
				return errBidExists(b.ID)
			}
			return storageFailed(err, "insert bid")
		}
	}
	if err := results.Close(); err != nil {
		return storageFailed(err, "insert bids")
	}

	if err := tx.Commit(ctx); err != nil {
		return storageFailed(err, "commit bids")
	}
	return nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Auction, error) {
	return s.listAuctions(ctx, `SELECT `+auctionColumns+` FROM auctions
		WHERE status = 'OPEN' AND close_at <= $1 ORDER BY close_at, id LIMIT $2`, now, limitOrAll(limit))
}

func (s *PostgresStore) ListDuePending(ctx context.Context, now time.Time, limit int) ([]*domain.Auction, error) {
	return s.listAuctions(ctx, `SELECT `+auctionColumns+` FROM auctions
		WHERE status = 'PENDING' AND open_at <= $1 ORDER BY open_at, id LIMIT $2`, now, limitOrAll(limit))
}

func (s *PostgresStore) ListUnarchived(ctx context.Context, limit int) ([]*domain.Auction, error) {
	return s.listAuctions(ctx, `SELECT `+auctionColumns+` FROM auctions
		WHERE archived_at IS NULL AND status IN ('CLOSED', 'CANCELLED') ORDER BY updated_at, id LIMIT $1`, limitOrAll(limit))
}

func (s *PostgresStore) listAuctions(ctx context.Context, query string, args ...any) ([]*domain.Auction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageFailed(err, "list auctions")
	}
	defer rows.Close()

	var out []*domain.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, storageFailed(err, "scan auction")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFailed(err, "list auctions")
	}
	return out, nil
}

func (s *PostgresStore) MarkArchived(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE auctions SET archived_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return storageFailed(err, "mark auction archived")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrAuctionNotFoundf(id)
	}
	return nil
}

func (s *PostgresStore) GetBid(ctx context.Context, id string) (*domain.Bid, error) {
	b, err := scanBid(s.pool.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errBidNotFound(id)
	}
	if err != nil {
		return nil, storageFailed(err, "get bid")
	}
	return b, nil
}

func (s *PostgresStore) ListBids(ctx context.Context, auctionID string) ([]*domain.Bid, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 ORDER BY position`, auctionID)
	if err != nil {
		return nil, storageFailed(err, "list bids")
	}
	defer rows.Close()

	out := []*domain.Bid{}
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, storageFailed(err, "scan bid")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFailed(err, "list bids")
	}
	return out, nil
}

func (s *PostgresStore) MaxArrivalSeq(ctx context.Context, auctionID string) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(arrival_seq), 0) FROM bids WHERE auction_id = $1`, auctionID).Scan(&max)
	if err != nil {
		return 0, storageFailed(err, "max arrival sequence")
	}
	return max, nil
}

func scanAuction(row pgx.Row) (*domain.Auction, error) {
	var (
		a                      domain.Auction
		startingPrice, highest string
		status, closedReason   string
		keys                   []string
		closedAt, archivedAt   *time.Time
	)
	err := row.Scan(&a.ID, &a.SellerID, &startingPrice, &a.Currency, &a.OpenAt, &a.CloseAt, &keys,
		&status, &a.HighestBidID, &highest, &a.BidCount, &a.Version, &closedReason, &a.CancelReason,
		&a.CreatedAt, &a.UpdatedAt, &closedAt, &archivedAt)
	if err != nil {
		return nil, err
	}
	if a.StartingPrice, err = decimal.NewFromString(startingPrice); err != nil {
		return nil, fmt.Errorf("parse starting price: %w", err)
	}
	if a.HighestAmount, err = decimal.NewFromString(highest); err != nil {
		return nil, fmt.Errorf("parse highest amount: %w", err)
	}
	a.Status = domain.AuctionStatus(status)
	a.ClosedReason = domain.CloseReason(closedReason)
	if len(keys) > 0 {
		a.MediaKeys = keys
	}
	a.OpenAt, a.CloseAt = a.OpenAt.UTC(), a.CloseAt.UTC()
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	a.ClosedAt = utcPtr(closedAt)
	a.ArchivedAt = utcPtr(archivedAt)
	return &a, nil
}

func scanBid(row pgx.Row) (*domain.Bid, error) {
	var (
		b                       domain.Bid
		amount, outcome, reason string
	)
	err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &amount, &b.SubmittedAt, &b.ArrivalSeq,
		&b.CausalVersion, &b.EventID, &outcome, &reason, &b.RecordedVersion, &b.RecordedAt)
	if err != nil {
		return nil, err
	}
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse bid amount: %w", err)
	}
	b.Outcome = domain.BidOutcome(outcome)
	b.Reason = domain.RejectReason(reason)
	b.SubmittedAt = b.SubmittedAt.UTC()
	b.RecordedAt = b.RecordedAt.UTC()
	return &b, nil
}

func mediaKeys(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// limitOrAll maps a non-positive limit to no limit (LIMIT NULL).
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
