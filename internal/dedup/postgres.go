package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gavel.io/gavel/internal/domain"
)

const processedEventsSchema = `
CREATE TABLE IF NOT EXISTS processed_events (
    auction_id  text        NOT NULL,
    event_id    text        NOT NULL,
    event_type  text        NOT NULL,
    fingerprint text        NOT NULL,
    outcomes    json        NOT NULL,
    recorded_at timestamptz NOT NULL,
    published   boolean     NOT NULL DEFAULT false,
    PRIMARY KEY (auction_id, event_id)
);
CREATE INDEX IF NOT EXISTS processed_events_unpublished_idx
    ON processed_events (recorded_at) WHERE NOT published;
CREATE INDEX IF NOT EXISTS processed_events_recorded_at_idx ON processed_events (recorded_at);
`

const recordColumns = `auction_id, event_id, event_type, fingerprint, outcomes::text, recorded_at, published`

// PostgresStore keeps records in the processed_events table. Expired rows
// are removed by Purge, which the dedup_purge job calls.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the processed_events table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, processedEventsSchema); err != nil {
		return fmt.Errorf("migrate processed_events: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordIfNew(ctx context.Context, rec Record) (Result, error) {
	outcomes, err := encodeOutcomes(rec.Outcomes)
	if err != nil {
		return Result{}, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO processed_events (auction_id, event_id, event_type, fingerprint, outcomes, recorded_at, published)
		VALUES ($1, $2, $3, $4, $5::json, $6, $7)
		ON CONFLICT (auction_id, event_id) DO NOTHING`,
		rec.AuctionID, rec.EventID, string(rec.EventType), rec.Fingerprint, outcomes, rec.RecordedAt, rec.Published,
	)
	if err != nil {
		return Result{}, dedupFailed(err, "record event")
	}
	if tag.RowsAffected() == 1 {
		return Result{Status: StatusNew}, nil
	}

	prev, err := s.Lookup(ctx, rec.AuctionID, rec.EventID)
	if err != nil {
		return Result{}, err
	}
	if prev == nil {
		return Result{}, dedupFailed(errors.New("record vanished after conflict"), "record event")
	}
	return Result{Status: StatusDuplicate, Previous: prev}, nil
}

func (s *PostgresStore) Lookup(ctx context.Context, auctionID, eventID string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM processed_events
		WHERE auction_id = $1 AND event_id = $2`, auctionID, eventID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dedupFailed(err, "lookup event")
	}
	return rec, nil
}

func (s *PostgresStore) MarkPublished(ctx context.Context, auctionID, eventID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE processed_events SET published = true
		WHERE auction_id = $1 AND event_id = $2`, auctionID, eventID)
	if err != nil {
		return dedupFailed(err, "mark published")
	}
	return nil
}

func (s *PostgresStore) ListUnpublished(ctx context.Context, limit int) ([]Record, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM processed_events
		WHERE NOT published ORDER BY recorded_at, auction_id, event_id LIMIT $1`, lim)
	if err != nil {
		return nil, dedupFailed(err, "list unpublished")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, dedupFailed(err, "scan record")
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, dedupFailed(err, "list unpublished")
	}
	return out, nil
}

func (s *PostgresStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE recorded_at < $1`, olderThan)
	if err != nil {
		return 0, dedupFailed(err, "purge")
	}
	return int(tag.RowsAffected()), nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec       Record
		eventType string
		outcomes  string
	)
	if err := row.Scan(&rec.AuctionID, &rec.EventID, &eventType, &rec.Fingerprint, &outcomes,
		&rec.RecordedAt, &rec.Published); err != nil {
		return nil, err
	}
	rec.EventType = domain.EventType(eventType)
	rec.RecordedAt = rec.RecordedAt.UTC()
	if err := jsonAPI.UnmarshalFromString(outcomes, &rec.Outcomes); err != nil {
		return nil, fmt.Errorf("decode outcomes: %w", err)
	}
	return &rec, nil
}

func encodeOutcomes(outcomes []domain.Envelope) (string, error) {
	if outcomes == nil {
		outcomes = []domain.Envelope{}
	}
	s, err := jsonAPI.MarshalToString(outcomes)
	if err != nil {
		return "", fmt.Errorf("encode outcomes: %w", err)
	}
	return s, nil
}
