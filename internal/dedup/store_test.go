package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"gavel.io/gavel/internal/domain"
	"gavel.io/gavel/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(t *testing.T, auctionID, eventID string, at time.Time) Record {
	t.Helper()
	out, err := domain.NewEnvelope(auctionID, 2, domain.BidAccepted{
		BidID:      "bid-" + eventID,
		BidderID:   "alice",
		Amount:     decimal.NewFromInt(150),
		NewVersion: 2,
	}, at)
	require.NoError(t, err)
	return Record{
		AuctionID:   auctionID,
		EventID:     eventID,
		EventType:   domain.EventBidSubmitted,
		Fingerprint: "fp-" + eventID,
		Outcomes:    []domain.Envelope{out},
		RecordedAt:  at,
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore(0) })
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		_, client := testutil.NewMiniRedis(t)
		return NewRedisStore(client, "gavel:dedup", 24*time.Hour)
	})
}

func TestPostgresStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s := NewPostgresStore(testutil.OpenPGXPool(t, "dedup"))
		require.NoError(t, s.Migrate(context.Background()))
		return s
	})
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("new then duplicate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := record(t, "auc-1", "evt-1", t0)

		res, err := s.RecordIfNew(ctx, rec)
		require.NoError(t, err)
		require.Equal(t, StatusNew, res.Status)
		require.Nil(t, res.Previous)

		again := rec
		again.Fingerprint = "other"
		again.Outcomes = nil
		res, err = s.RecordIfNew(ctx, again)
		require.NoError(t, err)
		require.True(t, res.Duplicate())
		require.NotNil(t, res.Previous)
		require.Equal(t, "fp-evt-1", res.Previous.Fingerprint)
		require.Len(t, res.Previous.Outcomes, 1)
		require.Equal(t, rec.Outcomes[0].EventID, res.Previous.Outcomes[0].EventID)
		require.JSONEq(t, string(rec.Outcomes[0].Payload), string(res.Previous.Outcomes[0].Payload))
		require.False(t, res.Previous.Published)
	})

	t.Run("scoped per auction", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		res, err := s.RecordIfNew(ctx, record(t, "auc-1", "evt-1", t0))
		require.NoError(t, err)
		require.Equal(t, StatusNew, res.Status)

		res, err = s.RecordIfNew(ctx, record(t, "auc-2", "evt-1", t0))
		require.NoError(t, err)
		require.Equal(t, StatusNew, res.Status)
	})

	t.Run("lookup", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		got, err := s.Lookup(ctx, "auc-1", "missing")
		require.NoError(t, err)
		require.Nil(t, got)

		_, err = s.RecordIfNew(ctx, record(t, "auc-1", "evt-1", t0))
		require.NoError(t, err)
		got, err = s.Lookup(ctx, "auc-1", "evt-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, domain.EventBidSubmitted, got.EventType)
		require.True(t, t0.Equal(got.RecordedAt))
	})

	t.Run("publish tracking", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i, id := range []string{"evt-1", "evt-2", "evt-3"} {
			_, err := s.RecordIfNew(ctx, record(t, "auc-1", id, t0.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
		}
		done := record(t, "auc-1", "evt-created", t0)
		done.Outcomes = nil
		done.Published = true
		_, err := s.RecordIfNew(ctx, done)
		require.NoError(t, err)

		pending, err := s.ListUnpublished(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		require.Equal(t, "evt-1", pending[0].EventID)

		require.NoError(t, s.MarkPublished(ctx, "auc-1", "evt-1"))
		pending, err = s.ListUnpublished(ctx, 1)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, "evt-2", pending[0].EventID)

		got, err := s.Lookup(ctx, "auc-1", "evt-1")
		require.NoError(t, err)
		require.True(t, got.Published)
	})

	t.Run("purge", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.RecordIfNew(ctx, record(t, "auc-1", "old", t0))
		require.NoError(t, err)
		_, err = s.RecordIfNew(ctx, record(t, "auc-1", "new", t0.Add(time.Hour)))
		require.NoError(t, err)

		n, err := s.Purge(ctx, t0.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		pending, err := s.ListUnpublished(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, "new", pending[0].EventID)
	})
}

func TestMemoryStore_CountBound(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	for i, id := range []string{"e1", "e2", "e3"} {
		_, err := s.RecordIfNew(ctx, record(t, "auc", id, t0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	require.Equal(t, 2, s.Len())

	got, err := s.Lookup(ctx, "auc", "e1")
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = s.Lookup(ctx, "auc", "e3")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestMemoryStore_PurgeForgetsRecord(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	_, err := s.RecordIfNew(ctx, record(t, "auc", "e1", t0))
	require.NoError(t, err)

	_, err = s.Purge(ctx, t0.Add(time.Second))
	require.NoError(t, err)

	res, err := s.RecordIfNew(ctx, record(t, "auc", "e1", t0.Add(2*time.Second)))
	require.NoError(t, err)
	require.Equal(t, StatusNew, res.Status)
}

func TestRedisStore_RecordsExpire(t *testing.T) {
	mr, client := testutil.NewMiniRedis(t)
	s := NewRedisStore(client, "gavel:dedup", time.Hour)
	ctx := context.Background()

	_, err := s.RecordIfNew(ctx, record(t, "auc", "e1", t0))
	require.NoError(t, err)
	require.Greater(t, mr.TTL("gavel:dedup:event:auc/e1"), time.Duration(0))

	mr.FastForward(2 * time.Hour)

	got, err := s.Lookup(ctx, "auc", "e1")
	require.NoError(t, err)
	require.Nil(t, got)

	pending, err := s.ListUnpublished(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, pending)

	members, err := client.ZCard(ctx, "gavel:dedup:unpublished").Result()
	require.NoError(t, err)
	require.Zero(t, members)
}
