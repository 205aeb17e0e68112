package domain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "gavel.io/gavel/internal/pkg/errors"
	"gavel.io/gavel/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestEventDispatcher_Dispatch(t *testing.T) {
	d := NewEventDispatcher()
	var got []EventType
	d.Register(EventBidSubmitted, func(_ context.Context, env Envelope) error {
		got = append(got, env.Type)
		return nil
	})
	d.Register(EventAuctionCreated, func(context.Context, Envelope) error {
		return errors.New("storage down")
	})

	require.True(t, d.Handles(EventBidSubmitted))
	require.False(t, d.Handles(EventAuctionCloseRequested))

	require.NoError(t, d.Dispatch(context.Background(), Envelope{Type: EventBidSubmitted}))
	require.Equal(t, []EventType{EventBidSubmitted}, got)

	err := d.Dispatch(context.Background(), Envelope{Type: EventAuctionCreated})
	require.ErrorContains(t, err, "storage down")

	err = d.Dispatch(context.Background(), Envelope{Type: EventAuctionCloseRequested})
	require.True(t, apperrors.HasCode(err, apperrors.CodeUnknownEventType))
	require.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestEventDispatcher_RegisterReplaces(t *testing.T) {
	d := NewEventDispatcher()
	calls := 0
	d.Register(EventBidSubmitted, func(context.Context, Envelope) error { calls += 10; return nil })
	d.Register(EventBidSubmitted, func(context.Context, Envelope) error { calls++; return nil })

	require.NoError(t, d.Dispatch(context.Background(), Envelope{Type: EventBidSubmitted}))
	require.Equal(t, 1, calls)
}
