package deadletter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gavel.io/gavel/internal/pkg/logger"
	"gavel.io/gavel/internal/testutil"
)

func init() {
	_ = logger.Init("error", "json")
}

func letter(i int) Letter {
	return Letter{
		ID:        fmt.Sprintf("dl-%d", i),
		Topic:     "auction.bid-submitted",
		MessageID: fmt.Sprintf("%d-0", i),
		AuctionID: "auc-1",
		Body:      "{not json",
		Attempts:  5,
		Code:      "MALFORMED_ENVELOPE",
		Kind:      "validation",
		Reason:    "envelope failed validation",
		At:        time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
	}
}

func TestSinks(t *testing.T) {
	sinks := map[string]func(t *testing.T) Sink{
		"memory": func(t *testing.T) Sink { return NewMemorySink(2) },
		"redis": func(t *testing.T) Sink {
			_, client := testutil.NewMiniRedis(t)
			return NewRedisSink(client, "auction.dead-letter", 2)
		},
	}
	for name, newSink := range sinks {
		t.Run(name, func(t *testing.T) {
			s := newSink(t)
			ctx := context.Background()
			for i := 1; i <= 3; i++ {
				require.NoError(t, s.Send(ctx, letter(i)))
			}

			got, err := s.List(ctx, 1)
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, "dl-3", got[0].ID)
			require.Equal(t, "{not json", got[0].Body)
			require.True(t, letter(3).At.Equal(got[0].At))

			all, err := s.List(ctx, 0)
			require.NoError(t, err)
			require.Equal(t, "dl-3", all[0].ID)
			require.Equal(t, "dl-2", all[1].ID)
		})
	}
}

type failingSink struct{}

func (failingSink) Send(context.Context, Letter) error          { return errors.New("down") }
func (failingSink) List(context.Context, int) ([]Letter, error) { return nil, nil }

func TestAlertingSink_Throttles(t *testing.T) {
	type alert struct {
		id         string
		suppressed int
	}
	var alerts []alert
	s := NewAlertingSink(NewMemorySink(0), time.Hour, 2, func(l Letter, suppressed int) {
		alerts = append(alerts, alert{l.ID, suppressed})
	})

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Send(ctx, letter(i)))
	}
	require.Equal(t, []alert{{"dl-1", 0}, {"dl-2", 0}}, alerts)

	stored, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stored, 5)

	s.mu.Lock()
	require.Equal(t, 3, s.suppressed)
	s.mu.Unlock()
}

func TestAlertingSink_SinkFailure(t *testing.T) {
	called := false
	s := NewAlertingSink(failingSink{}, 0, 1, func(Letter, int) { called = true })
	require.Error(t, s.Send(context.Background(), letter(1)))
	require.False(t, called)
}
