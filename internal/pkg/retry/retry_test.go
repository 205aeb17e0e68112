package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gavel.io/gavel/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Initial: time.Millisecond, Factor: 1.5, Cap: 5 * time.Millisecond}
}

func TestDo(t *testing.T) {
	errTransient := errors.New("transient")
	errFatal := errors.New("fatal")

	tests := []struct {
		name         string
		attempts     int
		failures     []error
		wantCalls    int
		wantErr      error
		wantExhausts bool
	}{
		{name: "first try succeeds", attempts: 3, wantCalls: 1},
		{name: "succeeds after transient failures", attempts: 3, failures: []error{errTransient, errTransient}, wantCalls: 3},
		{name: "exhausts attempts", attempts: 3, failures: []error{errTransient, errTransient, errTransient}, wantCalls: 3, wantErr: errTransient, wantExhausts: true},
		{name: "stops on non-retryable error", attempts: 5, failures: []error{errTransient, errFatal}, wantCalls: 2, wantErr: errFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastPolicy(tt.attempts),
				func(err error) bool { return !errors.Is(err, errFatal) },
				func(context.Context) error {
					calls++
					if calls <= len(tt.failures) {
						return tt.failures[calls-1]
					}
					return nil
				})

			require.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			require.Equal(t, tt.wantExhausts, errors.Is(err, ErrExhausted))
		})
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastPolicy(3), nil, func(context.Context) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, calls)
}

func TestDefaultPolicyIsBounded(t *testing.T) {
	p := DefaultPolicy()
	require.Positive(t, p.Attempts)
	require.Positive(t, p.Cap)
	require.Equal(t, p.Attempts, p.backoff().Steps)
}
