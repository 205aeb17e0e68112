package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"gavel.io/gavel/internal/config"
	"gavel.io/gavel/internal/domain"
	"gavel.io/gavel/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sum(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	s, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordBid(ctx, domain.BidDecision{Outcome: domain.OutcomeAccepted, Version: 2})
	m.RecordBid(ctx, domain.Reject(domain.ReasonAmountTooLow, 2))
	m.RecordTransition(ctx, domain.StatusClosed, string(domain.CloseTimeout))
	m.RecordDuplicate(ctx, domain.EventBidSubmitted)
	m.RecordDeadLetter(ctx, "MALFORMED_ENVELOPE")
	m.RecordRetry(ctx, "STORAGE_FAILED")
	m.RecordPublished(ctx, domain.EventBidAccepted, 3)
	m.RecordPublished(ctx, domain.EventBidAccepted, 0)
	m.ObserveAdmission(ctx, 12*time.Millisecond, 4)

	got := collect(t, reader)
	require.Equal(t, int64(2), sum(t, got["gavel.bids"]))
	require.Equal(t, int64(1), sum(t, got["gavel.auction.transitions"]))
	require.Equal(t, int64(1), sum(t, got["gavel.events.duplicates"]))
	require.Equal(t, int64(1), sum(t, got["gavel.events.dead_lettered"]))
	require.Equal(t, int64(1), sum(t, got["gavel.retries"]))
	require.Equal(t, int64(3), sum(t, got["gavel.events.published"]))

	hist, ok := got["gavel.admission.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	require.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordBid(ctx, domain.BidDecision{Outcome: domain.OutcomeAccepted})
	m.RecordTransition(ctx, domain.StatusCancelled, "")
	m.RecordDuplicate(ctx, domain.EventBidSubmitted)
	m.RecordDeadLetter(ctx, "X")
	m.RecordRetry(ctx, "X")
	m.RecordPublished(ctx, domain.EventBidAccepted, 1)
	m.ObserveAdmission(ctx, time.Millisecond, 1)
}

func TestSetup(t *testing.T) {
	ctx := context.Background()

	disabled, err := Setup(ctx, config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, disabled.Metrics())
	require.NotNil(t, disabled.Tracer())
	require.NoError(t, disabled.Shutdown(ctx))

	enabled, err := Setup(ctx, config.TelemetryConfig{Enabled: true, ServiceName: "gavel-test"})
	require.NoError(t, err)
	_, span := enabled.Tracer().Start(ctx, "test")
	span.End()
	enabled.Metrics().RecordRetry(ctx, "X")
	require.NoError(t, enabled.Shutdown(ctx))
}
