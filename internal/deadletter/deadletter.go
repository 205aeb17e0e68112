// Package deadletter stores envelopes that could not be processed, for manual
// inspection, and raises a throttled operational alert for each.
package deadletter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gavel.io/gavel/internal/pkg/logger"
)

// Letter is a dead-lettered delivery.
type Letter struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	MessageID string    `json:"messageId"`
	AuctionID string    `json:"auctionId,omitempty"`
	EventID   string    `json:"eventId,omitempty"`
	Body      string    `json:"body"`
	Attempts  int       `json:"attempts"`
	Code      string    `json:"code"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Sink receives dead letters.
type Sink interface {
	Send(ctx context.Context, l Letter) error
	// List returns up to limit letters, newest first.
	List(ctx context.Context, limit int) ([]Letter, error)
}

// MemorySink keeps the most recent letters in memory.
type MemorySink struct {
	max int

	mu      sync.Mutex
	letters []Letter
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySink keeps at most max letters (0 means unbounded).
func NewMemorySink(max int) *MemorySink {
	return &MemorySink{max: max}
}

func (s *MemorySink) Send(_ context.Context, l Letter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, l)
	if s.max > 0 && len(s.letters) > s.max {
		s.letters = s.letters[len(s.letters)-s.max:]
	}
	return nil
}

func (s *MemorySink) List(_ context.Context, limit int) ([]Letter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Letter, 0, len(s.letters))
	for i := len(s.letters) - 1; i >= 0; i-- {
		out = append(out, s.letters[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// AlertingSink forwards letters to a sink and raises an alert for each one.
// Alerts are rate limited; suppressed alerts are counted and reported with
// the next alert that gets through.
type AlertingSink struct {
	next    Sink
	limiter *rate.Limiter
	log     *zap.Logger
	notify  func(Letter, int)

	mu         sync.Mutex
	suppressed int
}

var _ Sink = (*AlertingSink)(nil)

// NewAlertingSink allows burst alerts, then one per interval.
// notify may be nil; it receives each alert and the number suppressed before it.
func NewAlertingSink(next Sink, interval time.Duration, burst int, notify func(Letter, int)) *AlertingSink {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	if burst < 1 {
		burst = 1
	}
	return &AlertingSink{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.Named("deadletter"),
		notify:  notify,
	}
}

func (s *AlertingSink) Send(ctx context.Context, l Letter) error {
	if err := s.next.Send(ctx, l); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.limiter.Allow() {
		s.suppressed++
		s.mu.Unlock()
		return nil
	}
	suppressed := s.suppressed
	s.suppressed = 0
	s.mu.Unlock()

	s.log.Error("Envelope dead-lettered",
		zap.String("topic", l.Topic),
		zap.String("message_id", l.MessageID),
		logger.AuctionID(l.AuctionID),
		logger.EventID(l.EventID),
		zap.String("code", l.Code),
		zap.String("kind", l.Kind),
		zap.Int("attempts", l.Attempts),
		zap.String("reason", l.Reason),
		zap.Int("suppressed_alerts", suppressed),
	)
	if s.notify != nil {
		s.notify(l, suppressed)
	}
	return nil
}

func (s *AlertingSink) List(ctx context.Context, limit int) ([]Letter, error) {
	return s.next.List(ctx, limit)
}
