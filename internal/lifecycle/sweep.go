package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gavel.io/gavel/internal/broker"
	"gavel.io/gavel/internal/dedup"
	"gavel.io/gavel/internal/domain"
	"gavel.io/gavel/internal/pkg/logger"
)

// TickResult counts the transitions of one Tick.
type TickResult struct {
	Closed int
	Opened int
}

// Tick closes OPEN auctions whose close time passed and opens PENDING
// auctions whose open time passed, as of now.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	ctx, span := o.tracer.Start(ctx, "lifecycle.Tick")
	defer span.End()

	var res TickResult
	expired, err := o.repo.ListExpired(ctx, now, o.cfg.SweepBatchSize)
	if err != nil {
		return res, fmt.Errorf("list expired auctions: %w", err)
	}
	res.Closed, err = o.sweep(ctx, auctionIDs(expired), func(a *domain.Auction) (domain.Payload, error) {
		if !a.IsExpired(now) {
			return nil, nil
		}
		if err := a.Close(domain.CloseTimeout, now); err != nil {
			return nil, err
		}
		return closedPayload(a), nil
	})
	if err != nil {
		return res, err
	}

	due, err := o.repo.ListDuePending(ctx, now, o.cfg.SweepBatchSize)
	if err != nil {
		return res, fmt.Errorf("list due auctions: %w", err)
	}
	res.Opened, err = o.sweep(ctx, auctionIDs(due), func(a *domain.Auction) (domain.Payload, error) {
		if a.Status != domain.StatusPending || now.Before(a.OpenAt) {
			return nil, nil
		}
		if err := a.Open(now); err != nil {
			return nil, err
		}
		return domain.AuctionOpened{OpenedVersion: a.Version}, nil
	})
	if res.Closed > 0 || res.Opened > 0 {
		o.log.Info("Sweep finished", zap.Int("closed", res.Closed), zap.Int("opened", res.Opened))
	}
	return res, err
}

// sweep applies fn to each auction on its lane. Auctions fn leaves unchanged
// are not counted. The first failure is returned after all auctions ran.
func (o *Orchestrator) sweep(ctx context.Context, ids []string, fn func(*domain.Auction) (domain.Payload, error)) (int, error) {
	var (
		mu       sync.Mutex
		changed  = make(map[string]bool, len(ids))
		failures = make(map[string]error)
	)
	failed := o.onLanes(ctx, ids, func(ctx context.Context, auctionID string) {
		ok, err := o.transitionOnTick(ctx, auctionID, fn)
		mu.Lock()
		defer mu.Unlock()
		changed[auctionID] = ok
		if err != nil {
			failures[auctionID] = err
		}
	})

	n := 0
	var first error
	for _, id := range ids {
		if changed[id] {
			n++
		}
		err := failures[id]
		if err == nil {
			err = failed[id]
		}
		if err != nil {
			o.log.Warn("Sweep transition failed", logger.AuctionID(id), zap.Error(err))
			if first == nil {
				first = fmt.Errorf("sweep auction %s: %w", id, err)
			}
		}
	}
	return n, first
}

// transitionOnTick stores a timer transition and records its outcome under
// the outcome's own event id so the relay can republish it.
func (o *Orchestrator) transitionOnTick(ctx context.Context, auctionID string, fn func(*domain.Auction) (domain.Payload, error)) (bool, error) {
	a, payload, err := o.mutate(ctx, auctionID, fn)
	if err != nil || payload == nil {
		return false, err
	}
	outcome, err := domain.NewEnvelope(a.ID, a.Version, payload, o.now())
	if err != nil {
		return true, err
	}
	o.afterTransition(ctx, a)

	rec := dedup.Record{
		AuctionID:  a.ID,
		EventID:    outcome.EventID,
		EventType:  outcome.Type,
		Outcomes:   []domain.Envelope{outcome},
		RecordedAt: o.now().UTC(),
	}
	if _, err := o.dedup.RecordIfNew(ctx, rec); err != nil {
		o.log.Warn("Record sweep outcome failed", logger.AuctionID(a.ID), zap.Error(err))
	}
	o.publishAsync([]dedup.Record{rec})
	return true, nil
}

func auctionIDs(auctions []*domain.Auction) []string {
	ids := make([]string, len(auctions))
	for i, a := range auctions {
		ids[i] = a.ID
	}
	return ids
}

// RelayUnpublished publishes recorded outcomes that were never handed to the
// broker and returns how many records were published.
func (o *Orchestrator) RelayUnpublished(ctx context.Context) (int, error) {
	recs, err := o.dedup.ListUnpublished(ctx, o.cfg.RelayBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unpublished outcomes: %w", err)
	}
	n, err := o.publish(ctx, recs)
	if n > 0 {
		o.log.Info("Relayed unpublished outcomes", zap.Int("records", n))
	}
	return n, err
}

// publish publishes the outcomes of recs in order and marks each record
// published. It stops at the first failure.
func (o *Orchestrator) publish(ctx context.Context, recs []dedup.Record) (int, error) {
	n := 0
	for _, rec := range recs {
		for _, env := range rec.Outcomes {
			body, err := domain.EncodeEnvelope(env)
			if err != nil {
				return n, err
			}
			topic := broker.Topic(o.cfg.TopicPrefix, env.Type)
			if err := o.publisher.Publish(ctx, topic, broker.Message{Key: env.AuctionID, Body: body}); err != nil {
				return n, fmt.Errorf("publish %s for auction %s: %w", env.Type, env.AuctionID, err)
			}
			o.metrics.RecordPublished(ctx, env.Type, 1)
		}
		if !rec.Published {
			if err := o.dedup.MarkPublished(ctx, rec.AuctionID, rec.EventID); err != nil {
				return n, err
			}
		}
		n++
	}
	return n, nil
}
