package lifecycle

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"gavel.io/gavel/internal/dedup"
	"gavel.io/gavel/internal/domain"
	"gavel.io/gavel/internal/ordering"
	apperrors "gavel.io/gavel/internal/pkg/errors"
	"gavel.io/gavel/internal/pkg/logger"
	"gavel.io/gavel/internal/pkg/retry"
)

// processBids admits a run of fresh bids for one auction. Every item of the
// run ends with err set or with its outcome recorded.
func (o *Orchestrator) processBids(ctx context.Context, run []*item) {
	auctionID := run[0].env.AuctionID
	ctx, span := o.tracer.Start(ctx, "lifecycle.admitBids", trace.WithAttributes(
		attribute.String("auction.id", auctionID),
		attribute.Int("bids", len(run)),
	))
	defer span.End()

	var fresh []*item
	for _, it := range run {
		dup, err := o.replayIfDuplicate(ctx, it.env)
		if err != nil || dup {
			it.err = err
			continue
		}
		fresh = append(fresh, it)
	}

	fresh, recovered := o.recoverStored(ctx, fresh)
	for len(fresh) > 0 {
		err := o.admit(ctx, auctionID, fresh)
		if err == nil {
			break
		}
		if apperrors.HasCode(err, apperrors.CodeBidExists) {
			// a concurrent delivery stored some of these bids after the
			// duplicate checks; recover them and admit the rest
			remaining, stored := o.recoverStored(ctx, fresh)
			if len(remaining) < len(fresh) {
				recovered = append(recovered, stored...)
				fresh = remaining
				continue
			}
		}
		for _, it := range fresh {
			it.err = err
		}
		fresh = nil
	}

	done := append(recovered, fresh...)
	if len(done) == 0 {
		return
	}
	byOrder := make([]*domain.Bid, len(done))
	owner := make(map[*domain.Bid]*item, len(done))
	for i, it := range done {
		byOrder[i] = it.bid
		owner[it.bid] = it
	}
	ordering.Sort(byOrder)

	records := make([]dedup.Record, 0, len(done))
	for _, bid := range byOrder {
		it := owner[bid]
		outcome, err := bidOutcome(bid, o.now())
		if err != nil {
			it.err = err
			continue
		}
		rec, err := o.commit(ctx, it.env, []domain.Envelope{outcome})
		records = append(records, rec)
		it.err = err
		o.metrics.RecordBid(ctx, bid.Decision())
	}
	o.publishAsync(records)
}

// recoverStored splits off bids that were stored by an earlier delivery whose
// outcome never reached the idempotency store. Their stored decision is
// reused. A bid id already stored for another event is a validation failure.
func (o *Orchestrator) recoverStored(ctx context.Context, items []*item) (fresh, recovered []*item) {
	for _, it := range items {
		stored, err := o.repo.GetBid(ctx, it.submitted.ID)
		switch {
		case err == nil && stored.EventID == it.env.EventID:
			it.bid = stored
			recovered = append(recovered, it)
			o.log.Info("Recovered stored bid outcome",
				logger.AuctionID(it.env.AuctionID),
				logger.BidID(stored.ID),
				logger.EventID(it.env.EventID),
			)
		case err == nil:
			it.err = apperrors.Validation(apperrors.CodeBidExists, "bid id already recorded for another event").
				WithParams(map[string]interface{}{"bid_id": stored.ID, "event_id": stored.EventID})
		case apperrors.KindOf(err) == apperrors.KindNotFound:
			fresh = append(fresh, it)
		default:
			it.err = err
		}
	}
	return fresh, recovered
}

// admit evaluates items against the stored auction and persists the bids
// and the new auction state in one compare-and-swap. A lost race reloads the
// auction and evaluates again.
func (o *Orchestrator) admit(ctx context.Context, auctionID string, items []*item) error {
	return retry.Do(ctx, o.cfg.Retry, retryable, func(ctx context.Context) error {
		a, err := o.repo.GetAuction(ctx, auctionID)
		if err != nil {
			return notVisible(err, auctionID)
		}
		expected := a.Version
		now := o.now().UTC()

		bids := make([]*domain.Bid, 0, len(items))
		var queued []*domain.Bid
		for _, it := range items {
			bid := *it.submitted
			it.bid = &bid
			bid.RecordedAt = now
			bids = append(bids, &bid)
			if _, rejected := o.engine.Precheck(a, &bid); !rejected {
				queued = append(queued, &bid)
			}
		}
		if len(queued) > 0 {
			seq, err := o.sequencer.Next(ctx, auctionID)
			if err != nil {
				return apperrors.Transient(err, apperrors.CodeStorageFailed, "assign arrival sequence failed")
			}
			for _, bid := range queued {
				bid.ArrivalSeq = seq
			}
			o.engine.AdmitBatch(a, queued)
		}
		ordering.Sort(bids)

		if err := o.repo.RecordBids(ctx, a, expected, bids); err != nil {
			if apperrors.KindOf(err) == apperrors.KindConflict {
				// the cached sequence may be behind another writer's
				o.sequencer.Forget(auctionID)
				o.metrics.RecordRetry(ctx, apperrors.CodeVersionConflict)
			}
			return err
		}
		return nil
	})
}

func bidOutcome(bid *domain.Bid, at time.Time) (domain.Envelope, error) {
	d := bid.Decision()
	if d.Accepted() {
		return domain.NewEnvelope(bid.AuctionID, d.Version, domain.BidAccepted{
			BidID:      bid.ID,
			BidderID:   bid.BidderID,
			Amount:     bid.Amount,
			NewVersion: d.Version,
		}, at)
	}
	return domain.NewEnvelope(bid.AuctionID, d.Version, domain.BidRejected{
		BidID:      bid.ID,
		BidderID:   bid.BidderID,
		Reason:     d.Reason,
		NewVersion: d.Version,
	}, at)
}

func (o *Orchestrator) handleCreated(ctx context.Context, env domain.Envelope) error {
	p, err := domain.DecodePayload(env)
	if err != nil {
		return err
	}
	a, err := domain.NewAuction(p.(*domain.AuctionCreated).Spec(env.AuctionID), o.now(), o.cfg.ScheduledOpen)
	if err != nil {
		return err
	}

	err = retry.Do(ctx, o.cfg.Retry, retryable, func(ctx context.Context) error {
		return o.repo.CreateAuction(ctx, a)
	})
	switch {
	case apperrors.HasCode(err, apperrors.CodeAuctionExists):
		o.log.Info("Auction already created",
			logger.AuctionID(env.AuctionID),
			logger.EventID(env.EventID),
		)
	case err != nil:
		return err
	default:
		o.metrics.RecordTransition(ctx, a.Status, "created")
		o.log.Info("Auction created",
			logger.AuctionID(a.ID),
			zap.String("status", string(a.Status)),
			zap.Time("close_at", a.CloseAt),
		)
	}
	return o.commitAndPublish(ctx, env, nil)
}

func (o *Orchestrator) handleCloseRequested(ctx context.Context, env domain.Envelope) error {
	at := env.ProducedAt()
	return o.handleTransition(ctx, env, func(a *domain.Auction) (domain.Payload, error) {
		if err := a.Close(domain.CloseManual, at); err != nil {
			return nil, err
		}
		return closedPayload(a), nil
	})
}

func (o *Orchestrator) handleCancelRequested(ctx context.Context, env domain.Envelope) error {
	p, err := domain.DecodePayload(env)
	if err != nil {
		return err
	}
	reason := p.(*domain.AuctionCancelRequested).Reason
	at := env.ProducedAt()
	return o.handleTransition(ctx, env, func(a *domain.Auction) (domain.Payload, error) {
		if err := a.Cancel(reason, at); err != nil {
			return nil, err
		}
		return domain.AuctionCancelled{Reason: reason, FinalVersion: a.Version}, nil
	})
}

// handleTransition applies a requested transition. A request against an
// auction that is already terminal is recorded without outcome.
func (o *Orchestrator) handleTransition(ctx context.Context, env domain.Envelope, apply func(*domain.Auction) (domain.Payload, error)) error {
	a, payload, err := o.mutate(ctx, env.AuctionID, apply)
	if apperrors.HasCode(err, apperrors.CodeAuctionAlreadyTerminal) {
		o.log.Info("Transition ignored: auction already terminal",
			logger.AuctionID(env.AuctionID),
			logger.EventID(env.EventID),
			logger.EventType(string(env.Type)),
		)
		return o.commitAndPublish(ctx, env, nil)
	}
	if err != nil {
		return err
	}

	outcome, err := domain.NewEnvelope(a.ID, a.Version, payload, o.now())
	if err != nil {
		return err
	}
	o.afterTransition(ctx, a)
	return o.commitAndPublish(ctx, env, []domain.Envelope{outcome})
}

// mutate loads an auction, applies fn and stores the result under the
// version check, reloading on conflict. A nil payload leaves the auction
// unchanged.
func (o *Orchestrator) mutate(ctx context.Context, auctionID string, fn func(*domain.Auction) (domain.Payload, error)) (*domain.Auction, domain.Payload, error) {
	var (
		a       *domain.Auction
		payload domain.Payload
	)
	err := retry.Do(ctx, o.cfg.Retry, retryable, func(ctx context.Context) error {
		current, err := o.repo.GetAuction(ctx, auctionID)
		if err != nil {
			return notVisible(err, auctionID)
		}
		expected := current.Version
		p, err := fn(current)
		if err != nil || p == nil {
			a, payload = current, nil
			return err
		}
		if err := o.repo.SaveAuction(ctx, current, expected); err != nil {
			if apperrors.KindOf(err) == apperrors.KindConflict {
				o.metrics.RecordRetry(ctx, apperrors.CodeVersionConflict)
			}
			return err
		}
		a, payload = current, p
		return nil
	})
	return a, payload, err
}

// afterTransition does the bookkeeping shared by every stored transition.
func (o *Orchestrator) afterTransition(ctx context.Context, a *domain.Auction) {
	reason := string(a.ClosedReason)
	if a.Status == domain.StatusCancelled {
		reason = a.CancelReason
	}
	o.metrics.RecordTransition(ctx, a.Status, reason)
	o.log.Info("Auction transitioned",
		logger.AuctionID(a.ID),
		zap.String("status", string(a.Status)),
		zap.String("reason", reason),
		zap.Int64("version", a.Version),
	)
	if !a.Status.IsTerminal() {
		return
	}
	o.sequencer.Forget(a.ID)
	if o.archiver == nil {
		return
	}
	if err := o.archiver.ScheduleArchive(ctx, a.ID); err != nil {
		// the archive sweep picks it up later
		o.log.Warn("Schedule archive failed", logger.AuctionID(a.ID), zap.Error(err))
	}
}

func closedPayload(a *domain.Auction) domain.AuctionClosed {
	p := domain.AuctionClosed{ClosedReason: a.ClosedReason, FinalVersion: a.Version}
	if id, ok := a.Winner(); ok {
		amount := a.HighestAmount
		p.WinningBidID = id
		p.WinningAmount = &amount
	}
	return p
}
