// Package lifecycle drives auctions from inbound envelopes and timer ticks.
//
// The Orchestrator is the only writer of auction state. It consumes
// auction-created, bid-submitted, auction-close-requested and
// auction-cancel-requested, evaluates them against the aggregate under a
// version compare-and-swap, records the resulting outcome envelopes in the
// idempotency store and publishes them.
//
// Work for one auction is serialized on its worker lane. Different auctions
// are processed concurrently.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"gavel.io/gavel/internal/broker"
	"gavel.io/gavel/internal/deadletter"
	"gavel.io/gavel/internal/dedup"
	"gavel.io/gavel/internal/domain"
	"gavel.io/gavel/internal/ordering"
	"gavel.io/gavel/internal/repository"
	"gavel.io/gavel/internal/telemetry"
	apperrors "gavel.io/gavel/internal/pkg/errors"
	"gavel.io/gavel/internal/pkg/logger"
	"gavel.io/gavel/internal/pkg/retry"
	"gavel.io/gavel/internal/pkg/worker"
)

// Config tunes the orchestrator.
type Config struct {
	TopicPrefix string
	// MaxDeliveries is the broker delivery budget of a transient failure.
	// Zero retries forever.
	MaxDeliveries int
	ScheduledOpen bool
	// StaleVersionTolerance bounds |version - causalVersion| for bids.
	// Negative disables the check.
	StaleVersionTolerance int64
	SweepBatchSize        int
	RelayBatchSize        int
	// Retry bounds in-process retries of storage failures and version conflicts.
	Retry retry.Policy
}

// ArchiveScheduler queues a snapshot of a terminal auction.
type ArchiveScheduler interface {
	ScheduleArchive(ctx context.Context, auctionID string) error
}

// Deps are the collaborators of the orchestrator. Metrics, Tracer and
// Archiver are optional.
type Deps struct {
	Repo        repository.Store
	Dedup       dedup.Store
	Publisher   broker.Publisher
	DeadLetters deadletter.Sink
	Pools       *worker.Pools
	Metrics     *telemetry.Metrics
	Tracer      trace.Tracer
	Archiver    ArchiveScheduler
}

// Orchestrator applies inbound envelopes to auctions.
type Orchestrator struct {
	cfg        Config
	repo       repository.Store
	dedup      dedup.Store
	publisher  broker.Publisher
	dead       deadletter.Sink
	pools      *worker.Pools
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	archiver   ArchiveScheduler
	engine     *ordering.Engine
	sequencer  *ordering.Sequencer
	dispatcher *domain.EventDispatcher
	outbox     *outbox
	now        func() time.Time
	log        *zap.Logger
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("gavel/lifecycle")
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	o := &Orchestrator{
		cfg:        cfg,
		repo:       deps.Repo,
		dedup:      deps.Dedup,
		publisher:  deps.Publisher,
		dead:       deps.DeadLetters,
		pools:      deps.Pools,
		metrics:    deps.Metrics,
		tracer:     tracer,
		archiver:   deps.Archiver,
		engine:     ordering.NewEngine(cfg.StaleVersionTolerance),
		sequencer:  ordering.NewSequencer(deps.Repo.MaxArrivalSeq),
		dispatcher: domain.NewEventDispatcher(),
		outbox:     newOutbox(),
		now:        time.Now,
		log:        logger.Named("lifecycle"),
	}
	o.dispatcher.Register(domain.EventAuctionCreated, o.handleCreated)
	o.dispatcher.Register(domain.EventAuctionCloseRequested, o.handleCloseRequested)
	o.dispatcher.Register(domain.EventAuctionCancelRequested, o.handleCancelRequested)
	return o
}

// WithClock replaces the wall clock used for record and transition timestamps.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Topics returns the topics the orchestrator consumes.
func (o *Orchestrator) Topics() []string {
	return broker.Topics(o.cfg.TopicPrefix, domain.InboundEventTypes)
}

// item tracks one delivery through a batch.
type item struct {
	delivery broker.Delivery
	env      domain.Envelope
	// submitted is the decoded bid of a bid-submitted envelope; bid is the
	// copy evaluated by the current attempt.
	submitted *domain.Bid
	bid       *domain.Bid
	err       error
}

var errNotProcessed = errors.New("delivery not processed")

// HandleBatch processes the deliveries of one partition and returns a verdict
// per delivery. It is a broker.BatchHandler.
func (o *Orchestrator) HandleBatch(ctx context.Context, batch []broker.Delivery) []broker.Verdict {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "lifecycle.HandleBatch",
		trace.WithAttributes(attribute.Int("batch.size", len(batch))))
	defer span.End()

	items := make([]*item, len(batch))
	groups := make(map[string][]*item)
	var order []string
	for i, d := range batch {
		it := &item{delivery: d, err: errNotProcessed}
		items[i] = it
		env, err := domain.DecodeEnvelope(d.Body)
		if err != nil {
			it.err = err
			continue
		}
		it.env = env
		if _, ok := groups[env.AuctionID]; !ok {
			order = append(order, env.AuctionID)
		}
		groups[env.AuctionID] = append(groups[env.AuctionID], it)
	}

	failed := o.onLanes(ctx, order, func(ctx context.Context, auctionID string) {
		o.processGroup(ctx, groups[auctionID])
	})
	for auctionID, err := range failed {
		for _, it := range groups[auctionID] {
			it.err = apperrors.Transient(err, apperrors.CodeLaneUnavailable, "auction lane unavailable")
		}
	}

	verdicts := make([]broker.Verdict, len(items))
	for i, it := range items {
		verdicts[i] = o.verdict(ctx, it)
	}
	o.metrics.ObserveAdmission(ctx, time.Since(start), len(batch))
	return verdicts
}

// onLanes runs fn once per key on the key's lane and waits for all of them.
// Keys whose task could not be queued are returned with the cause.
func (o *Orchestrator) onLanes(ctx context.Context, keys []string, fn func(ctx context.Context, key string)) map[string]error {
	var (
		done   []<-chan struct{}
		failed map[string]error
	)
	for _, key := range keys {
		ch, err := o.pools.Lanes.Submit(ctx, key, func(ctx context.Context) {
			fn(ctx, key)
		})
		if err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[key] = err
			continue
		}
		done = append(done, ch)
	}
	for _, ch := range done {
		<-ch
	}
	return failed
}

// processGroup handles the envelopes of one auction in delivery order.
// Consecutive bids are admitted together and share an arrival sequence.
func (o *Orchestrator) processGroup(ctx context.Context, items []*item) {
	var run []*item
	flush := func() {
		if len(run) > 0 {
			o.processBids(ctx, run)
			run = nil
		}
	}

	for _, it := range items {
		if it.env.Type != domain.EventBidSubmitted {
			flush()
			it.err = o.processEnvelope(ctx, it.env)
			continue
		}
		p, err := domain.DecodePayload(it.env)
		if err != nil {
			it.err = err
			continue
		}
		it.submitted = p.(*domain.BidSubmitted).Bid(it.env)
		if conflictsWithRun(run, it) {
			flush()
		}
		run = append(run, it)
	}
	flush()
}

// conflictsWithRun reports whether it repeats an event or bid id of run.
// A repeated id must see the first one's record, so it starts a new run.
func conflictsWithRun(run []*item, it *item) bool {
	for _, other := range run {
		if other.env.EventID == it.env.EventID || other.submitted.ID == it.submitted.ID {
			return true
		}
	}
	return false
}

func (o *Orchestrator) processEnvelope(ctx context.Context, env domain.Envelope) error {
	dup, err := o.replayIfDuplicate(ctx, env)
	if err != nil || dup {
		return err
	}
	return o.dispatcher.Dispatch(ctx, env)
}

// replayIfDuplicate re-publishes the recorded outcomes of an already
// processed event. An event id reused with different content is a
// validation failure.
func (o *Orchestrator) replayIfDuplicate(ctx context.Context, env domain.Envelope) (bool, error) {
	rec, err := o.dedup.Lookup(ctx, env.AuctionID, env.EventID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	fp, err := domain.Fingerprint(env)
	if err != nil {
		return true, err
	}
	if fp != rec.Fingerprint {
		return true, apperrors.Validation(apperrors.CodeEventIDReused, "event id reused with different content").
			WithParams(map[string]interface{}{"auction_id": env.AuctionID, "event_id": env.EventID})
	}

	o.metrics.RecordDuplicate(ctx, env.Type)
	o.log.Debug("Duplicate event, replaying recorded outcomes",
		logger.AuctionID(env.AuctionID),
		logger.EventID(env.EventID),
		logger.EventType(string(env.Type)),
		zap.Int("outcomes", len(rec.Outcomes)),
	)
	o.publishAsync([]dedup.Record{*rec})
	return true, nil
}

// commit records the outcomes of env in the idempotency store. When another
// worker recorded the event first, its record wins.
func (o *Orchestrator) commit(ctx context.Context, env domain.Envelope, outcomes []domain.Envelope) (dedup.Record, error) {
	fp, err := domain.Fingerprint(env)
	if err != nil {
		return dedup.Record{}, err
	}
	rec := dedup.Record{
		AuctionID:   env.AuctionID,
		EventID:     env.EventID,
		EventType:   env.Type,
		Fingerprint: fp,
		Outcomes:    outcomes,
		RecordedAt:  o.now().UTC(),
		Published:   len(outcomes) == 0,
	}
	res, err := o.dedup.RecordIfNew(ctx, rec)
	if err != nil {
		return rec, err
	}
	if res.Duplicate() && res.Previous != nil {
		return *res.Previous, nil
	}
	return rec, nil
}

// commitAndPublish records and publishes the outcomes of env. The outcomes
// are published even when recording failed, since the state change they
// describe is already stored.
func (o *Orchestrator) commitAndPublish(ctx context.Context, env domain.Envelope, outcomes []domain.Envelope) error {
	rec, err := o.commit(ctx, env, outcomes)
	o.publishAsync([]dedup.Record{rec})
	return err
}

// verdict maps the processing result of an item to a broker verdict,
// dead-lettering what must not be redelivered.
func (o *Orchestrator) verdict(ctx context.Context, it *item) broker.Verdict {
	if it.err == nil {
		return broker.Ack
	}
	if ctx.Err() != nil || errors.Is(it.err, errNotProcessed) {
		return broker.Retry
	}

	code := errorCode(it.err)
	if apperrors.IsRetryable(it.err) && (o.cfg.MaxDeliveries <= 0 || it.delivery.Attempt < o.cfg.MaxDeliveries) {
		o.metrics.RecordRetry(ctx, code)
		o.log.Warn("Delivery will be retried",
			logger.AuctionID(it.env.AuctionID),
			logger.EventID(it.env.EventID),
			zap.String("topic", it.delivery.Topic),
			zap.Int("attempt", it.delivery.Attempt),
			zap.Error(it.err),
		)
		return broker.Retry
	}

	if err := o.deadLetter(ctx, it, code); err != nil {
		o.log.Error("Dead-letter failed, delivery will be retried",
			zap.String("topic", it.delivery.Topic),
			zap.String("message_id", it.delivery.ID),
			zap.Error(err),
		)
		return broker.Retry
	}
	return broker.Ack
}

func (o *Orchestrator) deadLetter(ctx context.Context, it *item, code string) error {
	auctionID := it.env.AuctionID
	if auctionID == "" {
		auctionID = it.delivery.Key
	}
	letter := deadletter.Letter{
		ID:        uuid.NewString(),
		Topic:     it.delivery.Topic,
		Partition: it.delivery.Partition,
		MessageID: it.delivery.ID,
		AuctionID: auctionID,
		EventID:   it.env.EventID,
		Body:      string(it.delivery.Body),
		Attempts:  it.delivery.Attempt,
		Code:      code,
		Kind:      apperrors.KindOf(it.err).String(),
		Reason:    it.err.Error(),
		At:        o.now().UTC(),
	}
	if err := o.dead.Send(ctx, letter); err != nil {
		return err
	}
	o.metrics.RecordDeadLetter(ctx, code)
	return nil
}

func errorCode(err error) string {
	if appErr, ok := apperrors.IsAppError(err); ok {
		return appErr.Code
	}
	if errors.Is(err, retry.ErrExhausted) {
		return apperrors.CodeRetriesExhausted
	}
	return apperrors.CodeInternal
}

// retryable limits in-process retries to failures a short backoff can fix.
// An auction that is not visible yet waits for broker redelivery instead.
func retryable(err error) bool {
	return apperrors.IsRetryable(err) && !apperrors.HasCode(err, apperrors.CodeAuctionNotVisible)
}

// notVisible turns a missing auction into a transient failure: the
// auction-created envelope may still be in flight on another topic.
func notVisible(err error, auctionID string) error {
	if apperrors.HasCode(err, apperrors.CodeAuctionNotFound) {
		return apperrors.Transient(err, apperrors.CodeAuctionNotVisible, "auction not visible yet").
			WithParams(map[string]interface{}{"auction_id": auctionID})
	}
	return err
}
