package domain

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "gavel.io/gavel/internal/pkg/errors"
)

// EventType names an envelope variant. It doubles as the topic suffix.
type EventType string

const (
	// Consumed
	EventAuctionCreated         EventType = "auction-created"
	EventBidSubmitted           EventType = "bid-submitted"
	EventAuctionCloseRequested  EventType = "auction-close-requested"
	EventAuctionCancelRequested EventType = "auction-cancel-requested"

	// Produced
	EventBidAccepted      EventType = "bid-accepted"
	EventBidRejected      EventType = "bid-rejected"
	EventAuctionClosed    EventType = "auction-closed"
	EventAuctionCancelled EventType = "auction-cancelled"
	EventAuctionOpened    EventType = "auction-opened"
)

// InboundEventTypes are the variants the lifecycle service consumes.
var InboundEventTypes = []EventType{
	EventAuctionCreated,
	EventBidSubmitted,
	EventAuctionCloseRequested,
	EventAuctionCancelRequested,
}

// OutboundEventTypes are the variants the lifecycle service produces.
var OutboundEventTypes = []EventType{
	EventBidAccepted,
	EventBidRejected,
	EventAuctionClosed,
	EventAuctionCancelled,
	EventAuctionOpened,
}

// Known reports whether t is part of the closed variant set.
func (t EventType) Known() bool {
	for _, set := range [][]EventType{InboundEventTypes, OutboundEventTypes} {
		for _, known := range set {
			if t == known {
				return true
			}
		}
	}
	return false
}

// Envelope is the wire unit exchanged over the broker. Never mutated after emission.
type Envelope struct {
	EventID           string                 `json:"eventId"`
	Type              EventType              `json:"type"`
	AuctionID         string                 `json:"auctionId"`
	ProducerTimestamp int64                  `json:"producerTimestamp"`
	CausalVersion     int64                  `json:"causalVersion"`
	Payload           sonic.NoCopyRawMessage `json:"payload"`
}

// ProducedAt returns the producer timestamp as a time.
func (e Envelope) ProducedAt() time.Time {
	return FromMillis(e.ProducerTimestamp)
}

// Payload is implemented by every typed envelope payload.
type Payload interface {
	EventType() EventType
}

// AuctionCreated is the payload of auction-created.
type AuctionCreated struct {
	SellerID      string          `json:"sellerId"`
	StartingPrice decimal.Decimal `json:"startingPrice"`
	Currency      string          `json:"currency"`
	OpenAt        int64           `json:"openAt"`
	CloseAt       int64           `json:"closeAt"`
	MediaKeys     []string        `json:"mediaKeys,omitempty"`
}

func (AuctionCreated) EventType() EventType { return EventAuctionCreated }

// Spec converts the payload into an AuctionSpec for auctionID.
func (p AuctionCreated) Spec(auctionID string) AuctionSpec {
	return AuctionSpec{
		ID:            auctionID,
		SellerID:      p.SellerID,
		StartingPrice: p.StartingPrice,
		Currency:      p.Currency,
		OpenAt:        FromMillis(p.OpenAt),
		CloseAt:       FromMillis(p.CloseAt),
		MediaKeys:     p.MediaKeys,
	}
}

// BidSubmitted is the payload of bid-submitted.
type BidSubmitted struct {
	BidID       string          `json:"bidId"`
	BidderID    string          `json:"bidderId"`
	Amount      decimal.Decimal `json:"amount"`
	SubmittedAt int64           `json:"submittedAt"`
}

func (BidSubmitted) EventType() EventType { return EventBidSubmitted }

// Bid builds the pending bid carried by env.
func (p BidSubmitted) Bid(env Envelope) *Bid {
	return &Bid{
		ID:            p.BidID,
		AuctionID:     env.AuctionID,
		BidderID:      p.BidderID,
		Amount:        p.Amount,
		SubmittedAt:   FromMillis(p.SubmittedAt),
		CausalVersion: env.CausalVersion,
		EventID:       env.EventID,
		Outcome:       OutcomePending,
	}
}

// AuctionCloseRequested is the payload of auction-close-requested.
type AuctionCloseRequested struct {
	Reason string `json:"reason,omitempty"`
}

func (AuctionCloseRequested) EventType() EventType { return EventAuctionCloseRequested }

// AuctionCancelRequested is the payload of auction-cancel-requested.
type AuctionCancelRequested struct {
	Reason string `json:"reason"`
}

func (AuctionCancelRequested) EventType() EventType { return EventAuctionCancelRequested }

// BidAccepted is the payload of bid-accepted.
type BidAccepted struct {
	BidID      string          `json:"bidId"`
	BidderID   string          `json:"bidderId,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	NewVersion int64           `json:"newVersion"`
}

func (BidAccepted) EventType() EventType { return EventBidAccepted }

// BidRejected is the payload of bid-rejected.
type BidRejected struct {
	BidID      string       `json:"bidId"`
	BidderID   string       `json:"bidderId,omitempty"`
	Reason     RejectReason `json:"reason"`
	NewVersion int64        `json:"newVersion"`
}

func (BidRejected) EventType() EventType { return EventBidRejected }

// AuctionClosed is the payload of auction-closed.
type AuctionClosed struct {
	WinningBidID  string           `json:"winningBidId,omitempty"`
	WinningAmount *decimal.Decimal `json:"winningAmount,omitempty"`
	ClosedReason  CloseReason      `json:"closedReason"`
	FinalVersion  int64            `json:"finalVersion"`
}

func (AuctionClosed) EventType() EventType { return EventAuctionClosed }

// AuctionCancelled is the payload of auction-cancelled.
type AuctionCancelled struct {
	Reason       string `json:"reason"`
	FinalVersion int64  `json:"finalVersion"`
}

func (AuctionCancelled) EventType() EventType { return EventAuctionCancelled }

// AuctionOpened is the payload of auction-opened.
type AuctionOpened struct {
	OpenedVersion int64 `json:"openedVersion"`
}

func (AuctionOpened) EventType() EventType { return EventAuctionOpened }

// NewEnvelope wraps p in a fresh envelope with a time-ordered event id.
func NewEnvelope(auctionID string, causalVersion int64, p Payload, at time.Time) (Envelope, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Envelope{}, fmt.Errorf("generate event id: %w", err)
	}
	body, err := jsonAPI.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", p.EventType(), err)
	}
	return Envelope{
		EventID:           id.String(),
		Type:              p.EventType(),
		AuctionID:         auctionID,
		ProducerTimestamp: EpochMillis(at),
		CausalVersion:     causalVersion,
		Payload:           body,
	}, nil
}

// DecodePayload returns the typed payload of env.
func DecodePayload(env Envelope) (Payload, error) {
	var p Payload
	switch env.Type {
	case EventAuctionCreated:
		p = &AuctionCreated{}
	case EventBidSubmitted:
		p = &BidSubmitted{}
	case EventAuctionCloseRequested:
		p = &AuctionCloseRequested{}
	case EventAuctionCancelRequested:
		p = &AuctionCancelRequested{}
	case EventBidAccepted:
		p = &BidAccepted{}
	case EventBidRejected:
		p = &BidRejected{}
	case EventAuctionClosed:
		p = &AuctionClosed{}
	case EventAuctionCancelled:
		p = &AuctionCancelled{}
	case EventAuctionOpened:
		p = &AuctionOpened{}
	default:
		return nil, unknownEventType(env.Type)
	}
	if err := jsonAPI.Unmarshal(env.Payload, p); err != nil {
		return nil, apperrors.ErrMalformedEnvelopef(fmt.Errorf("decode %s payload: %w", env.Type, err))
	}
	return p, nil
}

func unknownEventType(t EventType) *apperrors.AppError {
	return apperrors.Validation(apperrors.CodeUnknownEventType, "unknown event type "+string(t)).
		WithParams(map[string]interface{}{"event_type": string(t)})
}

// EpochMillis converts t to epoch milliseconds.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts epoch milliseconds to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
