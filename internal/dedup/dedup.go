// Package dedup records which inbound events were already applied, per
// auction, together with the outcome events they produced.
//
// A duplicate delivery never reaches the auction aggregate again: the
// orchestrator replays the recorded outcomes instead. Records are kept for a
// retention window that matches the broker's maximum redelivery window.
package dedup

import (
	"context"
	"time"

	"gavel.io/gavel/internal/domain"
)

// Status is the result of RecordIfNew.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusDuplicate Status = "DUPLICATE"
)

// Record is the processing outcome of one inbound event.
type Record struct {
	AuctionID string           `json:"auctionId"`
	EventID   string           `json:"eventId"`
	EventType domain.EventType `json:"eventType"`
	// Fingerprint identifies the canonical content of the inbound envelope.
	Fingerprint string `json:"fingerprint"`
	// Outcomes are the envelopes emitted for the event, in emission order.
	Outcomes   []domain.Envelope `json:"outcomes,omitempty"`
	RecordedAt time.Time         `json:"recordedAt"`
	// Published is set once every outcome was handed to the broker.
	Published bool `json:"published"`
}

// Result is returned by RecordIfNew. Previous is set for duplicates.
type Result struct {
	Status   Status
	Previous *Record
}

// Duplicate reports whether the event had been recorded before.
func (r Result) Duplicate() bool {
	return r.Status == StatusDuplicate
}

// Store is the idempotency store.
type Store interface {
	// RecordIfNew stores rec unless a record for the same auction and event id
	// exists, in which case the existing record is returned untouched.
	RecordIfNew(ctx context.Context, rec Record) (Result, error)

	// Lookup returns the record for an event, or nil when none is retained.
	Lookup(ctx context.Context, auctionID, eventID string) (*Record, error)

	// MarkPublished flags a record as handed to the broker.
	MarkPublished(ctx context.Context, auctionID, eventID string) error

	// ListUnpublished returns up to limit records whose outcomes still need publishing, oldest first.
	ListUnpublished(ctx context.Context, limit int) ([]Record, error)

	// Purge drops records recorded before olderThan and returns how many went.
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

func recordKey(auctionID, eventID string) string {
	return auctionID + "/" + eventID
}
