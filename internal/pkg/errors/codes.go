package errors

import "fmt"

// Envelope error codes.
const (
	CodeMalformedEnvelope = "MALFORMED_ENVELOPE"
	CodeUnknownEventType  = "UNKNOWN_EVENT_TYPE"
	CodeEventIDReused     = "EVENT_ID_REUSED"
)

// Auction error codes.
const (
	CodeInvalidAuctionSpec     = "INVALID_AUCTION_SPEC"
	CodeAuctionAlreadyTerminal = "AUCTION_ALREADY_TERMINAL"
	CodeAuctionNotPending      = "AUCTION_NOT_PENDING"
	CodeAuctionNotDue          = "AUCTION_NOT_DUE"
	CodeAuctionNotFound        = "AUCTION_NOT_FOUND"
	CodeAuctionExists          = "AUCTION_ALREADY_EXISTS"
)

// Bid error codes.
const (
	CodeBidNotFound = "BID_NOT_FOUND"
	CodeBidExists   = "BID_ALREADY_EXISTS"
)

// Persistence and delivery error codes.
const (
	CodeVersionConflict   = "VERSION_CONFLICT"
	CodeStorageFailed     = "STORAGE_FAILED"
	CodePublishFailed     = "PUBLISH_FAILED"
	CodeDedupFailed       = "DEDUP_FAILED"
	CodeArchiveFailed     = "ARCHIVE_FAILED"
	CodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	CodeAuctionNotVisible = "AUCTION_NOT_VISIBLE"
	CodeLaneUnavailable   = "LANE_UNAVAILABLE"
	CodeInternal          = "INTERNAL_ERROR"
)

// Ops API error codes.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
)

// Convenience constructors using predefined codes.

// ErrInvalidAuctionSpecf creates an invalid auction spec error for one field.
func ErrInvalidAuctionSpecf(field, reason string) *AppError {
	return Validation(CodeInvalidAuctionSpec, "invalid auction spec: "+field+" "+reason).
		WithFieldErrors([]FieldError{{Field: field, Code: CodeInvalidAuctionSpec, Message: reason}})
}

// ErrAuctionAlreadyTerminalf creates an error for a transition out of a terminal status.
func ErrAuctionAlreadyTerminalf(auctionID, status string) *AppError {
	return Business(CodeAuctionAlreadyTerminal, "auction is already "+status).
		WithParams(map[string]interface{}{"auction_id": auctionID, "status": status})
}

// ErrAuctionNotFoundf creates an auction not found error.
func ErrAuctionNotFoundf(auctionID string) *AppError {
	return NotFound(CodeAuctionNotFound, "auction not found").
		WithParams(map[string]interface{}{"auction_id": auctionID})
}

// ErrVersionConflictf creates an optimistic concurrency error.
func ErrVersionConflictf(auctionID string, expected int64) *AppError {
	return Conflict(CodeVersionConflict, fmt.Sprintf("auction version is no longer %d", expected)).
		WithParams(map[string]interface{}{"auction_id": auctionID, "expected_version": expected})
}

// ErrMalformedEnvelopef wraps a decoding or schema failure.
func ErrMalformedEnvelopef(err error) *AppError {
	return Wrap(err, CodeMalformedEnvelope, "envelope failed validation", KindValidation)
}
