package logger

import "go.uber.org/zap"

// Field keys shared by every component that logs about envelopes.
const (
	KeyAuctionID = "auction_id"
	KeyEventID   = "event_id"
	KeyEventType = "event_type"
	KeyBidID     = "bid_id"
)

// AuctionID tags a log entry with the auction it concerns.
func AuctionID(id string) zap.Field { return zap.String(KeyAuctionID, id) }

// EventID tags a log entry with an envelope id.
func EventID(id string) zap.Field { return zap.String(KeyEventID, id) }

// EventType tags a log entry with an envelope type.
func EventType(t string) zap.Field { return zap.String(KeyEventType, t) }

// BidID tags a log entry with a bid id.
func BidID(id string) zap.Field { return zap.String(KeyBidID, id) }
