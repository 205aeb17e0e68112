package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	apperrors "gavel.io/gavel/internal/pkg/errors"
)

const bidEnvelopeJSON = `{
  "eventId": "0190f8a2-7c4e-7d10-9b1f-2f2d3c4b5a69",
  "type": "bid-submitted",
  "auctionId": "auction-1",
  "producerTimestamp": 1772366410000,
  "causalVersion": 1,
  "payload": {"bidId": "b-1", "bidderId": "alice", "amount": 150, "submittedAt": 1772366410000}
}`

func TestDecodeEnvelope_Valid(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantType   EventType
		wantAmount string
	}{
		{
			name:       "numeric amount",
			raw:        bidEnvelopeJSON,
			wantType:   EventBidSubmitted,
			wantAmount: "150",
		},
		{
			name: "string amount",
			raw: `{"eventId":"e-2","type":"bid-submitted","auctionId":"auction-1","producerTimestamp":1,"causalVersion":0,
				"payload":{"bidId":"b-2","bidderId":"bob","amount":"150.25","submittedAt":1}}`,
			wantType:   EventBidSubmitted,
			wantAmount: "150.25",
		},
		{
			name: "close request without reason",
			raw: `{"eventId":"e-3","type":"auction-close-requested","auctionId":"auction-1","producerTimestamp":1,"causalVersion":4,
				"payload":{}}`,
			wantType: EventAuctionCloseRequested,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.raw))
			require.NoError(t, err)
			require.Equal(t, tt.wantType, env.Type)
			require.Equal(t, "auction-1", env.AuctionID)

			p, err := DecodePayload(env)
			require.NoError(t, err)
			require.Equal(t, tt.wantType, p.EventType())
			if bid, ok := p.(*BidSubmitted); ok {
				require.True(t, decimal.RequireFromString(tt.wantAmount).Equal(bid.Amount))
			}
		})
	}
}

func TestDecodeEnvelope_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantCode string
	}{
		{"not json", `{"eventId":`, apperrors.CodeMalformedEnvelope},
		{"missing auction id", `{"eventId":"e","type":"auction-close-requested","producerTimestamp":1,"causalVersion":0,"payload":{}}`, apperrors.CodeMalformedEnvelope},
		{"negative causal version", `{"eventId":"e","type":"auction-close-requested","auctionId":"a","producerTimestamp":1,"causalVersion":-1,"payload":{}}`, apperrors.CodeMalformedEnvelope},
		{"unknown type", `{"eventId":"e","type":"auction-paused","auctionId":"a","producerTimestamp":1,"causalVersion":0,"payload":{}}`, apperrors.CodeUnknownEventType},
		{"bid without amount", `{"eventId":"e","type":"bid-submitted","auctionId":"a","producerTimestamp":1,"causalVersion":0,"payload":{"bidId":"b","bidderId":"x","submittedAt":1}}`, apperrors.CodeMalformedEnvelope},
		{"bid with negative amount", `{"eventId":"e","type":"bid-submitted","auctionId":"a","producerTimestamp":1,"causalVersion":0,"payload":{"bidId":"b","bidderId":"x","amount":-3,"submittedAt":1}}`, apperrors.CodeMalformedEnvelope},
		{"bid with garbage amount", `{"eventId":"e","type":"bid-submitted","auctionId":"a","producerTimestamp":1,"causalVersion":0,"payload":{"bidId":"b","bidderId":"x","amount":"12abc","submittedAt":1}}`, apperrors.CodeMalformedEnvelope},
		{"created without close time", `{"eventId":"e","type":"auction-created","auctionId":"a","producerTimestamp":1,"causalVersion":0,"payload":{"sellerId":"s","startingPrice":"10","currency":"EUR","openAt":1}}`, apperrors.CodeMalformedEnvelope},
		{"cancel without reason", `{"eventId":"e","type":"auction-cancel-requested","auctionId":"a","producerTimestamp":1,"causalVersion":0,"payload":{}}`, apperrors.CodeMalformedEnvelope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.raw))
			require.Error(t, err)
			require.True(t, apperrors.HasCode(err, tt.wantCode), "got %v", err)
			require.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
		})
	}
}

func TestNewEnvelope_RoundTrip(t *testing.T) {
	payload := AuctionCreated{
		SellerID:      "seller-1",
		StartingPrice: decimal.RequireFromString("99.90"),
		Currency:      "USD",
		OpenAt:        EpochMillis(openAt),
		CloseAt:       EpochMillis(closeAt),
		MediaKeys:     []string{"media/a.jpg"},
	}

	env, err := NewEnvelope("auction-9", 0, payload, t0)
	require.NoError(t, err)
	require.NotEmpty(t, env.EventID)
	require.Equal(t, EventAuctionCreated, env.Type)
	require.Equal(t, EpochMillis(t0), env.ProducerTimestamp)
	require.Equal(t, t0, env.ProducedAt())

	raw, err := EncodeEnvelope(env)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"startingPrice":"99.9"`, "amounts are emitted as decimal strings")

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	p, err := DecodePayload(decoded)
	require.NoError(t, err)

	created := p.(*AuctionCreated)
	spec := created.Spec(decoded.AuctionID)
	require.Equal(t, "auction-9", spec.ID)
	require.True(t, payload.StartingPrice.Equal(spec.StartingPrice))
	require.Equal(t, openAt, spec.OpenAt)
	require.Equal(t, closeAt, spec.CloseAt)
	require.Equal(t, []string{"media/a.jpg"}, spec.MediaKeys)
}

func TestFingerprint(t *testing.T) {
	reordered := `{"payload":{"submittedAt":1772366410000,"amount":150,"bidderId":"alice","bidId":"b-1"},
		"causalVersion":1,"producerTimestamp":1772366410000,"auctionId":"auction-1",
		"type":"bid-submitted","eventId":"0190f8a2-7c4e-7d10-9b1f-2f2d3c4b5a69"}`
	changed := `{"eventId":"0190f8a2-7c4e-7d10-9b1f-2f2d3c4b5a69","type":"bid-submitted","auctionId":"auction-1",
		"producerTimestamp":1772366410000,"causalVersion":1,
		"payload":{"bidId":"b-1","bidderId":"alice","amount":175,"submittedAt":1772366410000}}`

	fingerprint := func(raw string) string {
		env, err := DecodeEnvelope([]byte(raw))
		require.NoError(t, err)
		fp, err := Fingerprint(env)
		require.NoError(t, err)
		return fp
	}

	original := fingerprint(bidEnvelopeJSON)
	require.Len(t, original, 64)
	require.Equal(t, original, fingerprint(reordered))
	require.NotEqual(t, original, fingerprint(changed))
}

func TestDecodePayload_UnknownType(t *testing.T) {
	_, err := DecodePayload(Envelope{Type: "auction-paused", Payload: []byte(`{}`)})
	require.True(t, apperrors.HasCode(err, apperrors.CodeUnknownEventType))
}

func TestBidSubmitted_Bid(t *testing.T) {
	env, err := DecodeEnvelope([]byte(bidEnvelopeJSON))
	require.NoError(t, err)
	p, err := DecodePayload(env)
	require.NoError(t, err)

	bid := p.(*BidSubmitted).Bid(env)
	require.Equal(t, "b-1", bid.ID)
	require.Equal(t, "auction-1", bid.AuctionID)
	require.Equal(t, "alice", bid.BidderID)
	require.Equal(t, int64(1), bid.CausalVersion)
	require.Equal(t, env.EventID, bid.EventID)
	require.Equal(t, OutcomePending, bid.Outcome)
	require.Equal(t, FromMillis(1772366410000), bid.SubmittedAt)
}

func TestEventTypeKnown(t *testing.T) {
	for _, et := range append(append([]EventType{}, InboundEventTypes...), OutboundEventTypes...) {
		require.True(t, et.Known(), et)
	}
	require.False(t, EventType("auction-paused").Known())
}
