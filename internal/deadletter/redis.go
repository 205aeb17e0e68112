package deadletter

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	apperrors "gavel.io/gavel/internal/pkg/errors"
)

const fieldLetter = "letter"

// RedisSink appends letters to one Redis stream.
type RedisSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

var _ Sink = (*RedisSink)(nil)

// NewRedisSink writes to stream, trimming it to about maxLen entries (0 keeps all).
func NewRedisSink(client redis.UniversalClient, stream string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisSink) Send(ctx context.Context, l Letter) error {
	raw, err := sonic.ConfigStd.MarshalToString(l)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: s.maxLen > 0,
		Values: map[string]interface{}{fieldLetter: raw},
	}).Err()
	if err != nil {
		return apperrors.Transient(err, apperrors.CodePublishFailed, "dead letter write failed")
	}
	return nil
}

func (s *RedisSink) List(ctx context.Context, limit int) ([]Letter, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = s.client.XRevRangeN(ctx, s.stream, "+", "-", int64(limit)).Result()
	} else {
		msgs, err = s.client.XRevRange(ctx, s.stream, "+", "-").Result()
	}
	if err != nil {
		return nil, apperrors.Transient(err, apperrors.CodeStorageFailed, "dead letter read failed")
	}

	out := make([]Letter, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values[fieldLetter].(string)
		var l Letter
		if err := sonic.ConfigStd.UnmarshalFromString(raw, &l); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", m.ID, err)
		}
		out = append(out, l)
	}
	return out, nil
}
