package dedup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	apperrors "gavel.io/gavel/internal/pkg/errors"
)

// recordIfNewScript stores a record once and tracks it as unpublished.
// KEYS[1] = record key
// KEYS[2] = unpublished index (sorted set scored by recorded-at millis)
// ARGV[1] = encoded record
// ARGV[2] = retention in milliseconds
// ARGV[3] = recorded-at millis
// ARGV[4] = "1" when the record is already published
// Returns 1 for a new record, or the stored record for a duplicate.
var recordIfNewScript = redis.NewScript(`
local stored = redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2])
if stored then
    if ARGV[4] == "0" then
        redis.call("ZADD", KEYS[2], ARGV[3], KEYS[1])
    end
    return 1
end
return redis.call("GET", KEYS[1])
`)

var jsonAPI = sonic.ConfigStd

// RedisStore keeps records as Redis strings that expire with the retention
// window. Unpublished records are indexed in a sorted set.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store whose keys start with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisStore) key(auctionID, eventID string) string {
	return fmt.Sprintf("%s:event:%s", s.prefix, recordKey(auctionID, eventID))
}

func (s *RedisStore) unpublishedKey() string {
	return s.prefix + ":unpublished"
}

func (s *RedisStore) RecordIfNew(ctx context.Context, rec Record) (Result, error) {
	raw, err := jsonAPI.Marshal(rec)
	if err != nil {
		return Result{}, fmt.Errorf("encode dedup record: %w", err)
	}
	published := "0"
	if rec.Published {
		published = "1"
	}

	res, err := recordIfNewScript.Run(ctx, s.client,
		[]string{s.key(rec.AuctionID, rec.EventID), s.unpublishedKey()},
		string(raw), s.retention.Milliseconds(), rec.RecordedAt.UnixMilli(), published,
	).Result()
	if err != nil {
		return Result{}, dedupFailed(err, "record event")
	}

	switch v := res.(type) {
	case int64:
		return Result{Status: StatusNew}, nil
	case string:
		prev, err := s.decode(ctx, []byte(v))
		if err != nil {
			return Result{}, err
		}
		return Result{Status: StatusDuplicate, Previous: prev}, nil
	default:
		return Result{}, fmt.Errorf("unexpected dedup script reply %T", res)
	}
}

func (s *RedisStore) Lookup(ctx context.Context, auctionID, eventID string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.key(auctionID, eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, dedupFailed(err, "lookup event")
	}
	return s.decode(ctx, raw)
}

// decode parses a stored record. Published is derived from the unpublished index.
func (s *RedisStore) decode(ctx context.Context, raw []byte) (*Record, error) {
	var rec Record
	if err := jsonAPI.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode dedup record: %w", err)
	}
	err := s.client.ZScore(ctx, s.unpublishedKey(), s.key(rec.AuctionID, rec.EventID)).Err()
	switch {
	case errors.Is(err, redis.Nil):
		rec.Published = true
	case err != nil:
		return nil, dedupFailed(err, "check publish state")
	default:
		rec.Published = false
	}
	return &rec, nil
}

func (s *RedisStore) MarkPublished(ctx context.Context, auctionID, eventID string) error {
	if err := s.client.ZRem(ctx, s.unpublishedKey(), s.key(auctionID, eventID)).Err(); err != nil {
		return dedupFailed(err, "mark published")
	}
	return nil
}

func (s *RedisStore) ListUnpublished(ctx context.Context, limit int) ([]Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	keys, err := s.client.ZRange(ctx, s.unpublishedKey(), 0, stop).Result()
	if err != nil {
		return nil, dedupFailed(err, "list unpublished")
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, dedupFailed(err, "load unpublished")
	}

	var (
		out   []Record
		stale []interface{}
	)
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, keys[i])
			continue
		}
		var rec Record
		if err := jsonAPI.UnmarshalFromString(str, &rec); err != nil {
			return nil, fmt.Errorf("decode dedup record %s: %w", keys[i], err)
		}
		rec.Published = false
		out = append(out, rec)
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, s.unpublishedKey(), stale...).Err(); err != nil {
			return nil, dedupFailed(err, "drop expired index entries")
		}
	}
	return out, nil
}

// Purge drops index entries older than olderThan. The records themselves
// expire through their TTL, so only index entries are counted.
func (s *RedisStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	max := "(" + strconv.FormatInt(olderThan.UnixMilli(), 10)
	n, err := s.client.ZRemRangeByScore(ctx, s.unpublishedKey(), "-inf", max).Result()
	if err != nil {
		return 0, dedupFailed(err, "purge")
	}
	return int(n), nil
}

func dedupFailed(err error, op string) *apperrors.AppError {
	return apperrors.Transient(err, apperrors.CodeDedupFailed, "dedup "+op+" failed")
}
