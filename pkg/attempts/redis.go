package attempts

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	subscriptionKeyPrefix = "bookflow:attempts:sub:"
	failuresKey           = "bookflow:attempts:failures"
)

var _ Log = (*RedisLog)(nil)

// RedisLog stores attempts in Redis: a capped list per subscription
// (newest first) and a sorted set of failures scored by unix time. Both
// expire after ttl.
type RedisLog struct {
	client *redis.Client
	ttl    time.Duration
	limit  int
}

// NewRedisLog creates a ledger over an existing client
func NewRedisLog(client *redis.Client, ttl time.Duration, limit int) *RedisLog {
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	if limit <= 0 {
		limit = 50
	}
	return &RedisLog{client: client, ttl: ttl, limit: limit}
}

func subscriptionKey(id string) string {
	return subscriptionKeyPrefix + id
}

// Record appends the attempt and trims history beyond the limit and ttl
func (r *RedisLog) Record(ctx context.Context, attempt Attempt) error {
	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt: %w", err)
	}

	key := subscriptionKey(attempt.SubscriptionID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(r.limit-1))
		pipe.Expire(ctx, key, r.ttl)
		if !attempt.Success {
			cutoff := attempt.Timestamp.Add(-r.ttl).Unix()
			pipe.ZAdd(ctx, failuresKey, &redis.Z{Score: float64(attempt.Timestamp.Unix()), Member: data})
			pipe.ZRemRangeByScore(ctx, failuresKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
			pipe.Expire(ctx, failuresKey, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis record attempt failed: %w", err)
	}
	return nil
}

// Recent returns up to limit attempts, newest first
func (r *RedisLog) Recent(ctx context.Context, subscriptionID string, limit int) ([]Attempt, error) {
	if limit <= 0 || limit > r.limit {
		limit = r.limit
	}
	raw, err := r.client.LRange(ctx, subscriptionKey(subscriptionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read attempts failed: %w", err)
	}
	return decodeAttempts(raw)
}

// FailuresSince returns failed attempts at or after since, oldest first
func (r *RedisLog) FailuresSince(ctx context.Context, since time.Time) ([]Attempt, error) {
	raw, err := r.client.ZRangeByScore(ctx, failuresKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read failures failed: %w", err)
	}
	return decodeAttempts(raw)
}

// Ping checks the Redis connection
func (r *RedisLog) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func decodeAttempts(raw []string) ([]Attempt, error) {
	out := make([]Attempt, 0, len(raw))
	for _, item := range raw {
		var a Attempt
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}
