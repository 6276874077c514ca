package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares rate state between all devices of one identity. Sends live in a
// sorted set scored by unix millis; the lock is a plain key expiring with the cooldown.
type RedisStore struct {
	client  *redis.Client
	sendKey string
	lockKey string
}

// NewRedisStore scopes state to identityID.
func NewRedisStore(client *redis.Client, identityID string) *RedisStore {
	prefix := "campuslink:ratelimit:" + identityID
	return &RedisStore{
		client:  client,
		sendKey: prefix + ":sends",
		lockKey: prefix + ":lock",
	}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *RedisStore) Allow(ctx context.Context, now time.Time, window time.Duration, limit int) (int, bool, error) {
	windowStart := now.Add(-window)

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, s.sendKey, "-inf", strconv.FormatInt(windowStart.UnixMilli(), 10))
	countCmd := pipe.ZCard(ctx, s.sendKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, fmt.Errorf("read send window: %w", err)
	}

	count := int(countCmd.Val())
	if count >= limit {
		return count, false, nil
	}

	pipe = s.client.Pipeline()
	pipe.ZAdd(ctx, s.sendKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.Expire(ctx, s.sendKey, window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return count, false, fmt.Errorf("record send: %w", err)
	}
	return count + 1, true, nil
}

func (s *RedisStore) Window(ctx context.Context, now time.Time, window time.Duration) (int, time.Time, error) {
	lower := strconv.FormatInt(now.Add(-window).UnixMilli()+1, 10)
	entries, err := s.client.ZRangeByScoreWithScores(ctx, s.sendKey, &redis.ZRangeBy{
		Min: lower,
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("read send window: %w", err)
	}
	if len(entries) == 0 {
		return 0, time.Time{}, nil
	}
	return len(entries), time.UnixMilli(int64(entries[0].Score)), nil
}

func (s *RedisStore) Lock(ctx context.Context, until time.Time) error {
	current, err := s.LockedUntil(ctx)
	if err != nil {
		return err
	}
	if !until.After(current) {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.lockKey, until.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("set rate lock: %w", err)
	}
	return nil
}

func (s *RedisStore) LockedUntil(ctx context.Context) (time.Time, error) {
	value, err := s.client.Get(ctx, s.lockKey).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get rate lock: %w", err)
	}
	return time.UnixMilli(value), nil
}

// Reset clears the identity's rate state.
func (s *RedisStore) Reset(ctx context.Context) error {
	return s.client.Del(ctx, s.sendKey, s.lockKey).Err()
}
