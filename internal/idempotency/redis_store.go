package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "mulehunter:idem:"

// RedisStore keeps idempotency keys in Redis so that retries are recognized
// across service instances. Entries expire through Redis TTLs.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed store. client may be a *redis.Client
// or a cluster client.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (r *RedisStore) Begin(ctx context.Context, key, transferID, requestHash string) (*Entry, bool, error) {
	now := r.now()
	entry := Entry{
		Key:         key,
		TransferID:  transferID,
		RequestHash: requestHash,
		Stage:       StageStarted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal idempotency entry: %w", err)
	}

	// A key can expire between SETNX and GET; one more round settles it.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.client.SetNX(ctx, redisKeyPrefix+key, data, r.ttl).Result()
		if err != nil {
			return nil, false, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return &entry, true, nil
		}
		existing, err := r.get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("redis begin %q: key churned during reservation", key)
}

func (r *RedisStore) get(ctx context.Context, key string) (*Entry, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal idempotency entry: %w", err)
	}
	return &e, nil
}

func (r *RedisStore) Advance(ctx context.Context, key string, stage Stage, legs Legs) error {
	e, err := r.get(ctx, key)
	if err != nil {
		return err
	}
	e.Stage = stage
	e.Legs = legs
	e.UpdatedAt = r.now()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency entry: %w", err)
	}
	res, err := r.client.SetArgs(ctx, redisKeyPrefix+key, data, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrNotFound
		}
		return fmt.Errorf("redis set: %w", err)
	}
	if res != "OK" {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping checks connectivity for health reporting.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
