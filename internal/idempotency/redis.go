package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRepository stores cached responses in Redis with a TTL, so records
// are shared across instances and expire without a cleanup job.
type RedisRepository struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisRepository creates a Redis repository. ttl <= 0 uses DefaultExpiry.
func NewRedisRepository(client redis.Cmdable, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &RedisRepository{client: client, prefix: "idempotency:", ttl: ttl}
}

func (r *RedisRepository) key(tenantID, key string) string {
	return r.prefix + scopedKey(tenantID, key)
}

// Get implements Repository.
func (r *RedisRepository) Get(ctx context.Context, tenantID, key string) (*IdempotencyKey, error) {
	raw, err := r.client.Get(ctx, r.key(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}

	var record IdempotencyKey
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode idempotency key: %w", err)
	}
	return &record, nil
}

// Store implements Repository.
func (r *RedisRepository) Store(ctx context.Context, record *IdempotencyKey) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode idempotency key: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key(record.TenantID, record.Key), raw, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("store idempotency key: %w", err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

// DeleteOlderThan implements Repository. Redis expires records itself.
func (r *RedisRepository) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return 0, nil
}
