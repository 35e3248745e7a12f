package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu   sync.RWMutex
	keys map[string]*IdempotencyKey
	now  func() time.Time
}

// NewInMemoryRepository creates a new in-memory idempotency key repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		keys: make(map[string]*IdempotencyKey),
		now:  time.Now,
	}
}

func scopedKey(tenantID, key string) string {
	return tenantID + "/" + key
}

// Get implements Repository.
func (r *InMemoryRepository) Get(ctx context.Context, tenantID, key string) (*IdempotencyKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.keys[scopedKey(tenantID, key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	copied := *record
	return &copied, nil
}

// Store implements Repository.
func (r *InMemoryRepository) Store(ctx context.Context, record *IdempotencyKey) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := scopedKey(record.TenantID, record.Key)
	if _, exists := r.keys[k]; exists {
		return ErrKeyExists
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.now()
	}
	copied := *record
	r.keys[k] = &copied
	return nil
}

// DeleteOlderThan implements Repository.
func (r *InMemoryRepository) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-age)
	var deleted int64
	for k, record := range r.keys {
		if record.CreatedAt.Before(cutoff) {
			delete(r.keys, k)
			deleted++
		}
	}
	return deleted, nil
}
