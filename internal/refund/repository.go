package refund

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRecordNotFound is returned when no refund record matches.
var ErrRecordNotFound = errors.New("refund record not found")

// Repository stores refund records. Records are never updated.
type Repository interface {
	Append(ctx context.Context, rec *Record) error
	ListByTransaction(ctx context.Context, transactionID string) ([]*Record, error)
	// FindSucceeded returns the succeeded record created under key.
	FindSucceeded(ctx context.Context, key string) (*Record, error)
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records []*Record
}

// NewInMemoryRepository creates a new in-memory refund repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{}
}

// Append implements Repository.
func (r *InMemoryRepository) Append(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	r.records = append(r.records, copyRecord(rec))
	return nil
}

// ListByTransaction implements Repository, oldest first.
func (r *InMemoryRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Record
	for _, rec := range r.records {
		if rec.TransactionID == transactionID {
			out = append(out, copyRecord(rec))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FindSucceeded implements Repository.
func (r *InMemoryRepository) FindSucceeded(ctx context.Context, key string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		if rec.IdempotencyKey == key && rec.Status == RecordSucceeded {
			return copyRecord(rec), nil
		}
	}
	return nil, ErrRecordNotFound
}
