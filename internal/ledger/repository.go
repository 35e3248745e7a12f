package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/slotpay/internal/provider"
)

// ErrEventNotFound is returned when no ledger row matches.
var ErrEventNotFound = errors.New("inbound event not found")

// Repository persists ledger rows.
type Repository interface {
	// Record inserts ev, or re-arms an existing unprocessed row with the
	// same (provider, notification id): payload refreshed, status reset to
	// received and attempts incremented. When the existing row is already
	// processed it is returned unchanged with duplicate set.
	Record(ctx context.Context, ev *Event) (stored *Event, duplicate bool, err error)
	GetByID(ctx context.Context, id string) (*Event, error)
	Find(ctx context.Context, p provider.Name, notificationID string) (*Event, error)
	// Finish stores the terminal state of an attempt.
	Finish(ctx context.Context, id string, status Status, errText, tenantID string, at time.Time) error
	// ListReceived returns received rows last touched before olderThan,
	// oldest first.
	ListReceived(ctx context.Context, olderThan time.Time, limit int) ([]*Event, error)
}

type eventKey struct {
	provider       provider.Name
	notificationID string
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu     sync.Mutex
	events map[string]*Event
	keys   map[eventKey]string
}

// NewInMemoryRepository creates a new in-memory ledger repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		events: make(map[string]*Event),
		keys:   make(map[eventKey]string),
	}
}

// Record implements Repository.
func (r *InMemoryRepository) Record(ctx context.Context, ev *Event) (*Event, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := eventKey{ev.Provider, ev.NotificationID}
	if id, ok := r.keys[key]; ok {
		existing := r.events[id]
		if existing.Status == StatusProcessed {
			return copyEvent(existing), true, nil
		}
		existing.Payload = append(existing.Payload[:0], ev.Payload...)
		existing.Status = StatusReceived
		existing.Error = ""
		existing.Attempts++
		existing.UpdatedAt = ev.UpdatedAt
		return copyEvent(existing), false, nil
	}

	stored := copyEvent(ev)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	r.events[stored.ID] = stored
	r.keys[key] = stored.ID
	return copyEvent(stored), false, nil
}

// GetByID implements Repository.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return copyEvent(ev), nil
}

// Find implements Repository.
func (r *InMemoryRepository) Find(ctx context.Context, p provider.Name, notificationID string) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.keys[eventKey{p, notificationID}]
	if !ok {
		return nil, ErrEventNotFound
	}
	return copyEvent(r.events[id]), nil
}

// Finish implements Repository.
func (r *InMemoryRepository) Finish(ctx context.Context, id string, status Status, errText, tenantID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.events[id]
	if !ok {
		return ErrEventNotFound
	}
	ev.Status = status
	ev.Error = errText
	if tenantID != "" {
		ev.TenantID = tenantID
	}
	ev.UpdatedAt = at
	processedAt := at
	ev.ProcessedAt = &processedAt
	return nil
}

// ListReceived implements Repository.
func (r *InMemoryRepository) ListReceived(ctx context.Context, olderThan time.Time, limit int) ([]*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Event
	for _, ev := range r.events {
		if ev.Status == StatusReceived && ev.UpdatedAt.Before(olderThan) {
			out = append(out, copyEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
