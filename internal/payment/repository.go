package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/shopspring/decimal"
)

// Repository errors.
var (
	ErrTransactionNotFound        = errors.New("transaction not found")
	ErrDuplicateExternalReference = errors.New("external reference already in use")
	ErrPaymentIDConflict          = errors.New("transaction is bound to a different provider payment")
)

// Repository persists transactions.
type Repository interface {
	// Create inserts a transaction. Returns ErrDuplicateExternalReference when
	// the external reference is taken.
	Create(ctx context.Context, tx *Transaction) error
	GetByID(ctx context.Context, id string) (*Transaction, error)
	GetByExternalReference(ctx context.Context, ref string) (*Transaction, error)
	GetByProviderPaymentID(ctx context.Context, p provider.Name, paymentID string) (*Transaction, error)

	// ApplyStatus atomically applies change when it is not older than the last
	// applied transition and actually changes something. It reports whether
	// the row was written. Returns ErrPaymentIDConflict when the transaction is
	// already bound to a different provider payment.
	ApplyStatus(ctx context.Context, id string, change StatusChange) (bool, error)

	// AddRefund atomically adds amount to the refunded total and moves the
	// transaction to refunded or partially_refunded from the stored sum. It
	// returns the status held before the write and the updated transaction.
	AddRefund(ctx context.Context, id string, amount decimal.Decimal, at time.Time) (Status, *Transaction, error)
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu  sync.RWMutex
	txs map[string]*Transaction
}

// NewInMemoryRepository creates a new in-memory transaction repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		txs: make(map[string]*Transaction),
	}
}

// Create adds a new transaction.
func (r *InMemoryRepository) Create(ctx context.Context, tx *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.txs {
		if existing.ExternalReference == tx.ExternalReference {
			return ErrDuplicateExternalReference
		}
	}

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Status == "" {
		tx.Status = StatusPending
	}
	tx.LegacyStatus = tx.Status.Legacy()
	now := time.Now()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	r.txs[tx.ID] = copyTransaction(tx)
	return nil
}

// GetByID retrieves a transaction by ID.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tx, ok := r.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTransaction(tx), nil
}

// GetByExternalReference retrieves a transaction by its external reference.
func (r *InMemoryRepository) GetByExternalReference(ctx context.Context, ref string) (*Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, tx := range r.txs {
		if tx.ExternalReference == ref {
			return copyTransaction(tx), nil
		}
	}
	return nil, ErrTransactionNotFound
}

// GetByProviderPaymentID retrieves a transaction by the provider payment bound to it.
func (r *InMemoryRepository) GetByProviderPaymentID(ctx context.Context, p provider.Name, paymentID string) (*Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, tx := range r.txs {
		if tx.Provider == p && tx.ProviderPaymentID != "" && tx.ProviderPaymentID == paymentID {
			return copyTransaction(tx), nil
		}
	}
	return nil, ErrTransactionNotFound
}

// ApplyStatus applies a transition under the write lock, so the check and
// the write are a single step.
func (r *InMemoryRepository) ApplyStatus(ctx context.Context, id string, change StatusChange) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.txs[id]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if tx.ProviderPaymentID != "" && change.ProviderPaymentID != "" && tx.ProviderPaymentID != change.ProviderPaymentID {
		return false, ErrPaymentIDConflict
	}
	if tx.StatusEventAt != nil && change.EventAt.Before(*tx.StatusEventAt) {
		return false, nil
	}
	if !changes(tx, change) {
		return false, nil
	}

	tx.Status = change.Status
	tx.LegacyStatus = change.Status.Legacy()
	if tx.ProviderPaymentID == "" {
		tx.ProviderPaymentID = change.ProviderPaymentID
	}
	if change.RealizedAmount != nil {
		tx.RealizedAmount = decimal.NewNullDecimal(*change.RealizedAmount)
	}
	if change.RefundedAmount != nil {
		tx.RefundedAmount = *change.RefundedAmount
	}
	eventAt := change.EventAt
	tx.StatusEventAt = &eventAt
	tx.UpdatedAt = time.Now()
	return true, nil
}

// AddRefund increments the refunded total under the write lock.
func (r *InMemoryRepository) AddRefund(ctx context.Context, id string, amount decimal.Decimal, at time.Time) (Status, *Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.txs[id]
	if !ok {
		return "", nil, ErrTransactionNotFound
	}
	previous := tx.Status

	tx.RefundedAmount = tx.RefundedAmount.Add(amount)
	tx.RealizedAmount = decimal.NewNullDecimal(tx.RefundedAmount)
	tx.Status = StatusPartiallyRefunded
	if tx.RefundedAmount.GreaterThanOrEqual(tx.Amount) {
		tx.Status = StatusRefunded
	}
	tx.LegacyStatus = tx.Status.Legacy()
	if tx.StatusEventAt == nil || at.After(*tx.StatusEventAt) {
		eventAt := at
		tx.StatusEventAt = &eventAt
	}
	tx.UpdatedAt = time.Now()
	return previous, copyTransaction(tx), nil
}

// changes reports whether applying change would alter tx.
func changes(tx *Transaction, change StatusChange) bool {
	if tx.Status != change.Status {
		return true
	}
	if tx.ProviderPaymentID == "" && change.ProviderPaymentID != "" {
		return true
	}
	if change.RealizedAmount != nil && (!tx.RealizedAmount.Valid || !tx.RealizedAmount.Decimal.Equal(*change.RealizedAmount)) {
		return true
	}
	if change.RefundedAmount != nil && !tx.RefundedAmount.Equal(*change.RefundedAmount) {
		return true
	}
	return false
}

func copyTransaction(tx *Transaction) *Transaction {
	copied := *tx
	if tx.StatusEventAt != nil {
		at := *tx.StatusEventAt
		copied.StatusEventAt = &at
	}
	return &copied
}
