package tenant

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/slotpay/internal/provider"
)

// Repository errors.
var (
	ErrAccountNotFound  = errors.New("tenant account not found")
	ErrDuplicateAccount = errors.New("tenant account already exists")
	// ErrVersionConflict means another writer changed the account since it was read.
	ErrVersionConflict = errors.New("tenant account version conflict")
)

// Repository persists tenant accounts.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Account, error)
	GetByTenant(ctx context.Context, tenantID string, p provider.Name) (*Account, error)
	GetByProviderUserID(ctx context.Context, p provider.Name, userID string) (*Account, error)

	// Upsert stores a freshly connected account, replacing the credentials of
	// an existing (tenant, provider) account and re-enabling payments.
	Upsert(ctx context.Context, acct *Account) (*Account, error)

	// ClaimRefresh takes the refresh claim when the stored version still
	// equals version. It reports whether the claim was won.
	ClaimRefresh(ctx context.Context, id string, version int64, leaseUntil time.Time) (bool, error)
	// StoreCredentials persists refreshed tokens and releases the claim.
	// claimedVersion is the version returned to the claim winner (version+1).
	StoreCredentials(ctx context.Context, id string, claimedVersion int64, creds Credentials) error
	// ReleaseRefresh drops a claim after a failed refresh.
	ReleaseRefresh(ctx context.Context, id string, claimedVersion int64) error

	// MarkDisconnected disables payments after the seller revoked access.
	MarkDisconnected(ctx context.Context, id string, at time.Time) error
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewInMemoryRepository creates a new in-memory tenant repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		accounts: make(map[string]*Account),
	}
}

// Create adds an account. Used by tests and seeding.
func (r *InMemoryRepository) Create(ctx context.Context, acct *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conflicts(acct, "") {
		return ErrDuplicateAccount
	}
	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}
	now := time.Now()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	r.accounts[acct.ID] = copyAccount(acct)
	return nil
}

func (r *InMemoryRepository) conflicts(acct *Account, skipID string) bool {
	for id, existing := range r.accounts {
		if id == skipID {
			continue
		}
		if existing.Provider != acct.Provider {
			continue
		}
		if existing.TenantID == acct.TenantID || existing.ProviderUserID == acct.ProviderUserID {
			return true
		}
	}
	return false
}

// GetByID retrieves an account by ID.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acct, ok := r.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(acct), nil
}

// GetByTenant retrieves the account a tenant connected on a provider.
func (r *InMemoryRepository) GetByTenant(ctx context.Context, tenantID string, p provider.Name) (*Account, error) {
	return r.find(func(a *Account) bool { return a.TenantID == tenantID && a.Provider == p })
}

// GetByProviderUserID retrieves an account by its provider-side user id.
func (r *InMemoryRepository) GetByProviderUserID(ctx context.Context, p provider.Name, userID string) (*Account, error) {
	if userID == "" {
		return nil, ErrAccountNotFound
	}
	return r.find(func(a *Account) bool { return a.Provider == p && a.ProviderUserID == userID })
}

func (r *InMemoryRepository) find(match func(*Account) bool) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, acct := range r.accounts {
		if match(acct) {
			return copyAccount(acct), nil
		}
	}
	return nil, ErrAccountNotFound
}

// Upsert stores a freshly connected account.
func (r *InMemoryRepository) Upsert(ctx context.Context, acct *Account) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, existing := range r.accounts {
		if existing.TenantID != acct.TenantID || existing.Provider != acct.Provider {
			continue
		}
		if r.conflicts(acct, id) {
			return nil, ErrDuplicateAccount
		}
		existing.ProviderUserID = acct.ProviderUserID
		existing.AccessToken = acct.AccessToken
		existing.RefreshToken = acct.RefreshToken
		existing.TokenExpiresAt = copyTime(acct.TokenExpiresAt)
		existing.PaymentsEnabled = true
		existing.DisconnectedAt = nil
		existing.RefreshLeaseUntil = nil
		existing.Version++
		existing.UpdatedAt = now
		return copyAccount(existing), nil
	}

	if r.conflicts(acct, "") {
		return nil, ErrDuplicateAccount
	}
	stored := copyAccount(acct)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.PaymentsEnabled = true
	stored.DisconnectedAt = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.accounts[stored.ID] = stored
	return copyAccount(stored), nil
}

// ClaimRefresh takes the refresh claim when version matches.
func (r *InMemoryRepository) ClaimRefresh(ctx context.Context, id string, version int64, leaseUntil time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acct, ok := r.accounts[id]
	if !ok {
		return false, ErrAccountNotFound
	}
	if acct.Version != version {
		return false, nil
	}
	acct.Version++
	acct.RefreshLeaseUntil = &leaseUntil
	acct.UpdatedAt = time.Now()
	return true, nil
}

// StoreCredentials persists refreshed tokens and releases the claim.
func (r *InMemoryRepository) StoreCredentials(ctx context.Context, id string, claimedVersion int64, creds Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acct, ok := r.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.Version != claimedVersion {
		return ErrVersionConflict
	}
	expiresAt := creds.ExpiresAt
	acct.AccessToken = creds.AccessToken
	if creds.RefreshToken != "" {
		acct.RefreshToken = creds.RefreshToken
	}
	acct.TokenExpiresAt = &expiresAt
	acct.RefreshLeaseUntil = nil
	acct.Version++
	acct.UpdatedAt = time.Now()
	return nil
}

// ReleaseRefresh drops a claim after a failed refresh.
func (r *InMemoryRepository) ReleaseRefresh(ctx context.Context, id string, claimedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acct, ok := r.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.Version != claimedVersion {
		return ErrVersionConflict
	}
	acct.RefreshLeaseUntil = nil
	acct.Version++
	acct.UpdatedAt = time.Now()
	return nil
}

// MarkDisconnected disables payments for the account.
func (r *InMemoryRepository) MarkDisconnected(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acct, ok := r.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acct.PaymentsEnabled = false
	acct.DisconnectedAt = &at
	acct.RefreshLeaseUntil = nil
	acct.Version++
	acct.UpdatedAt = time.Now()
	return nil
}
