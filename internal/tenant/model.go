// Package tenant stores the seller accounts connected to each payment
// provider together with their OAuth credentials.
package tenant

import (
	"time"

	"github.com/onnwee/slotpay/internal/provider"
)

// Account links a business to its account on one provider.
type Account struct {
	ID       string        `json:"id"`
	TenantID string        `json:"tenant_id"`
	Provider provider.Name `json:"provider"`
	// ProviderUserID is the Mercado Pago collector id or the Stripe account id.
	ProviderUserID string `json:"provider_user_id"`

	// Tokens are plaintext in memory and sealed at rest.
	AccessToken     string     `json:"-"`
	RefreshToken    string     `json:"-"`
	TokenExpiresAt  *time.Time `json:"token_expires_at,omitempty"`
	PaymentsEnabled bool       `json:"payments_enabled"`
	DisconnectedAt  *time.Time `json:"disconnected_at,omitempty"`

	// Version is bumped on every credential write and guards refresh claims.
	Version           int64      `json:"-"`
	RefreshLeaseUntil *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenValid reports whether the access token is usable for at least skew
// past now.
func (a *Account) TokenValid(now time.Time, skew time.Duration) bool {
	if a.AccessToken == "" || a.TokenExpiresAt == nil {
		return false
	}
	return now.Add(skew).Before(*a.TokenExpiresAt)
}

// RefreshLeased reports whether another worker holds the refresh claim at now.
func (a *Account) RefreshLeased(now time.Time) bool {
	return a.RefreshLeaseUntil != nil && now.Before(*a.RefreshLeaseUntil)
}

// Disconnected reports whether the seller revoked access.
func (a *Account) Disconnected() bool {
	return a.DisconnectedAt != nil
}

// Credentials is the outcome of a successful token grant.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func copyAccount(a *Account) *Account {
	c := *a
	c.TokenExpiresAt = copyTime(a.TokenExpiresAt)
	c.DisconnectedAt = copyTime(a.DisconnectedAt)
	c.RefreshLeaseUntil = copyTime(a.RefreshLeaseUntil)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
