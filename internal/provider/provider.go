// Package provider defines the processor-neutral view of the two payment
// providers: the payment snapshot the engine reconciles against, the
// credential scope a call is made with, and the Gateway contract each
// adapter implements.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Name identifies a payment provider.
type Name string

// Supported providers.
const (
	MercadoPago Name = "mercadopago"
	Stripe      Name = "stripe"
)

// Valid reports whether n is a supported provider.
func (n Name) Valid() bool {
	return n == MercadoPago || n == Stripe
}

// Kind classifies what an inbound notification refers to.
type Kind string

// Notification kinds.
const (
	KindPayment         Kind = "payment"
	KindOrder           Kind = "order"
	KindDeauthorization Kind = "deauthorization"
	KindIgnored         Kind = "ignored"
)

// Notification is the verified, parsed form of an inbound webhook delivery.
type Notification struct {
	Provider Name
	// ID is the provider-assigned notification id used for deduplication.
	ID     string
	Topic  string
	Action string
	Kind   Kind
	// DataID is the canonical payment or order identifier.
	DataID string
	// AccountID is the seller account the notification was emitted for, when
	// the provider includes it.
	AccountID string
	EventTime time.Time
}

// Scope carries the credential a provider call is made with.
type Scope struct {
	AccessToken string
	// AccountID targets a connected account while using a platform credential.
	AccountID string
}

// Payment is an authoritative snapshot of a provider payment or order.
// Status holds the provider-native status string.
type Payment struct {
	Provider          Name            `json:"provider"`
	ID                string          `json:"id"`
	OrderID           string          `json:"order_id,omitempty"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail,omitempty"`
	ExternalReference string          `json:"external_reference,omitempty"`
	CollectorID       string          `json:"collector_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	RefundedAmount    decimal.Decimal `json:"refunded_amount"`
	Currency          string          `json:"currency"`
	// UpdatedAt is the provider's last-updated time; zero when the provider
	// does not report one.
	UpdatedAt time.Time       `json:"updated_at"`
	Raw       json.RawMessage `json:"-"`
}

// RefundRequest describes a refund to create. A nil Amount refunds the full
// remaining balance.
type RefundRequest struct {
	PaymentID      string
	Amount         *decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// Refund is the provider's answer to a refund request.
type Refund struct {
	ID        string
	PaymentID string
	Status    string
	Amount    decimal.Decimal
	Raw       json.RawMessage
}

// TokenSet is the result of an OAuth token grant.
// ExpiresIn is zero when the provider does not report a lifetime.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	ExpiresIn    time.Duration
}

// Gateway is implemented by each provider adapter.
type Gateway interface {
	Name() Name
	FetchPayment(ctx context.Context, scope Scope, id string) (*Payment, error)
	FetchOrder(ctx context.Context, scope Scope, id string) (*Payment, error)
	Refund(ctx context.Context, scope Scope, req RefundRequest) (*Refund, error)
	RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error)
	ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error)
}

// Fetch retrieves the object a notification of the given kind refers to.
func Fetch(ctx context.Context, g Gateway, scope Scope, kind Kind, id string) (*Payment, error) {
	switch kind {
	case KindPayment:
		return g.FetchPayment(ctx, scope, id)
	case KindOrder:
		return g.FetchOrder(ctx, scope, id)
	default:
		return nil, fmt.Errorf("fetch %s %q: %w", kind, id, ErrUnsupported)
	}
}

// Registry maps provider names to their gateways.
type Registry map[Name]Gateway

// Get returns the gateway registered for name.
func (r Registry) Get(name Name) (Gateway, error) {
	g, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return g, nil
}
