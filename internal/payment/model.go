// Package payment provides the transaction model the reconciliation engine
// drives and its persistence.
package payment

import (
	"time"

	"github.com/onnwee/slotpay/internal/provider"
	"github.com/shopspring/decimal"
)

// Status is the normalized payment status of a transaction.
type Status string

// Normalized statuses.
const (
	StatusNotRequired       Status = "not_required"
	StatusPending           Status = "pending"
	StatusInProcess         Status = "in_process"
	StatusPaid              Status = "paid"
	StatusPartiallyRefunded Status = "partially_refunded"
	StatusRefunded          Status = "refunded"
	StatusCancelled         Status = "cancelled"
	StatusFailed            Status = "failed"
)

// LegacyStatus is the three-state label kept for display and reporting.
type LegacyStatus string

// Legacy statuses.
const (
	LegacyPending  LegacyStatus = "pending"
	LegacyPaid     LegacyStatus = "paid"
	LegacyRefunded LegacyStatus = "refunded"
)

// Legacy derives the legacy label from a normalized status.
func (s Status) Legacy() LegacyStatus {
	switch s {
	case StatusPaid:
		return LegacyPaid
	case StatusRefunded, StatusPartiallyRefunded:
		return LegacyRefunded
	default:
		return LegacyPending
	}
}

// Refundable reports whether money can still be returned in this status.
func (s Status) Refundable() bool {
	return s == StatusPaid || s == StatusPartiallyRefunded
}

// Valid reports whether s is one of the normalized statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNotRequired, StatusPending, StatusInProcess, StatusPaid,
		StatusPartiallyRefunded, StatusRefunded, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Transaction is a payment-bearing record such as a priced booking.
type Transaction struct {
	ID       string        `json:"id"`
	TenantID string        `json:"tenant_id"`
	Provider provider.Name `json:"provider"`
	// ProviderPaymentID is empty until the first notification; once set it never changes.
	ProviderPaymentID string `json:"provider_payment_id,omitempty"`
	// ExternalReference is embedded in checkout requests and echoed back by the provider.
	ExternalReference string          `json:"external_reference"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            Status          `json:"status"`
	LegacyStatus      LegacyStatus    `json:"legacy_status"`
	// RealizedAmount is the charged amount while paid and the released amount once refunded.
	RealizedAmount decimal.NullDecimal `json:"realized_amount"`
	RefundedAmount decimal.Decimal     `json:"refunded_amount"`
	// StatusEventAt is the provider event time of the last applied transition.
	StatusEventAt *time.Time `json:"status_event_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RemainingRefundable returns the amount that can still be refunded.
func (t *Transaction) RemainingRefundable() decimal.Decimal {
	remaining := t.Amount.Sub(t.RefundedAmount)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// StatusChange is a transition the reconciler asks the store to apply.
type StatusChange struct {
	Status            Status
	ProviderPaymentID string
	// RealizedAmount and RefundedAmount are left untouched when nil.
	RealizedAmount *decimal.Decimal
	RefundedAmount *decimal.Decimal
	// EventAt orders transitions; an older change never overwrites a newer one.
	EventAt time.Time
}
