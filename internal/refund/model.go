// Package refund issues full and partial refunds through the tenant's own
// provider credential and keeps an append-only audit trail of attempts.
package refund

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/slotpay/internal/provider"
	"github.com/shopspring/decimal"
)

// RecordStatus is the outcome of one refund attempt.
type RecordStatus string

// Record statuses.
const (
	RecordSucceeded RecordStatus = "succeeded"
	RecordRejected  RecordStatus = "rejected"
	RecordFailed    RecordStatus = "failed"
)

// Record is one refund attempt.
type Record struct {
	ID            string        `json:"id"`
	TransactionID string        `json:"transaction_id"`
	TenantID      string        `json:"tenant_id"`
	Provider      provider.Name `json:"provider"`
	PaymentID     string        `json:"payment_id"`
	// RequestedAmount is nil for a full refund.
	RequestedAmount  *decimal.Decimal `json:"requested_amount,omitempty"`
	RefundedAmount   decimal.Decimal  `json:"refunded_amount"`
	ProviderRefundID string           `json:"provider_refund_id,omitempty"`
	Status           RecordStatus     `json:"status"`
	FailureReason    Reason           `json:"failure_reason,omitempty"`
	IdempotencyKey   string           `json:"idempotency_key"`
	Initiator        string           `json:"initiator"`
	RawResponse      json.RawMessage  `json:"raw_response,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Reason classifies a failed refund.
type Reason string

// Failure reasons. Only transient failures are worth retrying.
const (
	ReasonAlreadyRefunded   Reason = "already_refunded"
	ReasonInsufficientFunds Reason = "insufficient_funds"
	ReasonRejected          Reason = "rejected"
	ReasonTransient         Reason = "transient"
	ReasonUnauthorized      Reason = "unauthorized"
	ReasonNotFound          Reason = "not_found"
)

// Error is a failed refund, carrying the provider's answer.
type Error struct {
	Reason       Reason
	Detail       string
	ProviderBody json.RawMessage
	Err          error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("refund %s: %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("refund %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the same refund.
func (e *Error) Retryable() bool {
	return e.Reason == ReasonTransient
}

// classify turns a provider failure into an *Error.
func classify(err error) *Error {
	out := &Error{Reason: ReasonRejected, Detail: err.Error(), Err: err}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		out.Detail = apiErr.Message
		if len(apiErr.Body) > 0 && json.Valid(apiErr.Body) {
			out.ProviderBody = json.RawMessage(apiErr.Body)
		}
	}

	if reason, ok := provider.ReasonOf(err); ok {
		switch reason {
		case provider.ReasonAlreadyRefunded:
			out.Reason = ReasonAlreadyRefunded
		case provider.ReasonInsufficientFunds:
			out.Reason = ReasonInsufficientFunds
		}
		return out
	}

	switch {
	case provider.IsTransient(err):
		out.Reason = ReasonTransient
	case errors.Is(err, provider.ErrUnauthorized):
		out.Reason = ReasonUnauthorized
	case errors.Is(err, provider.ErrNotFound):
		out.Reason = ReasonNotFound
	}
	return out
}

func copyRecord(r *Record) *Record {
	copied := *r
	if r.RequestedAmount != nil {
		amount := *r.RequestedAmount
		copied.RequestedAmount = &amount
	}
	copied.RawResponse = append(json.RawMessage(nil), r.RawResponse...)
	return &copied
}
