package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Provider errors.
var (
	ErrNotFound        = errors.New("provider resource not found")
	ErrUnauthorized    = errors.New("provider rejected credential")
	ErrInvalidGrant    = errors.New("provider rejected refresh token")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUnsupported     = errors.New("operation not supported by provider")
)

// RefundReason classifies a rejected refund.
type RefundReason string

// Refund rejection reasons.
const (
	ReasonAlreadyRefunded   RefundReason = "already_refunded"
	ReasonInsufficientFunds RefundReason = "insufficient_funds"
	ReasonRejected          RefundReason = "rejected"
)

// CodeInvalidGrant is the OAuth error code for a revoked or unknown refresh token.
const CodeInvalidGrant = "invalid_grant"

// APIError is a non-2xx answer from a provider API.
type APIError struct {
	Provider   Name
	StatusCode int
	Code       string
	Message    string
	// Reason is set by adapters when the failed call was a refund.
	Reason RefundReason
	// Body is the raw provider error body.
	Body []byte
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s api error (status %d, code %s): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Is maps status codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrInvalidGrant:
		return e.Code == CodeInvalidGrant
	}
	return false
}

// Temporary reports whether the provider signalled a retryable condition.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// IsTransient reports whether err is a network failure, timeout or retryable
// provider answer. Business rejections are never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ReasonOf returns the refund rejection reason carried by err, if any.
func ReasonOf(err error) (RefundReason, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Reason != "" {
		return apiErr.Reason, true
	}
	return "", false
}
