// Package api provides the HTTP handlers of the service: provider webhooks,
// the internal refund and payment-status API, tenant connection and health
// probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/slotpay/internal/credential"
	"github.com/onnwee/slotpay/internal/middleware"
	"github.com/onnwee/slotpay/internal/payment"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/refund"
	"github.com/onnwee/slotpay/internal/resolver"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeAuthFailed indicates authentication failure.
	ErrCodeAuthFailed = "auth_failed"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeConflict indicates a conflict with the current state.
	ErrCodeConflict = "conflict"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeInvalidSignature means a webhook failed signature verification.
	ErrCodeInvalidSignature = "invalid_signature"

	// ErrCodeReconnectRequired means the tenant's provider credential is
	// gone and the seller has to connect the account again.
	ErrCodeReconnectRequired = "reconnect_required"

	// ErrCodeProviderUnavailable indicates a transient provider failure.
	ErrCodeProviderUnavailable = "provider_unavailable"

	// ErrCodeRefundRejected indicates the refund was refused.
	ErrCodeRefundRejected = "refund_rejected"

	// ErrCodeIdempotencyMismatch means an Idempotency-Key was reused for a
	// different request.
	ErrCodeIdempotencyMismatch = "idempotency_key_mismatch"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message. Refund
// rejections also carry the reason and the provider's own answer.
type ErrorDetail struct {
	Code         string          `json:"code"`
	Message      string          `json:"message"`
	Reason       string          `json:"reason,omitempty"`
	ProviderBody json.RawMessage `json:"provider_body,omitempty"`
}

// WriteError writes a standardized JSON error response.
//
// The error code is logged by the logging middleware for 4xx and 5xx
// responses when the context passed in carries it:
//
//	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
//	api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "transaction not found")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	writeErrorDetail(w, ctx, status, ErrorDetail{Code: code, Message: message})
}

func writeErrorDetail(w http.ResponseWriter, ctx context.Context, status int, detail ErrorDetail) {
	middleware.UpdateResponseContext(w, ctx)

	data, err := json.Marshal(ErrorResponse{Error: detail})
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the recommended HTTP status code for common error codes.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeAuthFailed, ErrCodeInvalidSignature, ErrCodeReconnectRequired:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeConflict, ErrCodeRefundRejected:
		return http.StatusConflict
	case ErrCodeIdempotencyMismatch:
		return http.StatusUnprocessableEntity
	case ErrCodeProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps errors returned by the refund, resolver and
// credential layers onto the error envelope.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	detail := classifyError(err)
	status := StatusCodeMapping(detail.Code)
	ctx := middleware.SetErrorCode(r.Context(), detail.Code)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		slog.ErrorContext(ctx, "request failed", "path", r.URL.Path, "error", err)
	} else {
		slog.WarnContext(ctx, "request rejected", "path", r.URL.Path, "code", detail.Code, "error", err)
	}
	writeErrorDetail(w, ctx, status, detail)
}

func classifyError(err error) ErrorDetail {
	var refundErr *refund.Error
	switch {
	case errors.Is(err, refund.ErrTransactionNotFound), errors.Is(err, payment.ErrTransactionNotFound):
		return ErrorDetail{Code: ErrCodeNotFound, Message: "transaction not found"}
	case errors.Is(err, refund.ErrInvalidAmount):
		return ErrorDetail{Code: ErrCodeValidation, Message: err.Error()}
	case errors.Is(err, refund.ErrIdempotencyKeyReused):
		return ErrorDetail{Code: ErrCodeIdempotencyMismatch, Message: err.Error()}
	case errors.Is(err, refund.ErrNotRefundable):
		return ErrorDetail{Code: ErrCodeRefundRejected, Message: err.Error(), Reason: "not_refundable"}
	case errors.Is(err, refund.ErrAmountExceedsRemaining):
		return ErrorDetail{Code: ErrCodeRefundRejected, Message: err.Error(), Reason: "amount_exceeds_remaining"}
	case errors.As(err, &refundErr):
		return refundErrorDetail(refundErr)
	case errors.Is(err, credential.ErrCredentialRevoked), errors.Is(err, resolver.ErrTenantUnresolved):
		return ErrorDetail{Code: ErrCodeReconnectRequired, Message: "provider account must be reconnected"}
	case errors.Is(err, resolver.ErrNoProviderPayment):
		return ErrorDetail{Code: ErrCodeConflict, Message: "transaction has no provider payment yet"}
	case provider.IsTransient(err):
		return ErrorDetail{Code: ErrCodeProviderUnavailable, Message: "payment provider unavailable, retry later"}
	case errors.Is(err, provider.ErrNotFound):
		return ErrorDetail{Code: ErrCodeNotFound, Message: "payment not found at provider"}
	case errors.Is(err, provider.ErrUnauthorized):
		return ErrorDetail{Code: ErrCodeReconnectRequired, Message: "provider rejected the seller credential"}
	}
	return ErrorDetail{Code: ErrCodeInternal, Message: "internal error"}
}

func refundErrorDetail(e *refund.Error) ErrorDetail {
	detail := ErrorDetail{
		Code:         ErrCodeRefundRejected,
		Message:      e.Error(),
		Reason:       string(e.Reason),
		ProviderBody: e.ProviderBody,
	}
	switch e.Reason {
	case refund.ReasonTransient:
		detail.Code = ErrCodeProviderUnavailable
	case refund.ReasonUnauthorized:
		detail.Code = ErrCodeReconnectRequired
	}
	return detail
}
