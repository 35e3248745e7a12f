package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/slotpay/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotentReplayHeader marks responses served from the cache.
const IdempotentReplayHeader = "Idempotent-Replayed"

// maxIdempotentBody bounds the request body read for fingerprinting.
const maxIdempotentBody = 1 << 20

type idempotencyKeyContextKey struct{}

// idempotencyResponseWriter captures the response for caching.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

// WriteHeader captures the status code.
func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if !w.written {
		w.statusCode = statusCode
		w.written = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the response body.
func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

// Unwrap returns the wrapped writer.
func (w *idempotencyResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// SetIdempotencyKey stores the idempotency key in the context.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// GetIdempotencyKey retrieves the idempotency key from context. Returns empty string if not present.
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// RoutePredicate selects the requests an idempotency cache applies to.
type RoutePredicate func(r *http.Request) bool

// Idempotency replays cached 2xx responses for POST requests matched by
// applies that carry an Idempotency-Key header. Keys are scoped to the
// authenticated tenant, so the middleware must run after
// RequireServiceToken. A key reused with a different body gets 422.
// Requests without the header pass through untouched.
func Idempotency(repo idempotency.Repository, applies RoutePredicate, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || !applies(r) {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if err := idempotency.ValidateKey(key); err != nil {
				code, message := "invalid_idempotency_key", "Invalid Idempotency-Key format"
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					code, message = "idempotency_key_too_long", "Idempotency-Key exceeds maximum length of 64 characters"
				}
				writeJSONError(w, SetErrorCode(r.Context(), code), http.StatusBadRequest, code, message)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
			if err != nil {
				writeJSONError(w, SetErrorCode(r.Context(), "bad_request"), http.StatusBadRequest, "bad_request", "could not read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			requestHash := idempotency.Hash(body)

			tenantID := GetTenantID(r.Context())
			ctx := SetIdempotencyKey(r.Context(), key)
			r = r.WithContext(ctx)

			existing, err := repo.Get(ctx, tenantID, key)
			switch {
			case err == nil && existing.RequestHash != requestHash:
				metrics.IncIdempotencyReplays("mismatch")
				code := "idempotency_key_mismatch"
				writeJSONError(w, SetErrorCode(ctx, code), http.StatusUnprocessableEntity, code,
					"Idempotency-Key was already used with a different request")
				return
			case err == nil:
				metrics.IncIdempotencyReplays("replayed")
				slog.InfoContext(ctx, "idempotency key found, returning cached response",
					"key", key,
					"tenant_id", tenantID,
					"status", existing.ResponseStatusCode,
				)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(IdempotentReplayHeader, "true")
				w.WriteHeader(existing.ResponseStatusCode)
				_, _ = io.WriteString(w, existing.ResponseBody)
				return
			case !errors.Is(err, idempotency.ErrKeyNotFound):
				// The handler is idempotent on its own; serve without the cache.
				slog.ErrorContext(ctx, "failed to check idempotency key", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			capture := &idempotencyResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode < 200 || capture.statusCode >= 300 {
				return
			}
			responseBody := capture.body.String()
			record := &idempotency.IdempotencyKey{
				Key:                key,
				TenantID:           tenantID,
				Method:             r.Method,
				Route:              normalizePath(r.URL.Path),
				RequestHash:        requestHash,
				ResponseHash:       idempotency.ComputeResponseHash(responseBody),
				Status:             idempotency.StatusCompleted,
				ResponseBody:       responseBody,
				ResponseStatusCode: capture.statusCode,
			}
			if err := repo.Store(ctx, record); err != nil && !errors.Is(err, idempotency.ErrKeyExists) {
				slog.ErrorContext(ctx, "failed to store idempotency key", "key", key, "error", err)
			}
		})
	}
}
