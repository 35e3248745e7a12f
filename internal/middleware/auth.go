package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/slotpay/internal/auth"
)

// TokenValidator validates service tokens.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// RequireServiceToken rejects requests without a valid bearer service token
// and stores its tenant and subject in the request context.
func RequireServiceToken(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				writeAuthError(w, r, "missing bearer token")
				return
			}

			claims, err := validator.ValidateToken(strings.TrimSpace(token))
			if err != nil {
				message := "invalid service token"
				if errors.Is(err, auth.ErrExpiredToken) {
					message = "service token has expired"
				}
				writeAuthError(w, r, message)
				return
			}

			ctx := SetTenantID(r.Context(), claims.TenantID)
			ctx = SetSubject(ctx, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, r *http.Request, message string) {
	writeJSONError(w, SetErrorCode(r.Context(), "auth_failed"), http.StatusUnauthorized, "auth_failed", message)
}

// writeJSONError writes the standard error envelope. The api package has the
// full version; middleware cannot import it.
func writeJSONError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	UpdateResponseContext(w, ctx)
	body, _ := json.Marshal(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
