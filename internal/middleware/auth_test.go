package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/slotpay/internal/auth"
)

var errTestToken = errors.New("bad token")

type stubValidator struct {
	claims *auth.Claims
	err    error
}

func (s stubValidator) ValidateToken(string) (*auth.Claims, error) {
	return s.claims, s.err
}

func TestRequireServiceToken(t *testing.T) {
	svc := auth.NewJWTService("test-secret-at-least-32-bytes-long!!")
	valid, err := svc.GenerateServiceToken("tenant-1", "checkout-api", time.Minute)
	if err != nil {
		t.Fatalf("GenerateServiceToken() error = %v", err)
	}

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid token", "Bearer " + valid, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized},
		{"empty bearer", "Bearer   ", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotTenant, gotSubject string
			handler := RequireServiceToken(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotTenant = GetTenantID(r.Context())
				gotSubject = GetSubject(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/transactions/tx-1/payment", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				var body struct {
					Error struct {
						Code string `json:"code"`
					} `json:"error"`
				}
				if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
					t.Fatalf("decode error body: %v", err)
				}
				if body.Error.Code != "auth_failed" {
					t.Errorf("error code = %q, want auth_failed", body.Error.Code)
				}
				return
			}
			if gotTenant != "tenant-1" {
				t.Errorf("tenant = %q, want tenant-1", gotTenant)
			}
			if gotSubject != "checkout-api" {
				t.Errorf("subject = %q, want checkout-api", gotSubject)
			}
		})
	}
}

func TestRequireServiceToken_ExpiredMessage(t *testing.T) {
	handler := RequireServiceToken(stubValidator{err: auth.ErrExpiredToken})(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/transactions/tx-1/payment", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Message != "service token has expired" {
		t.Errorf("message = %q", body.Error.Message)
	}
}
