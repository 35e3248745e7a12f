package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/slotpay/internal/credential"
	"github.com/onnwee/slotpay/internal/middleware"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/tenant"
)

type fakeConnector struct {
	got credential.ConnectRequest
	err error
}

func (f *fakeConnector) Connect(ctx context.Context, req credential.ConnectRequest) (*tenant.Account, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &tenant.Account{
		ID:              "acct-1",
		TenantID:        req.TenantID,
		Provider:        req.Provider,
		ProviderUserID:  "202809963",
		AccessToken:     "APP_USR-secret",
		RefreshToken:    "TG-secret",
		PaymentsEnabled: true,
	}, nil
}

func connectRequest(tenantID, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/tenants/connect", strings.NewReader(body))
	return req.WithContext(middleware.SetTenantID(req.Context(), tenantID))
}

func TestConnectAccount_Success(t *testing.T) {
	connector := &fakeConnector{}
	handlers := NewTenantHandlers(connector)

	w := httptest.NewRecorder()
	handlers.ConnectAccount(w, connectRequest("tenant-a",
		`{"provider":"MercadoPago","code":"TG-code","redirect_uri":"https://app.example.com/oauth"}`))

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if connector.got.TenantID != "tenant-a" || connector.got.Provider != provider.MercadoPago {
		t.Errorf("unexpected connect request: %+v", connector.got)
	}
	if connector.got.Code != "TG-code" || connector.got.RedirectURI != "https://app.example.com/oauth" {
		t.Errorf("unexpected grant fields: %+v", connector.got)
	}

	body := w.Body.String()
	if strings.Contains(body, "secret") {
		t.Errorf("tokens leaked in response: %s", body)
	}
	var acct tenant.Account
	if err := json.Unmarshal(w.Body.Bytes(), &acct); err != nil {
		t.Fatalf("failed to decode account: %v", err)
	}
	if acct.ProviderUserID != "202809963" || !acct.PaymentsEnabled {
		t.Errorf("unexpected account: %+v", acct)
	}
}

func TestConnectAccount_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"malformed body", `{`, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown provider", `{"provider":"paypal","code":"c"}`, nil, http.StatusBadRequest, ErrCodeValidation},
		{"missing code", `{"provider":"stripe"}`, nil, http.StatusBadRequest, ErrCodeValidation},
		{"provider not configured", `{"provider":"stripe","code":"c"}`, fmt.Errorf("get gateway: %w", provider.ErrUnknownProvider), http.StatusBadRequest, ErrCodeValidation},
		{"grant rejected", `{"provider":"stripe","code":"c"}`, &provider.APIError{Provider: provider.Stripe, StatusCode: 400, Code: provider.CodeInvalidGrant}, http.StatusBadRequest, ErrCodeValidation},
		{"no seller in grant", `{"provider":"mercadopago","code":"c"}`, credential.ErrInvalidConnect, http.StatusBadRequest, ErrCodeValidation},
		{"provider down", `{"provider":"mercadopago","code":"c"}`, &provider.APIError{Provider: provider.MercadoPago, StatusCode: 502}, http.StatusServiceUnavailable, ErrCodeProviderUnavailable},
		{"store failure", `{"provider":"mercadopago","code":"c"}`, errors.New("connection reset"), http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handlers := NewTenantHandlers(&fakeConnector{err: tt.err})

			w := httptest.NewRecorder()
			handlers.ConnectAccount(w, connectRequest("tenant-a", tt.body))

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to decode error: %v", err)
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, resp.Error.Code)
			}
		})
	}
}
