package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/slotpay/internal/credential"
	"github.com/onnwee/slotpay/internal/middleware"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/tenant"
)

// AccountConnector exchanges OAuth authorization codes for seller accounts.
type AccountConnector interface {
	Connect(ctx context.Context, req credential.ConnectRequest) (*tenant.Account, error)
}

// TenantHandlers serves seller account onboarding.
type TenantHandlers struct {
	connector AccountConnector
}

// NewTenantHandlers creates a new TenantHandlers instance.
func NewTenantHandlers(connector AccountConnector) *TenantHandlers {
	return &TenantHandlers{connector: connector}
}

// ConnectAccountRequest carries the authorization code a seller granted.
type ConnectAccountRequest struct {
	Provider    provider.Name `json:"provider"`
	Code        string        `json:"code"`
	RedirectURI string        `json:"redirect_uri"`
}

// ConnectAccount links the caller's tenant to a provider account.
// POST /v1/tenants/connect
func (h *TenantHandlers) ConnectAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ConnectAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	req.Provider = provider.Name(strings.ToLower(strings.TrimSpace(string(req.Provider))))
	if !req.Provider.Valid() {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "provider must be mercadopago or stripe")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "code is required")
		return
	}

	acct, err := h.connector.Connect(ctx, credential.ConnectRequest{
		TenantID:    middleware.GetTenantID(ctx),
		Provider:    req.Provider,
		Code:        req.Code,
		RedirectURI: req.RedirectURI,
	})
	switch {
	case errors.Is(err, provider.ErrUnknownProvider):
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "provider is not configured")
		return
	case errors.Is(err, provider.ErrInvalidGrant), errors.Is(err, credential.ErrInvalidConnect):
		slog.WarnContext(ctx, "authorization code rejected", "provider", string(req.Provider), "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "authorization code rejected by provider")
		return
	case err != nil:
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, acct)
}
