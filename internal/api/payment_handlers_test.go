package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/slotpay/internal/events"
	"github.com/onnwee/slotpay/internal/middleware"
	"github.com/onnwee/slotpay/internal/payment"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/reconcile"
	"github.com/onnwee/slotpay/internal/refund"
	"github.com/onnwee/slotpay/internal/resolver"
	"github.com/shopspring/decimal"
)

type fakeRefunder struct {
	got    refund.Request
	record *refund.Record
	err    error
}

func (f *fakeRefunder) Refund(ctx context.Context, req refund.Request) (*refund.Record, error) {
	f.got = req
	return f.record, f.err
}

type fakeFetcher struct {
	payment *provider.Payment
	err     error
	calls   int
}

func (f *fakeFetcher) FetchForTransaction(ctx context.Context, tx *payment.Transaction) (*resolver.Resolution, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &resolver.Resolution{Transaction: tx, Payment: f.payment}, nil
}

type paymentFixture struct {
	txs      *payment.InMemoryRepository
	records  *refund.InMemoryRepository
	refunder *fakeRefunder
	fetcher  *fakeFetcher
	mux      *http.ServeMux
	tx       *payment.Transaction
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	f := &paymentFixture{
		txs:      payment.NewInMemoryRepository(),
		records:  refund.NewInMemoryRepository(),
		refunder: &fakeRefunder{},
		fetcher:  &fakeFetcher{},
	}
	f.tx = &payment.Transaction{
		ID:                "tx-1",
		TenantID:          "tenant-a",
		Provider:          provider.MercadoPago,
		ProviderPaymentID: "987654",
		ExternalReference: "booking-1",
		Amount:            decimal.RequireFromString("100.00"),
		Currency:          "ARS",
		Status:            payment.StatusPending,
	}
	if err := f.txs.Create(context.Background(), f.tx); err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reconciler := reconcile.New(f.txs, events.Nop{}, logger, nil)
	h := NewPaymentHandlers(f.txs, f.refunder, f.records, f.fetcher, reconciler)

	f.mux = http.NewServeMux()
	f.mux.HandleFunc("POST /v1/transactions/{id}/refunds", h.CreateRefund)
	f.mux.HandleFunc("GET /v1/transactions/{id}/refunds", h.ListRefunds)
	f.mux.HandleFunc("GET /v1/transactions/{id}/payment", h.GetPayment)
	return f
}

func (f *paymentFixture) do(method, path, tenantID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	ctx := middleware.SetTenantID(req.Context(), tenantID)
	ctx = middleware.SetSubject(ctx, "svc:backoffice")
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req.WithContext(ctx))
	return w
}

func TestCreateRefund_PartialAmount(t *testing.T) {
	f := newPaymentFixture(t)
	f.refunder.record = &refund.Record{
		ID:             "rf-1",
		TransactionID:  "tx-1",
		Status:         refund.RecordSucceeded,
		RefundedAmount: decimal.RequireFromString("30.00"),
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/transactions/tx-1/refunds", strings.NewReader(`{"amount":"30.00"}`))
	req.Header.Set(middleware.IdempotencyKeyHeader, "key-123")
	ctx := middleware.SetTenantID(req.Context(), "tenant-a")
	ctx = middleware.SetSubject(ctx, "svc:backoffice")
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req.WithContext(ctx))

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	got := f.refunder.got
	if got.TransactionID != "tx-1" || got.TenantID != "tenant-a" {
		t.Errorf("unexpected scope: %+v", got)
	}
	if got.Amount == nil || !got.Amount.Equal(decimal.RequireFromString("30")) {
		t.Errorf("expected amount 30, got %v", got.Amount)
	}
	if got.Initiator != "svc:backoffice" {
		t.Errorf("expected initiator svc:backoffice, got %q", got.Initiator)
	}
	if got.IdempotencyKey != "key-123" {
		t.Errorf("expected idempotency key key-123, got %q", got.IdempotencyKey)
	}

	var rec refund.Record
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("failed to decode record: %v", err)
	}
	if rec.ID != "rf-1" || rec.Status != refund.RecordSucceeded {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestCreateRefund_FullWhenBodyEmpty(t *testing.T) {
	f := newPaymentFixture(t)
	f.refunder.record = &refund.Record{ID: "rf-2", Status: refund.RecordSucceeded}

	w := f.do(http.MethodPost, "/v1/transactions/tx-1/refunds", "tenant-a", "")

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if f.refunder.got.Amount != nil {
		t.Errorf("expected full refund, got amount %v", f.refunder.got.Amount)
	}
}

func TestCreateRefund_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"malformed body", `{"amount":`, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"non numeric amount", `{"amount":"abc"}`, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"over remaining", `{"amount":"500"}`, refund.ErrAmountExceedsRemaining, http.StatusConflict, ErrCodeRefundRejected},
		{"not refundable", `{}`, refund.ErrNotRefundable, http.StatusConflict, ErrCodeRefundRejected},
		{"provider rejected", `{}`, &refund.Error{Reason: refund.ReasonAlreadyRefunded}, http.StatusConflict, ErrCodeRefundRejected},
		{"provider down", `{}`, &refund.Error{Reason: refund.ReasonTransient}, http.StatusServiceUnavailable, ErrCodeProviderUnavailable},
		{"other tenant", `{}`, refund.ErrTransactionNotFound, http.StatusNotFound, ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPaymentFixture(t)
			f.refunder.err = tt.err

			w := f.do(http.MethodPost, "/v1/transactions/tx-1/refunds", "tenant-a", tt.body)

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

func TestListRefunds(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	for i, status := range []refund.RecordStatus{refund.RecordRejected, refund.RecordSucceeded} {
		rec := &refund.Record{
			TransactionID: "tx-1",
			TenantID:      "tenant-a",
			Status:        status,
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}
		if err := f.records.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	w := f.do(http.MethodGet, "/v1/transactions/tx-1/refunds", "tenant-a", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp RefundListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Refunds) != 2 {
		t.Fatalf("expected 2 refunds, got %d", len(resp.Refunds))
	}
	if resp.Refunds[0].Status != refund.RecordRejected || resp.Refunds[1].Status != refund.RecordSucceeded {
		t.Errorf("expected oldest first, got %s then %s", resp.Refunds[0].Status, resp.Refunds[1].Status)
	}
}

func TestListRefunds_EmptyAndScoped(t *testing.T) {
	f := newPaymentFixture(t)

	w := f.do(http.MethodGet, "/v1/transactions/tx-1/refunds", "tenant-a", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"refunds":[]`) {
		t.Errorf("expected an empty list, got %s", w.Body.String())
	}

	w = f.do(http.MethodGet, "/v1/transactions/tx-1/refunds", "tenant-b", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for another tenant, got %d", w.Code)
	}
}

func TestGetPayment_Stored(t *testing.T) {
	f := newPaymentFixture(t)

	w := f.do(http.MethodGet, "/v1/transactions/tx-1/payment", "tenant-a", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp PaymentStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != payment.StatusPending || resp.LegacyStatus != payment.LegacyPending {
		t.Errorf("unexpected status: %s/%s", resp.Status, resp.LegacyStatus)
	}
	if resp.Refreshed {
		t.Error("expected refreshed=false without the refresh flag")
	}
	if f.fetcher.calls != 0 {
		t.Errorf("expected no provider fetch, got %d", f.fetcher.calls)
	}
}

func TestGetPayment_Refresh(t *testing.T) {
	f := newPaymentFixture(t)
	f.fetcher.payment = &provider.Payment{
		Provider:  provider.MercadoPago,
		ID:        "987654",
		Status:    "approved",
		Amount:    decimal.RequireFromString("100.00"),
		Currency:  "ARS",
		UpdatedAt: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}

	w := f.do(http.MethodGet, "/v1/transactions/tx-1/payment?refresh=true", "tenant-a", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp PaymentStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Refreshed || resp.ProviderStatus != "approved" {
		t.Errorf("unexpected refresh fields: refreshed=%v provider_status=%q", resp.Refreshed, resp.ProviderStatus)
	}
	if resp.Status != payment.StatusPaid || resp.LegacyStatus != payment.LegacyPaid {
		t.Errorf("expected paid, got %s/%s", resp.Status, resp.LegacyStatus)
	}
	if !resp.RealizedAmount.Valid || !resp.RealizedAmount.Decimal.Equal(decimal.RequireFromString("100")) {
		t.Errorf("expected realized amount 100, got %v", resp.RealizedAmount)
	}

	stored, err := f.txs.GetByID(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if stored.Status != payment.StatusPaid {
		t.Errorf("expected stored status paid, got %s", stored.Status)
	}
}

func TestGetPayment_Errors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		tenant     string
		fetchErr   error
		wantStatus int
		wantCode   string
	}{
		{"bad refresh flag", "/v1/transactions/tx-1/payment?refresh=maybe", "tenant-a", nil, http.StatusBadRequest, ErrCodeValidation},
		{"unknown transaction", "/v1/transactions/tx-404/payment", "tenant-a", nil, http.StatusNotFound, ErrCodeNotFound},
		{"other tenant", "/v1/transactions/tx-1/payment", "tenant-b", nil, http.StatusNotFound, ErrCodeNotFound},
		{"revoked credential", "/v1/transactions/tx-1/payment?refresh=1", "tenant-a", resolver.ErrTenantUnresolved, http.StatusUnauthorized, ErrCodeReconnectRequired},
		{"provider down", "/v1/transactions/tx-1/payment?refresh=true", "tenant-a", &provider.APIError{Provider: provider.MercadoPago, StatusCode: 503}, http.StatusServiceUnavailable, ErrCodeProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPaymentFixture(t)
			f.fetcher.err = tt.fetchErr

			w := f.do(http.MethodGet, tt.path, tt.tenant, "")

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
