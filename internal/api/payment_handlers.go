package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/slotpay/internal/middleware"
	"github.com/onnwee/slotpay/internal/payment"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/reconcile"
	"github.com/onnwee/slotpay/internal/refund"
	"github.com/onnwee/slotpay/internal/resolver"
	"github.com/shopspring/decimal"
)

// TransactionReader loads transactions.
type TransactionReader interface {
	GetByID(ctx context.Context, id string) (*payment.Transaction, error)
}

// Refunder issues refunds.
type Refunder interface {
	Refund(ctx context.Context, req refund.Request) (*refund.Record, error)
}

// RefundLister returns the refund audit trail of a transaction.
type RefundLister interface {
	ListByTransaction(ctx context.Context, transactionID string) ([]*refund.Record, error)
}

// PaymentFetcher fetches the seller-scoped payment of a transaction.
type PaymentFetcher interface {
	FetchForTransaction(ctx context.Context, tx *payment.Transaction) (*resolver.Resolution, error)
}

// StatusReconciler applies a payment snapshot to a transaction.
type StatusReconciler interface {
	Apply(ctx context.Context, tx *payment.Transaction, p *provider.Payment, fallback time.Time) (reconcile.Result, error)
}

// PaymentHandlers serves the refund and payment-status endpoints. Every
// handler scopes lookups to the tenant of the service token.
type PaymentHandlers struct {
	txs        TransactionReader
	refunder   Refunder
	refunds    RefundLister
	fetcher    PaymentFetcher
	reconciler StatusReconciler
	now        func() time.Time
}

// NewPaymentHandlers creates a new PaymentHandlers instance.
func NewPaymentHandlers(
	txs TransactionReader,
	refunder Refunder,
	refunds RefundLister,
	fetcher PaymentFetcher,
	reconciler StatusReconciler,
) *PaymentHandlers {
	return &PaymentHandlers{
		txs:        txs,
		refunder:   refunder,
		refunds:    refunds,
		fetcher:    fetcher,
		reconciler: reconciler,
		now:        time.Now,
	}
}

// CreateRefundRequest is the body of a refund request. A missing amount
// refunds the remaining balance.
type CreateRefundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

// RefundListResponse is the refund audit trail of a transaction.
type RefundListResponse struct {
	Refunds []*refund.Record `json:"refunds"`
}

// PaymentStatusResponse is the normalized payment state of a transaction.
type PaymentStatusResponse struct {
	TransactionID     string               `json:"transaction_id"`
	Provider          provider.Name        `json:"provider"`
	ProviderPaymentID string               `json:"provider_payment_id,omitempty"`
	Status            payment.Status       `json:"status"`
	LegacyStatus      payment.LegacyStatus `json:"legacy_status"`
	Amount            decimal.Decimal      `json:"amount"`
	Currency          string               `json:"currency"`
	RealizedAmount    decimal.NullDecimal  `json:"realized_amount"`
	RefundedAmount    decimal.Decimal      `json:"refunded_amount"`
	StatusEventAt     *time.Time           `json:"status_event_at,omitempty"`
	// ProviderStatus is the provider-native status seen by a refresh.
	ProviderStatus string `json:"provider_status,omitempty"`
	Refreshed      bool   `json:"refreshed"`
}

// CreateRefund refunds a transaction in full or in part.
// POST /v1/transactions/{id}/refunds
func (h *PaymentHandlers) CreateRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	rec, err := h.refunder.Refund(ctx, refund.Request{
		TenantID:       middleware.GetTenantID(ctx),
		TransactionID:  r.PathValue("id"),
		Amount:         req.Amount,
		Initiator:      middleware.GetSubject(ctx),
		IdempotencyKey: r.Header.Get(middleware.IdempotencyKeyHeader),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// ListRefunds returns every refund attempt of a transaction.
// GET /v1/transactions/{id}/refunds
func (h *PaymentHandlers) ListRefunds(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.loadTransaction(w, r)
	if !ok {
		return
	}

	records, err := h.refunds.ListByTransaction(r.Context(), tx.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if records == nil {
		records = []*refund.Record{}
	}
	writeJSON(w, http.StatusOK, RefundListResponse{Refunds: records})
}

// GetPayment returns the normalized payment state. With refresh=true the
// seller-scoped payment is fetched and reconciled first.
// GET /v1/transactions/{id}/payment
func (h *PaymentHandlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	refresh := false
	if raw := r.URL.Query().Get("refresh"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "refresh must be a boolean")
			return
		}
		refresh = v
	}

	tx, ok := h.loadTransaction(w, r)
	if !ok {
		return
	}
	if !refresh {
		writeJSON(w, http.StatusOK, paymentStatus(tx))
		return
	}

	res, err := h.fetcher.FetchForTransaction(ctx, tx)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	result, err := h.reconciler.Apply(ctx, tx, res.Payment, h.now())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if result.Applied {
		if tx, err = h.txs.GetByID(ctx, tx.ID); err != nil {
			writeServiceError(w, r, err)
			return
		}
	}
	slog.InfoContext(ctx, "payment status refreshed",
		"transaction_id", tx.ID,
		"tenant_id", tx.TenantID,
		"provider_status", res.Payment.Status,
		"status", string(tx.Status),
		"applied", result.Applied,
	)

	resp := paymentStatus(tx)
	resp.ProviderStatus = res.Payment.Status
	resp.Refreshed = true
	writeJSON(w, http.StatusOK, resp)
}

// loadTransaction returns the path transaction when it belongs to the
// caller's tenant. Other tenants' transactions are reported as missing.
func (h *PaymentHandlers) loadTransaction(w http.ResponseWriter, r *http.Request) (*payment.Transaction, bool) {
	tx, err := h.txs.GetByID(r.Context(), r.PathValue("id"))
	if err == nil && tx.TenantID != middleware.GetTenantID(r.Context()) {
		err = payment.ErrTransactionNotFound
	}
	if err != nil {
		writeServiceError(w, r, err)
		return nil, false
	}
	return tx, true
}

func paymentStatus(tx *payment.Transaction) PaymentStatusResponse {
	return PaymentStatusResponse{
		TransactionID:     tx.ID,
		Provider:          tx.Provider,
		ProviderPaymentID: tx.ProviderPaymentID,
		Status:            tx.Status,
		LegacyStatus:      tx.Status.Legacy(),
		Amount:            tx.Amount,
		Currency:          tx.Currency,
		RealizedAmount:    tx.RealizedAmount,
		RefundedAmount:    tx.RefundedAmount,
		StatusEventAt:     tx.StatusEventAt,
	}
}
