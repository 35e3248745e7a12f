package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/slotpay/internal/jobs"
	"github.com/onnwee/slotpay/internal/ledger"
	"github.com/onnwee/slotpay/internal/middleware"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/provider/mercadopago"
	"github.com/onnwee/slotpay/internal/provider/stripeconnect"
	"github.com/onnwee/slotpay/internal/signature"
)

// maxWebhookBody bounds the raw body read from a provider.
const maxWebhookBody = 1 << 20

// WebhookIntake records a verified notification and queues it.
type WebhookIntake interface {
	Accept(ctx context.Context, in ledger.Incoming) (string, *ledger.Event, error)
}

// WebhookConfig holds the per-provider verification settings.
type WebhookConfig struct {
	MercadoPago signature.Verifier
	// StripeSecret is the endpoint signing secret (whsec_...).
	StripeSecret string
}

// WebhookHandlers holds dependencies for webhook-related HTTP handlers.
type WebhookHandlers struct {
	intake  WebhookIntake
	config  WebhookConfig
	metrics *jobs.Metrics
}

// NewWebhookHandlers creates a new WebhookHandlers instance. metrics may be nil.
func NewWebhookHandlers(intake WebhookIntake, config WebhookConfig, metrics *jobs.Metrics) *WebhookHandlers {
	return &WebhookHandlers{
		intake:  intake,
		config:  config,
		metrics: metrics,
	}
}

// WebhookResponse acknowledges a delivery.
type WebhookResponse struct {
	Status string `json:"status"`
}

// HandleMercadoPago verifies and records a Mercado Pago notification.
// POST /webhooks/mercadopago
func (h *WebhookHandlers) HandleMercadoPago(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, ok := readWebhookBody(w, r)
	if !ok {
		return
	}

	// The raw header is signed, not the id the RequestID middleware may generate.
	requestID := r.Header.Get(signature.HeaderRequestID)
	query := r.URL.Query()

	canonicalID, err := h.config.MercadoPago.Check(body, r.Header.Get(signature.HeaderSignature), requestID, query)
	if err != nil {
		slog.WarnContext(ctx, "mercadopago webhook signature verification failed",
			"reason", err.Error(),
			"canonical_id", canonicalID,
		)
		h.reject(w, r, provider.MercadoPago)
		return
	}

	n, err := mercadopago.ParseNotification(body, query, requestID)
	if err != nil {
		slog.WarnContext(ctx, "mercadopago webhook could not be parsed", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "notification carries no id")
		return
	}

	h.accept(w, r, n, body)
}

// HandleStripe verifies and records a Stripe Connect event.
// POST /webhooks/stripe
func (h *WebhookHandlers) HandleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, ok := readWebhookBody(w, r)
	if !ok {
		return
	}

	n, err := stripeconnect.ParseWebhook(body, r.Header.Get("Stripe-Signature"), h.config.StripeSecret)
	if errors.Is(err, stripeconnect.ErrInvalidSignature) {
		slog.WarnContext(ctx, "stripe webhook signature verification failed", "error", err)
		h.reject(w, r, provider.Stripe)
		return
	}
	if err != nil {
		slog.WarnContext(ctx, "stripe webhook could not be parsed", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "malformed event")
		return
	}

	h.accept(w, r, n, body)
}

func (h *WebhookHandlers) accept(w http.ResponseWriter, r *http.Request, n *provider.Notification, body []byte) {
	ctx := r.Context()

	outcome, ev, err := h.intake.Accept(ctx, ledger.Incoming{Notification: *n, Payload: body})
	if err != nil {
		// Not recorded: a non-2xx answer makes the provider deliver again.
		slog.ErrorContext(ctx, "failed to record webhook event",
			"provider", string(n.Provider),
			"notification_id", n.ID,
			"error", err,
		)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to record notification")
		return
	}

	slog.InfoContext(ctx, "webhook event received",
		"provider", string(n.Provider),
		"notification_id", n.ID,
		"event_id", ev.ID,
		"kind", string(n.Kind),
		"outcome", outcome,
	)
	writeJSON(w, http.StatusOK, WebhookResponse{Status: outcome})
}

func (h *WebhookHandlers) reject(w http.ResponseWriter, r *http.Request, p provider.Name) {
	h.metrics.IncWebhookEvents(string(p), jobs.OutcomeRejected)
	ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidSignature)
	WriteError(w, ctx, http.StatusUnauthorized, ErrCodeInvalidSignature, "signature verification failed")
}

// readWebhookBody reads the raw body byte for byte; signatures are computed
// over it.
func readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return nil, false
	}
	return body, true
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
