package api

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/slotpay/internal/idempotency"
	"github.com/onnwee/slotpay/internal/middleware"
)

// RouterConfig wires handlers and middleware into the HTTP surface.
type RouterConfig struct {
	Webhooks *WebhookHandlers
	Payments *PaymentHandlers
	Tenants  *TenantHandlers
	Health   *HealthHandlers

	// Tokens validates the service JWT guarding /v1.
	Tokens middleware.TokenValidator

	RateLimitStore middleware.RateLimitStore
	WebhookLimit   middleware.RateLimitConfig
	RefundLimit    middleware.RateLimitConfig

	Idempotency idempotency.Repository

	Metrics *middleware.Metrics
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler

	Logger      *slog.Logger
	ServiceName string
}

// NewRouter builds the service handler.
func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", cfg.Health.Health)
	mux.HandleFunc("GET /health/ready", cfg.Health.Ready)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	webhookLimit := middleware.RateLimiter(cfg.RateLimitStore, cfg.WebhookLimit, middleware.IPKeyFunc(), cfg.Metrics)
	mux.Handle("POST /webhooks/mercadopago", webhookLimit(http.HandlerFunc(cfg.Webhooks.HandleMercadoPago)))
	mux.Handle("POST /webhooks/stripe", webhookLimit(http.HandlerFunc(cfg.Webhooks.HandleStripe)))

	authenticated := middleware.RequireServiceToken(cfg.Tokens)
	refundLimit := middleware.RateLimiter(cfg.RateLimitStore, cfg.RefundLimit, middleware.TenantKeyFunc(), cfg.Metrics)
	idempotent := middleware.Idempotency(cfg.Idempotency, func(*http.Request) bool { return true }, cfg.Metrics)

	mux.Handle("POST /v1/transactions/{id}/refunds",
		authenticated(refundLimit(idempotent(http.HandlerFunc(cfg.Payments.CreateRefund)))))
	mux.Handle("GET /v1/transactions/{id}/refunds",
		authenticated(http.HandlerFunc(cfg.Payments.ListRefunds)))
	mux.Handle("GET /v1/transactions/{id}/payment",
		authenticated(http.HandlerFunc(cfg.Payments.GetPayment)))
	mux.Handle("POST /v1/tenants/connect",
		authenticated(http.HandlerFunc(cfg.Tenants.ConnectAccount)))

	var handler http.Handler = mux
	handler = middleware.HTTPMetrics(cfg.Metrics)(handler)
	handler = middleware.Tracing(cfg.ServiceName)(handler)
	handler = middleware.Logging(cfg.Logger)(handler)
	handler = middleware.Recover(cfg.Logger)(handler)
	handler = middleware.RequestID(handler)
	return handler
}
