package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/slotpay/internal/events"
	"github.com/onnwee/slotpay/internal/jobs"
	"github.com/onnwee/slotpay/internal/payment"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/tracing"
	"github.com/shopspring/decimal"
)

// Result describes what a reconciliation did.
type Result struct {
	Previous payment.Status
	Status   payment.Status
	// Applied is false when the change was stale or a no-op.
	Applied bool
}

// Reconciler applies provider state to transactions.
type Reconciler struct {
	txs       payment.Repository
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *jobs.Metrics
}

// New creates a Reconciler. publisher and metrics may be nil.
func New(txs payment.Repository, publisher events.Publisher, logger *slog.Logger, metrics *jobs.Metrics) *Reconciler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{txs: txs, publisher: publisher, logger: logger, metrics: metrics}
}

// Apply reconciles tx against an authoritative provider snapshot. The
// snapshot's own update time orders the change; fallback is used when the
// provider reports none.
func (r *Reconciler) Apply(ctx context.Context, tx *payment.Transaction, p *provider.Payment, fallback time.Time) (res Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.apply")
	defer func() { endSpan(err) }()

	status := NormalizePayment(p)
	change := payment.StatusChange{
		Status:            status,
		ProviderPaymentID: p.ID,
		EventAt:           p.UpdatedAt,
	}
	if change.EventAt.IsZero() {
		change.EventAt = fallback
	}

	switch status {
	case payment.StatusPaid:
		realized := p.Amount
		if realized.IsZero() {
			realized = tx.Amount
		}
		change.RealizedAmount = &realized
	case payment.StatusRefunded:
		released := p.RefundedAmount
		if released.IsZero() {
			released = tx.Amount
		}
		change.RealizedAmount = &released
		change.RefundedAmount = &released
	case payment.StatusPartiallyRefunded:
		// A snapshot without the refunded amount leaves the stored total.
		if released := p.RefundedAmount; released.IsPositive() {
			change.RealizedAmount = &released
			change.RefundedAmount = &released
		}
	}

	return r.apply(ctx, tx, change)
}

// ApplyRefund records a refund of amount made through the orchestrator. The
// store adds it to the refunded total, so concurrent refunds on the same
// transaction are all counted.
func (r *Reconciler) ApplyRefund(ctx context.Context, tx *payment.Transaction, amount decimal.Decimal, at time.Time) (res Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.apply_refund")
	defer func() { endSpan(err) }()

	previous, updated, err := r.txs.AddRefund(ctx, tx.ID, amount, at)
	if err != nil {
		return Result{Previous: tx.Status}, fmt.Errorf("add refund to transaction %s: %w", tx.ID, err)
	}
	res = Result{Previous: previous, Status: updated.Status, Applied: true}

	r.logger.InfoContext(ctx, "payment status updated",
		slog.String("transaction_id", updated.ID),
		slog.String("tenant_id", updated.TenantID),
		slog.String("from", string(previous)),
		slog.String("to", string(updated.Status)),
		slog.String("refunded_amount", updated.RefundedAmount.String()),
	)
	var realized *decimal.Decimal
	if updated.RealizedAmount.Valid {
		realized = &updated.RealizedAmount.Decimal
	}
	r.publish(ctx, updated, previous, updated.Status, realized, at)
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, tx *payment.Transaction, change payment.StatusChange) (Result, error) {
	res := Result{Previous: tx.Status, Status: change.Status}
	logger := r.logger.With(
		slog.String("transaction_id", tx.ID),
		slog.String("tenant_id", tx.TenantID),
	)

	applied, err := r.txs.ApplyStatus(ctx, tx.ID, change)
	if err != nil {
		return res, fmt.Errorf("apply status to transaction %s: %w", tx.ID, err)
	}
	res.Applied = applied
	if !applied {
		logger.DebugContext(ctx, "transition not applied",
			slog.String("status", string(change.Status)),
			slog.Time("event_at", change.EventAt),
		)
		return res, nil
	}

	logger.InfoContext(ctx, "payment status updated",
		slog.String("from", string(res.Previous)),
		slog.String("to", string(change.Status)),
		slog.String("provider_payment_id", change.ProviderPaymentID),
	)
	bound := *tx
	if bound.ProviderPaymentID == "" {
		bound.ProviderPaymentID = change.ProviderPaymentID
	}
	r.publish(ctx, &bound, res.Previous, change.Status, change.RealizedAmount, change.EventAt)
	return res, nil
}

// publish counts the transition and announces it to subscribers.
func (r *Reconciler) publish(ctx context.Context, tx *payment.Transaction, previous, status payment.Status, realized *decimal.Decimal, at time.Time) {
	r.metrics.IncStatusTransitions(string(tx.Provider), string(status))

	evt := events.StatusChanged{
		TransactionID:     tx.ID,
		TenantID:          tx.TenantID,
		Provider:          string(tx.Provider),
		ProviderPaymentID: tx.ProviderPaymentID,
		PreviousStatus:    string(previous),
		Status:            string(status),
		LegacyStatus:      string(status.Legacy()),
		RealizedAmount:    realized,
		Currency:          tx.Currency,
		EventAt:           at,
	}
	if err := r.publisher.PublishStatusChanged(ctx, evt); err != nil {
		// The transition is committed; subscribers can catch up from the store.
		r.logger.WarnContext(ctx, "failed to publish status change",
			slog.String("transaction_id", tx.ID),
			slog.String("error", err.Error()),
		)
		r.metrics.IncJobErrors(jobs.JobTypeEventPublish, "publish_failed")
	}
}
