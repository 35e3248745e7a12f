// Package processor runs the asynchronous half of webhook handling: it
// resolves, fetches and reconciles recorded notifications and records each
// attempt's outcome in the ledger.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/slotpay/internal/jobs"
	"github.com/onnwee/slotpay/internal/ledger"
	"github.com/onnwee/slotpay/internal/payment"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/reconcile"
	"github.com/onnwee/slotpay/internal/resolver"
	"github.com/onnwee/slotpay/internal/tenant"
	"github.com/onnwee/slotpay/internal/tracing"
)

// terminalWriteTimeout bounds the ledger write that closes an attempt.
const terminalWriteTimeout = 5 * time.Second

// Resolver finds the tenant, transaction and seller-scoped payment of a notification.
type Resolver interface {
	Resolve(ctx context.Context, n provider.Notification) (*resolver.Resolution, error)
}

// Reconciler applies a payment snapshot to a transaction.
type Reconciler interface {
	Apply(ctx context.Context, tx *payment.Transaction, p *provider.Payment, fallback time.Time) (reconcile.Result, error)
}

// Disconnector marks a tenant account disconnected.
type Disconnector interface {
	Disconnect(ctx context.Context, p provider.Name, providerUserID string) (*tenant.Account, error)
}

// Processor handles one recorded notification at a time.
type Processor struct {
	ledger       *ledger.Ledger
	resolver     Resolver
	reconciler   Reconciler
	disconnector Disconnector
	logger       *slog.Logger
	metrics      *jobs.Metrics
}

// New creates a Processor. metrics may be nil.
func New(l *ledger.Ledger, r Resolver, rec Reconciler, d Disconnector, logger *slog.Logger, metrics *jobs.Metrics) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		ledger:       l,
		resolver:     r,
		reconciler:   rec,
		disconnector: d,
		logger:       logger,
		metrics:      metrics,
	}
}

// Process runs one attempt for ev and always records its outcome.
func (p *Processor) Process(ctx context.Context, ev *ledger.Event) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "processor.process")
	defer func() { endSpan(err) }()

	logger := p.logger.With(
		slog.String("event_id", ev.ID),
		slog.String("provider", string(ev.Provider)),
		slog.String("notification_id", ev.NotificationID),
		slog.String("kind", string(ev.Kind)),
	)
	start := time.Now()
	var tenantID string

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "panic while processing event", slog.Any("panic", r))
			err = fmt.Errorf("panic: %v", r)
		}

		// The attempt's ctx may already be past its deadline.
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
		defer cancel()
		if markErr := p.ledger.MarkTerminal(markCtx, ev, ledger.Outcome{Err: err, TenantID: tenantID}); markErr != nil {
			logger.ErrorContext(ctx, "failed to record event outcome", slog.String("error", markErr.Error()))
			err = errors.Join(err, markErr)
		}

		status, outcome := jobs.StatusSuccess, jobs.OutcomeProcessed
		if err != nil {
			status, outcome = jobs.StatusFailure, jobs.OutcomeFailed
			p.metrics.IncJobErrors(jobs.JobTypeWebhookProcess, errorType(err))
		}
		p.metrics.IncJobsTotal(jobs.JobTypeWebhookProcess, status)
		p.metrics.ObserveJobDuration(jobs.JobTypeWebhookProcess, time.Since(start).Seconds())
		p.metrics.IncWebhookEvents(string(ev.Provider), outcome)
	}()

	switch ev.Kind {
	case provider.KindPayment, provider.KindOrder:
		tenantID, err = p.reconcile(ctx, ev, logger)
	case provider.KindDeauthorization:
		tenantID, err = p.deauthorize(ctx, ev, logger)
	default:
		logger.DebugContext(ctx, "notification ignored", slog.String("topic", ev.Topic))
	}
	return err
}

func (p *Processor) reconcile(ctx context.Context, ev *ledger.Event, logger *slog.Logger) (string, error) {
	res, err := p.resolver.Resolve(ctx, ev.Notification())
	if err != nil {
		logger.WarnContext(ctx, "notification could not be resolved", slog.String("error", err.Error()))
		return "", err
	}

	if res.Payment.ID == "" {
		// A merchant order with no payments says nothing about payment state.
		logger.InfoContext(ctx, "order has no payments yet",
			slog.String("tenant_id", res.Account.TenantID),
			slog.String("transaction_id", res.Transaction.ID),
		)
		return res.Account.TenantID, nil
	}

	fallback := ev.ReceivedAt
	if ev.EventTime != nil {
		fallback = *ev.EventTime
	}
	result, err := p.reconciler.Apply(ctx, res.Transaction, res.Payment, fallback)
	if err != nil {
		return res.Account.TenantID, err
	}

	logger.InfoContext(ctx, "notification reconciled",
		slog.String("tenant_id", res.Account.TenantID),
		slog.String("transaction_id", res.Transaction.ID),
		slog.String("status", string(result.Status)),
		slog.Bool("applied", result.Applied),
	)
	return res.Account.TenantID, nil
}

func (p *Processor) deauthorize(ctx context.Context, ev *ledger.Event, logger *slog.Logger) (string, error) {
	if ev.AccountID == "" {
		return "", fmt.Errorf("%w: deauthorization without account id", resolver.ErrTenantUnresolved)
	}
	acct, err := p.disconnector.Disconnect(ctx, ev.Provider, ev.AccountID)
	if errors.Is(err, tenant.ErrAccountNotFound) {
		logger.InfoContext(ctx, "deauthorization for unknown account", slog.String("account_id", ev.AccountID))
		return "", nil
	}
	if err != nil {
		return "", err
	}
	logger.InfoContext(ctx, "tenant account disconnected by provider", slog.String("tenant_id", acct.TenantID))
	return acct.TenantID, nil
}

// ProcessByID loads a ledger event and processes it synchronously.
func (p *Processor) ProcessByID(ctx context.Context, id string) (*ledger.Event, error) {
	ev, err := p.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	err = p.Process(ctx, ev)
	return ev, err
}

// errorType buckets processing errors for the error counter.
func errorType(err error) string {
	switch {
	case errors.Is(err, resolver.ErrTenantUnresolved):
		return "tenant_unresolved"
	case errors.Is(err, resolver.ErrTransactionUnresolved):
		return "transaction_unresolved"
	case errors.Is(err, payment.ErrPaymentIDConflict):
		return "payment_conflict"
	case provider.IsTransient(err):
		return "provider_transient"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}
