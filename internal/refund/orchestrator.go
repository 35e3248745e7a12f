package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/slotpay/internal/jobs"
	"github.com/onnwee/slotpay/internal/payment"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/reconcile"
	"github.com/onnwee/slotpay/internal/tenant"
	"github.com/onnwee/slotpay/internal/tracing"
	"github.com/shopspring/decimal"
)

// Request validation errors.
var (
	ErrTransactionNotFound    = errors.New("transaction not found for tenant")
	ErrNotRefundable          = errors.New("transaction is not in a refundable state")
	ErrInvalidAmount          = errors.New("refund amount must be positive")
	ErrAmountExceedsRemaining = errors.New("refund amount exceeds remaining refundable amount")
	ErrIdempotencyKeyReused   = errors.New("idempotency key already used for another transaction")
)

// TokenSource hands out a valid seller access token.
type TokenSource interface {
	AccessToken(ctx context.Context, acct *tenant.Account) (string, *tenant.Account, error)
}

// StatusApplier records a completed refund on the transaction.
type StatusApplier interface {
	ApplyRefund(ctx context.Context, tx *payment.Transaction, amount decimal.Decimal, at time.Time) (reconcile.Result, error)
}

// Request asks for a refund. A nil Amount refunds the remaining balance.
type Request struct {
	TenantID      string
	TransactionID string
	Amount        *decimal.Decimal
	Initiator     string
	// IdempotencyKey is generated when empty.
	IdempotencyKey string
}

// Config tunes provider retries.
type Config struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultConfig returns three attempts starting at 200ms.
func DefaultConfig() Config {
	return Config{Attempts: 3, Backoff: 200 * time.Millisecond}
}

// Orchestrator issues refunds.
type Orchestrator struct {
	txs      payment.Repository
	accounts tenant.Repository
	records  Repository
	tokens   TokenSource
	gateways provider.Registry
	status   StatusApplier
	cfg      Config
	logger   *slog.Logger
	metrics  *jobs.Metrics
	now      func() time.Time
}

// NewOrchestrator creates an Orchestrator. metrics may be nil.
func NewOrchestrator(txs payment.Repository, accounts tenant.Repository, records Repository, tokens TokenSource,
	gateways provider.Registry, status StatusApplier, cfg Config, logger *slog.Logger, metrics *jobs.Metrics) *Orchestrator {
	def := DefaultConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		txs:      txs,
		accounts: accounts,
		records:  records,
		tokens:   tokens,
		gateways: gateways,
		status:   status,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// SetClock replaces the orchestrator's time source.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Refund refunds a transaction in full or in part. Business failures are
// returned as *Error and leave the transaction untouched.
func (o *Orchestrator) Refund(ctx context.Context, req Request) (rec *Record, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "refund.refund")
	defer func() { endSpan(err) }()

	start := o.now()
	defer func() {
		status := jobs.StatusSuccess
		if err != nil {
			status = jobs.StatusFailure
		}
		o.metrics.IncJobsTotal(jobs.JobTypeRefund, status)
		o.metrics.ObserveJobDuration(jobs.JobTypeRefund, o.now().Sub(start).Seconds())
	}()

	tx, err := o.txs.GetByID(ctx, req.TransactionID)
	if errors.Is(err, payment.ErrTransactionNotFound) || (err == nil && tx.TenantID != req.TenantID) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.New().String()
	} else {
		prior, err := o.records.FindSucceeded(ctx, key)
		switch {
		case err == nil && prior.TransactionID == tx.ID:
			return prior, nil
		case err == nil:
			return nil, ErrIdempotencyKeyReused
		case !errors.Is(err, ErrRecordNotFound):
			return nil, err
		}
	}

	amount, err := o.validate(tx, req.Amount)
	if err != nil {
		return nil, err
	}

	logger := o.logger.With(
		slog.String("transaction_id", tx.ID),
		slog.String("tenant_id", tx.TenantID),
		slog.String("idempotency_key", key),
	)

	gw, err := o.gateways.Get(tx.Provider)
	if err != nil {
		return nil, err
	}
	acct, err := o.accounts.GetByTenant(ctx, tx.TenantID, tx.Provider)
	if errors.Is(err, tenant.ErrAccountNotFound) {
		return nil, &Error{Reason: ReasonUnauthorized, Detail: "tenant has no connected account", Err: err}
	}
	if err != nil {
		return nil, err
	}
	token, _, err := o.tokens.AccessToken(ctx, acct)
	if err != nil {
		if provider.IsTransient(err) {
			return nil, &Error{Reason: ReasonTransient, Detail: "credential refresh failed", Err: err}
		}
		return nil, &Error{Reason: ReasonUnauthorized, Detail: "seller credential unavailable", Err: err}
	}

	providerReq := provider.RefundRequest{
		PaymentID:      tx.ProviderPaymentID,
		Amount:         req.Amount,
		Currency:       tx.Currency,
		IdempotencyKey: key,
	}
	result, err := o.callWithRetry(ctx, gw, provider.Scope{AccessToken: token}, providerReq, logger)

	rec = &Record{
		TransactionID:   tx.ID,
		TenantID:        tx.TenantID,
		Provider:        tx.Provider,
		PaymentID:       tx.ProviderPaymentID,
		RequestedAmount: req.Amount,
		IdempotencyKey:  key,
		Initiator:       req.Initiator,
	}
	if err != nil {
		return nil, o.fail(ctx, rec, err, logger)
	}

	refunded := result.Amount
	if !refunded.IsPositive() {
		refunded = amount
	}
	rec.RefundedAmount = refunded
	rec.ProviderRefundID = result.ID
	rec.Status = RecordSucceeded
	rec.RawResponse = result.Raw
	rec.CreatedAt = o.now().UTC()
	if err := o.records.Append(ctx, rec); err != nil {
		logger.ErrorContext(ctx, "refund issued but audit record not stored",
			slog.String("provider_refund_id", result.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("store refund record: %w", err)
	}
	o.metrics.IncRefunds(string(tx.Provider), string(RecordSucceeded))

	if _, err := o.status.ApplyRefund(ctx, tx, refunded, rec.CreatedAt); err != nil {
		return rec, fmt.Errorf("refund %s issued but transaction not updated: %w", result.ID, err)
	}

	logger.InfoContext(ctx, "refund issued",
		slog.String("provider_refund_id", result.ID),
		slog.String("amount", refunded.String()),
		slog.String("initiator", req.Initiator),
	)
	return rec, nil
}

// validate checks the transaction state and returns the effective amount.
func (o *Orchestrator) validate(tx *payment.Transaction, requested *decimal.Decimal) (decimal.Decimal, error) {
	if tx.Status == payment.StatusRefunded {
		return decimal.Zero, &Error{Reason: ReasonAlreadyRefunded, Detail: "transaction is already fully refunded"}
	}
	if !tx.Status.Refundable() || tx.ProviderPaymentID == "" {
		return decimal.Zero, fmt.Errorf("%w: status %s", ErrNotRefundable, tx.Status)
	}

	remaining := tx.RemainingRefundable()
	if requested == nil {
		return remaining, nil
	}
	if !requested.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if requested.GreaterThan(remaining) {
		return decimal.Zero, fmt.Errorf("%w: requested %s, remaining %s", ErrAmountExceedsRemaining, requested, remaining)
	}
	return *requested, nil
}

// callWithRetry retries transient failures with exponential backoff, reusing
// the idempotency key so the provider deduplicates the retries.
func (o *Orchestrator) callWithRetry(ctx context.Context, gw provider.Gateway, scope provider.Scope, req provider.RefundRequest, logger *slog.Logger) (*provider.Refund, error) {
	backoff := o.cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= o.cfg.Attempts; attempt++ {
		result, err := gw.Refund(ctx, scope, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !provider.IsTransient(err) || attempt == o.cfg.Attempts {
			break
		}

		logger.WarnContext(ctx, "transient refund failure, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, lastErr
}

// fail appends the failed attempt to the audit trail and returns the
// classified error.
func (o *Orchestrator) fail(ctx context.Context, rec *Record, cause error, logger *slog.Logger) error {
	refundErr := classify(cause)

	rec.Status = RecordRejected
	if refundErr.Retryable() {
		rec.Status = RecordFailed
	}
	rec.FailureReason = refundErr.Reason
	rec.RawResponse = refundErr.ProviderBody
	rec.CreatedAt = o.now().UTC()
	if err := o.records.Append(ctx, rec); err != nil {
		logger.ErrorContext(ctx, "failed to store refund failure record", slog.String("error", err.Error()))
	}
	o.metrics.IncRefunds(string(rec.Provider), string(rec.Status))

	logger.WarnContext(ctx, "refund failed",
		slog.String("reason", string(refundErr.Reason)),
		slog.String("detail", refundErr.Detail),
	)
	return refundErr
}
