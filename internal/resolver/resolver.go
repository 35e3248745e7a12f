// Package resolver maps provider notifications to the owning tenant account
// and the internal transaction, and fetches the seller-scoped payment.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/slotpay/internal/payment"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/tenant"
	"github.com/onnwee/slotpay/internal/tracing"
)

// Resolution errors. Both are terminal for the notification.
var (
	ErrTenantUnresolved      = errors.New("tenant could not be resolved")
	ErrTransactionUnresolved = errors.New("transaction could not be resolved")
	// ErrNoProviderPayment is returned for transactions not yet bound to a
	// provider payment.
	ErrNoProviderPayment = errors.New("transaction has no provider payment")
)

// TokenSource hands out a valid seller access token, refreshing it first
// when needed.
type TokenSource interface {
	AccessToken(ctx context.Context, acct *tenant.Account) (string, *tenant.Account, error)
}

// Resolution is the outcome of a successful resolve.
type Resolution struct {
	Account     *tenant.Account
	Transaction *payment.Transaction
	// Payment is the seller-scoped snapshot.
	Payment *provider.Payment
}

// Resolver resolves notifications in discovery then seller-scoped order.
type Resolver struct {
	gateways provider.Registry
	accounts tenant.Repository
	txs      payment.Repository
	tokens   TokenSource
	// platform holds the credential used for discovery fetches.
	platform map[provider.Name]provider.Scope
	logger   *slog.Logger
}

// New creates a Resolver. platform maps each provider to its platform-level
// credential; Stripe may leave it empty to use the client's secret key.
func New(gateways provider.Registry, accounts tenant.Repository, txs payment.Repository, tokens TokenSource, platform map[provider.Name]provider.Scope, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if platform == nil {
		platform = map[provider.Name]provider.Scope{}
	}
	return &Resolver{
		gateways: gateways,
		accounts: accounts,
		txs:      txs,
		tokens:   tokens,
		platform: platform,
		logger:   logger,
	}
}

// Resolve finds the tenant and transaction a notification refers to.
//
// The payment is first fetched with the platform credential to learn its
// collector. The collector selects the tenant account; when no account
// matches, the external reference selects the transaction and its owner
// selects the account. The payment is then fetched again with the seller's
// own credential, and that snapshot's external reference or payment id
// selects the transaction.
func (r *Resolver) Resolve(ctx context.Context, n provider.Notification) (res *Resolution, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "resolver.resolve")
	defer func() { endSpan(err) }()

	gw, err := r.gateways.Get(n.Provider)
	if err != nil {
		return nil, err
	}
	if n.DataID == "" {
		return nil, fmt.Errorf("%w: notification %s carries no payment id", ErrTransactionUnresolved, n.ID)
	}
	logger := r.logger.With(
		slog.String("provider", string(n.Provider)),
		slog.String("notification_id", n.ID),
		slog.String("data_id", n.DataID),
	)

	discovery := r.platform[n.Provider]
	if n.AccountID != "" {
		discovery.AccountID = n.AccountID
	}
	discovered, err := provider.Fetch(ctx, gw, discovery, n.Kind, n.DataID)
	if errors.Is(err, provider.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s %s not found", ErrTransactionUnresolved, n.Kind, n.DataID)
	}
	if err != nil {
		return nil, fmt.Errorf("discovery fetch: %w", err)
	}

	collector := discovered.CollectorID
	if collector == "" {
		collector = n.AccountID
	}

	var fallbackTx *payment.Transaction
	acct, err := r.accounts.GetByProviderUserID(ctx, n.Provider, collector)
	switch {
	case err == nil:
	case errors.Is(err, tenant.ErrAccountNotFound):
		acct, fallbackTx, err = r.byExternalReference(ctx, n.Provider, discovered.ExternalReference)
		if err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "tenant resolved through external reference",
			slog.String("collector_id", collector),
			slog.String("tenant_id", acct.TenantID),
		)
	default:
		return nil, fmt.Errorf("lookup account by collector: %w", err)
	}

	tenantID := acct.TenantID
	token, acct, err := r.tokens.AccessToken(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("seller credential for tenant %s: %w", tenantID, err)
	}
	seller, err := provider.Fetch(ctx, gw, provider.Scope{AccessToken: token}, n.Kind, n.DataID)
	if err != nil {
		return nil, fmt.Errorf("seller-scoped fetch: %w", err)
	}

	tx, err := r.transactionFor(ctx, n.Provider, seller)
	if errors.Is(err, ErrTransactionUnresolved) && fallbackTx != nil {
		tx, err = fallbackTx, nil
	}
	if err != nil {
		return nil, err
	}
	if tx.TenantID != acct.TenantID || tx.Provider != n.Provider {
		return nil, fmt.Errorf("%w: transaction %s belongs to another tenant or provider", ErrTransactionUnresolved, tx.ID)
	}

	return &Resolution{Account: acct, Transaction: tx, Payment: seller}, nil
}

func (r *Resolver) byExternalReference(ctx context.Context, p provider.Name, ref string) (*tenant.Account, *payment.Transaction, error) {
	if ref == "" {
		return nil, nil, fmt.Errorf("%w: unknown collector and no external reference", ErrTenantUnresolved)
	}
	tx, err := r.txs.GetByExternalReference(ctx, ref)
	if errors.Is(err, payment.ErrTransactionNotFound) {
		return nil, nil, fmt.Errorf("%w: unknown collector and external reference %q", ErrTenantUnresolved, ref)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup transaction by external reference: %w", err)
	}
	if tx.Provider != p {
		return nil, nil, fmt.Errorf("%w: external reference %q belongs to a %s transaction", ErrTenantUnresolved, ref, tx.Provider)
	}

	acct, err := r.accounts.GetByTenant(ctx, tx.TenantID, p)
	if errors.Is(err, tenant.ErrAccountNotFound) {
		return nil, nil, fmt.Errorf("%w: tenant %s has no %s account", ErrTenantUnresolved, tx.TenantID, p)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup account by tenant: %w", err)
	}
	return acct, tx, nil
}

func (r *Resolver) transactionFor(ctx context.Context, p provider.Name, seller *provider.Payment) (*payment.Transaction, error) {
	if seller.ExternalReference != "" {
		tx, err := r.txs.GetByExternalReference(ctx, seller.ExternalReference)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, payment.ErrTransactionNotFound) {
			return nil, fmt.Errorf("lookup transaction by external reference: %w", err)
		}
	}
	if seller.ID != "" {
		tx, err := r.txs.GetByProviderPaymentID(ctx, p, seller.ID)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, payment.ErrTransactionNotFound) {
			return nil, fmt.Errorf("lookup transaction by payment id: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: external reference %q, payment %q", ErrTransactionUnresolved, seller.ExternalReference, seller.ID)
}

// FetchForTransaction fetches the seller-scoped payment bound to tx.
func (r *Resolver) FetchForTransaction(ctx context.Context, tx *payment.Transaction) (res *Resolution, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "resolver.fetch_for_transaction")
	defer func() { endSpan(err) }()

	if tx.ProviderPaymentID == "" {
		return nil, ErrNoProviderPayment
	}
	gw, err := r.gateways.Get(tx.Provider)
	if err != nil {
		return nil, err
	}
	acct, err := r.accounts.GetByTenant(ctx, tx.TenantID, tx.Provider)
	if errors.Is(err, tenant.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: tenant %s has no %s account", ErrTenantUnresolved, tx.TenantID, tx.Provider)
	}
	if err != nil {
		return nil, err
	}

	token, acct, err := r.tokens.AccessToken(ctx, acct)
	if err != nil {
		return nil, err
	}
	p, err := gw.FetchPayment(ctx, provider.Scope{AccessToken: token}, tx.ProviderPaymentID)
	if err != nil {
		return nil, err
	}
	return &Resolution{Account: acct, Transaction: tx, Payment: p}, nil
}
