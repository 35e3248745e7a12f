// Package credential keeps seller OAuth tokens usable. Refreshes are
// serialized per account through a version-guarded claim in the tenant
// store, so only one worker across all instances calls the provider while
// the others wait for its result.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/slotpay/internal/jobs"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/tenant"
	"github.com/onnwee/slotpay/internal/tracing"
)

// Credential errors.
var (
	// ErrCredentialRevoked means the seller must reconnect the account.
	ErrCredentialRevoked = errors.New("provider credential revoked")
	// ErrRefreshTimeout means a concurrent refresh did not finish in time.
	ErrRefreshTimeout = errors.New("timed out waiting for token refresh")
	// ErrInvalidConnect means the authorization grant did not identify a seller.
	ErrInvalidConnect = errors.New("authorization grant returned no provider user")
)

const (
	// expirySkew treats tokens expiring this soon as already expired.
	expirySkew = 120 * time.Second
	// expiryMargin is subtracted from the lifetime the provider reports.
	expiryMargin    = 300 * time.Second
	minimumLifetime = 60 * time.Second
)

// Config controls refresh behaviour.
type Config struct {
	// DefaultTokenTTL applies when the provider does not report expires_in.
	DefaultTokenTTL time.Duration
	// LeaseDuration bounds how long a refresh claim blocks other workers.
	LeaseDuration time.Duration
	// PollInterval is how often a waiting worker reloads the account.
	PollInterval time.Duration
	// WaitTimeout caps how long a waiting worker polls.
	WaitTimeout time.Duration
	// RetryBackoff is the pause before retrying a transient refresh failure.
	RetryBackoff time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTokenTTL: 30 * 24 * time.Hour,
		LeaseDuration:   30 * time.Second,
		PollInterval:    200 * time.Millisecond,
		WaitTimeout:     15 * time.Second,
		RetryBackoff:    250 * time.Millisecond,
	}
}

// Manager refreshes and stores seller credentials.
type Manager struct {
	accounts tenant.Repository
	gateways provider.Registry
	cfg      Config
	logger   *slog.Logger
	metrics  *jobs.Metrics
	now      func() time.Time
}

// NewManager creates a credential manager. Zero Config fields take defaults.
func NewManager(accounts tenant.Repository, gateways provider.Registry, cfg Config, logger *slog.Logger, metrics *jobs.Metrics) *Manager {
	def := DefaultConfig()
	if cfg.DefaultTokenTTL <= 0 {
		cfg.DefaultTokenTTL = def.DefaultTokenTTL
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		accounts: accounts,
		gateways: gateways,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// SetClock replaces the clock used for expiry decisions.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// EnsureValidToken returns acct unchanged when its token is valid for at
// least two more minutes, otherwise a refreshed copy.
func (m *Manager) EnsureValidToken(ctx context.Context, acct *tenant.Account) (*tenant.Account, error) {
	if acct.Disconnected() {
		return nil, fmt.Errorf("account %s: %w", acct.ID, ErrCredentialRevoked)
	}
	if acct.TokenValid(m.now(), expirySkew) {
		return acct, nil
	}
	return m.refresh(ctx, acct, false)
}

// Refresh obtains a new access token even when the current one is still
// valid. A refresh completed by another worker meanwhile counts.
func (m *Manager) Refresh(ctx context.Context, acct *tenant.Account) (*tenant.Account, error) {
	return m.refresh(ctx, acct, true)
}

// AccessToken returns a usable access token for acct.
func (m *Manager) AccessToken(ctx context.Context, acct *tenant.Account) (string, *tenant.Account, error) {
	current, err := m.EnsureValidToken(ctx, acct)
	if err != nil {
		return "", nil, err
	}
	return current.AccessToken, current, nil
}

func (m *Manager) refresh(ctx context.Context, acct *tenant.Account, force bool) (*tenant.Account, error) {
	deadline := time.Now().Add(m.cfg.WaitTimeout)
	current := acct

	for {
		now := m.now()
		if current.Disconnected() {
			return nil, fmt.Errorf("account %s: %w", current.ID, ErrCredentialRevoked)
		}
		if !force && current.TokenValid(now, expirySkew) {
			return current, nil
		}

		if !current.RefreshLeased(now) {
			won, err := m.accounts.ClaimRefresh(ctx, current.ID, current.Version, now.Add(m.cfg.LeaseDuration))
			if err != nil {
				return nil, fmt.Errorf("claim refresh for account %s: %w", current.ID, err)
			}
			if won {
				return m.performRefresh(ctx, current, current.Version+1)
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("account %s: %w", current.ID, ErrRefreshTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}

		reloaded, err := m.accounts.GetByID(ctx, current.ID)
		if err != nil {
			return nil, fmt.Errorf("reload account %s: %w", current.ID, err)
		}
		if reloaded.Version != current.Version && !reloaded.RefreshLeased(m.now()) {
			// Another worker finished a refresh; its token is as fresh as ours would be.
			force = false
		}
		current = reloaded
	}
}

// performRefresh runs with the claim held at claimedVersion.
func (m *Manager) performRefresh(ctx context.Context, acct *tenant.Account, claimedVersion int64) (_ *tenant.Account, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "credential_refresh")
	defer func() { endSpan(err) }()

	start := time.Now()
	defer func() {
		m.metrics.ObserveJobDuration(jobs.JobTypeTokenRefresh, time.Since(start).Seconds())
	}()

	logger := m.logger.With("account_id", acct.ID, "tenant_id", acct.TenantID, "provider", string(acct.Provider))

	if acct.RefreshToken == "" {
		return nil, m.revoke(ctx, acct, logger, errors.New("no refresh token stored"))
	}
	gw, err := m.gateways.Get(acct.Provider)
	if err != nil {
		m.release(ctx, acct, claimedVersion, logger)
		return nil, err
	}

	tokens, err := m.callRefresh(ctx, gw, acct.RefreshToken)
	if err != nil {
		m.metrics.IncTokenRefreshes(string(acct.Provider), jobs.StatusFailure)
		if errors.Is(err, provider.ErrInvalidGrant) {
			return nil, m.revoke(ctx, acct, logger, err)
		}
		m.release(ctx, acct, claimedVersion, logger)
		logger.WarnContext(ctx, "token refresh failed", "error", err)
		return nil, fmt.Errorf("refresh token for account %s: %w", acct.ID, err)
	}
	m.metrics.IncTokenRefreshes(string(acct.Provider), jobs.StatusSuccess)

	creds := tenant.Credentials{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    m.expiry(tokens.ExpiresIn),
	}
	if err := m.accounts.StoreCredentials(ctx, acct.ID, claimedVersion, creds); err != nil {
		return nil, fmt.Errorf("store refreshed credentials for account %s: %w", acct.ID, err)
	}

	updated := *acct
	updated.AccessToken = creds.AccessToken
	if creds.RefreshToken != "" {
		updated.RefreshToken = creds.RefreshToken
	}
	updated.TokenExpiresAt = &creds.ExpiresAt
	updated.RefreshLeaseUntil = nil
	updated.Version = claimedVersion + 1

	logger.InfoContext(ctx, "token refreshed", "expires_at", creds.ExpiresAt)
	return &updated, nil
}

// callRefresh calls the provider, retrying a transient failure once.
func (m *Manager) callRefresh(ctx context.Context, gw provider.Gateway, refreshToken string) (*provider.TokenSet, error) {
	tokens, err := gw.RefreshToken(ctx, refreshToken)
	if err == nil || !provider.IsTransient(err) {
		return tokens, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.cfg.RetryBackoff):
	}
	return gw.RefreshToken(ctx, refreshToken)
}

func (m *Manager) revoke(ctx context.Context, acct *tenant.Account, logger *slog.Logger, cause error) error {
	logger.WarnContext(ctx, "provider credential revoked, disabling payments", "error", cause)
	if err := m.accounts.MarkDisconnected(ctx, acct.ID, m.now()); err != nil {
		logger.ErrorContext(ctx, "failed to mark account disconnected", "error", err)
	}
	return fmt.Errorf("account %s: %w", acct.ID, ErrCredentialRevoked)
}

func (m *Manager) release(ctx context.Context, acct *tenant.Account, claimedVersion int64, logger *slog.Logger) {
	if err := m.accounts.ReleaseRefresh(ctx, acct.ID, claimedVersion); err != nil {
		logger.ErrorContext(ctx, "failed to release refresh claim", "error", err)
	}
}

// expiry computes the stored expiry for a token issued now.
func (m *Manager) expiry(expiresIn time.Duration) time.Time {
	if expiresIn <= 0 {
		return m.now().Add(m.cfg.DefaultTokenTTL)
	}
	lifetime := expiresIn - expiryMargin
	if lifetime < minimumLifetime {
		lifetime = minimumLifetime
	}
	return m.now().Add(lifetime)
}

// ConnectRequest carries an OAuth authorization code returned to the
// platform after a seller granted access.
type ConnectRequest struct {
	TenantID    string
	Provider    provider.Name
	Code        string
	RedirectURI string
}

// Connect exchanges an authorization code and stores the resulting account.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) (_ *tenant.Account, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "credential_connect")
	defer func() { endSpan(err) }()

	gw, err := m.gateways.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	tokens, err := gw.ExchangeCode(ctx, req.Code, req.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	if tokens.UserID == "" {
		return nil, ErrInvalidConnect
	}

	expiresAt := m.expiry(tokens.ExpiresIn)
	acct, err := m.accounts.Upsert(ctx, &tenant.Account{
		TenantID:       req.TenantID,
		Provider:       req.Provider,
		ProviderUserID: tokens.UserID,
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		TokenExpiresAt: &expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("store connected account: %w", err)
	}

	m.logger.InfoContext(ctx, "seller account connected",
		"tenant_id", req.TenantID,
		"provider", string(req.Provider),
		"provider_user_id", tokens.UserID,
	)
	return acct, nil
}

// Disconnect disables the account a provider reported as deauthorized. It
// returns tenant.ErrAccountNotFound when no account matches.
func (m *Manager) Disconnect(ctx context.Context, p provider.Name, providerUserID string) (*tenant.Account, error) {
	acct, err := m.accounts.GetByProviderUserID(ctx, p, providerUserID)
	if err != nil {
		return nil, err
	}
	if acct.Disconnected() {
		return acct, nil
	}
	if err := m.accounts.MarkDisconnected(ctx, acct.ID, m.now()); err != nil {
		return nil, fmt.Errorf("mark account %s disconnected: %w", acct.ID, err)
	}
	m.logger.InfoContext(ctx, "seller account deauthorized",
		"tenant_id", acct.TenantID,
		"provider", string(p),
	)
	return m.accounts.GetByID(ctx, acct.ID)
}
