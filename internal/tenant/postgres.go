package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/slotpay/internal/db"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/tracing"
)

const accountColumns = `id, tenant_id, provider, provider_user_id, access_token, refresh_token,
	token_expires_at, payments_enabled, disconnected_at, version, refresh_lease_until,
	created_at, updated_at`

// PostgresRepository implements Repository on PostgreSQL. Tokens are sealed
// before they are written and opened when read.
type PostgresRepository struct {
	db     *sql.DB
	sealer *Sealer
}

// NewPostgresRepository creates a tenant repository backed by conn.
func NewPostgresRepository(conn *sql.DB, sealer *Sealer) *PostgresRepository {
	return &PostgresRepository{db: conn, sealer: sealer}
}

// GetByID retrieves an account by ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM tenant_accounts WHERE id = $1`, id)
}

// GetByTenant retrieves the account a tenant connected on a provider.
func (r *PostgresRepository) GetByTenant(ctx context.Context, tenantID string, p provider.Name) (*Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM tenant_accounts
		WHERE tenant_id = $1 AND provider = $2`, tenantID, string(p))
}

// GetByProviderUserID retrieves an account by its provider-side user id.
func (r *PostgresRepository) GetByProviderUserID(ctx context.Context, p provider.Name, userID string) (*Account, error) {
	if userID == "" {
		return nil, ErrAccountNotFound
	}
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM tenant_accounts
		WHERE provider = $1 AND provider_user_id = $2`, string(p), userID)
}

// Upsert stores a freshly connected account.
func (r *PostgresRepository) Upsert(ctx context.Context, acct *Account) (stored *Account, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "tenant_accounts", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	access, refresh, err := r.seal(acct.AccessToken, acct.RefreshToken)
	if err != nil {
		return nil, err
	}
	id := acct.ID
	if id == "" {
		id = uuid.New().String()
	}

	stored, err = r.scan(r.db.QueryRowContext(ctx, `
		INSERT INTO tenant_accounts (id, tenant_id, provider, provider_user_id, access_token,
			refresh_token, token_expires_at, payments_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			provider_user_id = EXCLUDED.provider_user_id,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expires_at = EXCLUDED.token_expires_at,
			payments_enabled = TRUE,
			disconnected_at = NULL,
			refresh_lease_until = NULL,
			version = tenant_accounts.version + 1,
			updated_at = NOW()
		RETURNING `+accountColumns,
		id, acct.TenantID, string(acct.Provider), acct.ProviderUserID, access, refresh, acct.TokenExpiresAt,
	))
	if db.IsUniqueViolation(err) {
		return nil, ErrDuplicateAccount
	}
	if err != nil {
		return nil, fmt.Errorf("upsert tenant account: %w", err)
	}
	return stored, nil
}

// ClaimRefresh takes the refresh claim when version matches.
func (r *PostgresRepository) ClaimRefresh(ctx context.Context, id string, version int64, leaseUntil time.Time) (bool, error) {
	rows, err := r.exec(ctx, `
		UPDATE tenant_accounts
		SET version = version + 1, refresh_lease_until = $3, updated_at = NOW()
		WHERE id = $1 AND version = $2`,
		id, version, leaseUntil)
	if err != nil {
		return false, fmt.Errorf("claim token refresh: %w", err)
	}
	return rows == 1, nil
}

// StoreCredentials persists refreshed tokens and releases the claim. An
// empty refresh token keeps the stored one.
func (r *PostgresRepository) StoreCredentials(ctx context.Context, id string, claimedVersion int64, creds Credentials) error {
	access, refresh, err := r.seal(creds.AccessToken, creds.RefreshToken)
	if err != nil {
		return err
	}
	rows, err := r.exec(ctx, `
		UPDATE tenant_accounts SET
			access_token = $3,
			refresh_token = COALESCE(NULLIF($4, ''), refresh_token),
			token_expires_at = $5,
			refresh_lease_until = NULL,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2`,
		id, claimedVersion, access, refresh, creds.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ReleaseRefresh drops a claim after a failed refresh.
func (r *PostgresRepository) ReleaseRefresh(ctx context.Context, id string, claimedVersion int64) error {
	rows, err := r.exec(ctx, `
		UPDATE tenant_accounts
		SET refresh_lease_until = NULL, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2`,
		id, claimedVersion)
	if err != nil {
		return fmt.Errorf("release token refresh: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	return nil
}

// MarkDisconnected disables payments for the account.
func (r *PostgresRepository) MarkDisconnected(ctx context.Context, id string, at time.Time) error {
	rows, err := r.exec(ctx, `
		UPDATE tenant_accounts SET
			payments_enabled = FALSE,
			disconnected_at = $2,
			refresh_lease_until = NULL,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("mark tenant disconnected: %w", err)
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) (rows int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "tenant_accounts", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, args ...any) (acct *Account, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "tenant_accounts", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	acct, err = r.scan(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant account: %w", err)
	}
	return acct, nil
}

func (r *PostgresRepository) scan(row *sql.Row) (*Account, error) {
	var (
		acct         Account
		providerName string
		access       string
		refresh      string
		expiresAt    sql.NullTime
		disconnected sql.NullTime
		lease        sql.NullTime
	)
	err := row.Scan(
		&acct.ID, &acct.TenantID, &providerName, &acct.ProviderUserID, &access, &refresh,
		&expiresAt, &acct.PaymentsEnabled, &disconnected, &acct.Version, &lease,
		&acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	acct.Provider = provider.Name(providerName)
	acct.TokenExpiresAt = nullTime(expiresAt)
	acct.DisconnectedAt = nullTime(disconnected)
	acct.RefreshLeaseUntil = nullTime(lease)

	if acct.AccessToken, err = r.sealer.Open(access); err != nil {
		return nil, fmt.Errorf("open access token for account %s: %w", acct.ID, err)
	}
	if acct.RefreshToken, err = r.sealer.Open(refresh); err != nil {
		return nil, fmt.Errorf("open refresh token for account %s: %w", acct.ID, err)
	}
	return &acct, nil
}

func (r *PostgresRepository) seal(access, refresh string) (string, string, error) {
	sealedAccess, err := r.sealer.Seal(access)
	if err != nil {
		return "", "", fmt.Errorf("seal access token: %w", err)
	}
	sealedRefresh, err := r.sealer.Seal(refresh)
	if err != nil {
		return "", "", fmt.Errorf("seal refresh token: %w", err)
	}
	return sealedAccess, sealedRefresh, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
