package payment

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
	"github.com/shopspring/decimal"
)

const transactionColumns = `id, tenant_id, provider, provider_payment_id, external_reference,
	amount, currency, status, legacy_status, realized_amount, refunded_amount,
	status_event_at, created_at, updated_at`

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a transaction repository backed by conn.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// Create inserts a transaction.
func (r *PostgresRepository) Create(ctx context.Context, tx *Transaction) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "transactions", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Status == "" {
		tx.Status = StatusPending
	}
	tx.LegacyStatus = tx.Status.Legacy()

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO transactions (id, tenant_id, provider, provider_payment_id, external_reference,
			amount, currency, status, legacy_status)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		tx.ID, tx.TenantID, string(tx.Provider), tx.ProviderPaymentID, tx.ExternalReference,
		tx.Amount, tx.Currency, string(tx.Status), string(tx.LegacyStatus),
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicateExternalReference
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByID retrieves a transaction by ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Transaction, error) {
	return r.getOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
}

// GetByExternalReference retrieves a transaction by its external reference.
func (r *PostgresRepository) GetByExternalReference(ctx context.Context, ref string) (*Transaction, error) {
	return r.getOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE external_reference = $1`, ref)
}

// GetByProviderPaymentID retrieves a transaction by the provider payment bound to it.
func (r *PostgresRepository) GetByProviderPaymentID(ctx context.Context, p provider.Name, paymentID string) (*Transaction, error) {
	return r.getOne(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE provider = $1 AND provider_payment_id = $2`, string(p), paymentID)
}

// ApplyStatus applies a transition with one conditional UPDATE. The WHERE
// clause carries the ordering, payment binding and no-op checks, so
// concurrent handlers cannot lose each other's updates.
func (r *PostgresRepository) ApplyStatus(ctx context.Context, id string, change StatusChange) (applied bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "transactions", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET
			status = $2,
			legacy_status = $3,
			provider_payment_id = COALESCE(provider_payment_id, NULLIF($4, '')),
			realized_amount = COALESCE($5::numeric, realized_amount),
			refunded_amount = COALESCE($6::numeric, refunded_amount),
			status_event_at = $7,
			updated_at = NOW()
		WHERE id = $1
			AND (status_event_at IS NULL OR status_event_at <= $7)
			AND (provider_payment_id IS NULL OR $4 = '' OR provider_payment_id = $4)
			AND (
				status <> $2
				OR (provider_payment_id IS NULL AND $4 <> '')
				OR ($5::numeric IS NOT NULL AND realized_amount IS DISTINCT FROM $5::numeric)
				OR ($6::numeric IS NOT NULL AND refunded_amount <> $6::numeric)
			)`,
		id, string(change.Status), string(change.Status.Legacy()), change.ProviderPaymentID,
		nullableDecimal(change.RealizedAmount), nullableDecimal(change.RefundedAmount), change.EventAt,
	)
	if err != nil {
		return false, fmt.Errorf("apply transaction status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply transaction status: %w", err)
	}
	if rows > 0 {
		return true, nil
	}

	// Nothing written: tell a stale or no-op change apart from a missing row
	// or a payment binding conflict.
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if current.ProviderPaymentID != "" && change.ProviderPaymentID != "" && current.ProviderPaymentID != change.ProviderPaymentID {
		return false, ErrPaymentIDConflict
	}
	return false, nil
}

// AddRefund locks the row and increments the refunded total in one
// transaction. The new status is derived from the stored sum, so concurrent
// refunds each add their share.
func (r *PostgresRepository) AddRefund(ctx context.Context, id string, amount decimal.Decimal, at time.Time) (previous Status, updated *Transaction, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "transactions", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	dbtx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return "", nil, fmt.Errorf("begin refund update: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	var current string
	err = dbtx.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, ErrTransactionNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("lock transaction: %w", err)
	}

	updated, err = scanTransaction(dbtx.QueryRowContext(ctx, `
		UPDATE transactions SET
			refunded_amount = refunded_amount + $2::numeric,
			realized_amount = refunded_amount + $2::numeric,
			status = CASE WHEN refunded_amount + $2::numeric >= amount THEN $3 ELSE $4 END,
			legacy_status = CASE WHEN refunded_amount + $2::numeric >= amount THEN $5 ELSE $6 END,
			status_event_at = GREATEST(COALESCE(status_event_at, $7), $7),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+transactionColumns,
		id, amount.String(),
		string(StatusRefunded), string(StatusPartiallyRefunded),
		string(StatusRefunded.Legacy()), string(StatusPartiallyRefunded.Legacy()),
		at,
	))
	if err != nil {
		return "", nil, fmt.Errorf("add refund: %w", err)
	}
	if err := dbtx.Commit(); err != nil {
		return "", nil, fmt.Errorf("commit refund update: %w", err)
	}
	return Status(current), updated, nil
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, args ...any) (tx *Transaction, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "transactions", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	tx, err = scanTransaction(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query transaction: %w", err)
	}
	return tx, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		tx            Transaction
		providerName  string
		paymentID     sql.NullString
		status        string
		legacy        string
		statusEventAt sql.NullTime
	)
	err := row.Scan(
		&tx.ID, &tx.TenantID, &providerName, &paymentID, &tx.ExternalReference,
		&tx.Amount, &tx.Currency, &status, &legacy, &tx.RealizedAmount, &tx.RefundedAmount,
		&statusEventAt, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Provider = provider.Name(providerName)
	tx.ProviderPaymentID = paymentID.String
	tx.Status = Status(status)
	tx.LegacyStatus = LegacyStatus(legacy)
	if statusEventAt.Valid {
		at := statusEventAt.Time
		tx.StatusEventAt = &at
	}
	return &tx, nil
}

func nullableDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}
