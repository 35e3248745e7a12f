package refund

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/tracing"
	"github.com/shopspring/decimal"
)

const recordColumns = `id, transaction_id, tenant_id, provider, payment_id, requested_amount,
	refunded_amount, provider_refund_id, status, failure_reason, idempotency_key, initiator,
	raw_response, created_at`

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a refund repository backed by conn.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// Append implements Repository.
func (r *PostgresRepository) Append(ctx context.Context, rec *Record) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "refund_records", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	var requested any
	if rec.RequestedAmount != nil {
		requested = rec.RequestedAmount.String()
	}
	var raw []byte
	if len(rec.RawResponse) > 0 {
		raw = rec.RawResponse
	}

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO refund_records (id, transaction_id, tenant_id, provider, payment_id,
			requested_amount, refunded_amount, provider_refund_id, status, failure_reason,
			idempotency_key, initiator, raw_response)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at`,
		rec.ID, rec.TransactionID, rec.TenantID, string(rec.Provider), rec.PaymentID,
		requested, rec.RefundedAmount, rec.ProviderRefundID, string(rec.Status), string(rec.FailureReason),
		rec.IdempotencyKey, rec.Initiator, raw,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert refund record: %w", err)
	}
	return nil
}

// ListByTransaction implements Repository, oldest first.
func (r *PostgresRepository) ListByTransaction(ctx context.Context, transactionID string) (records []*Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "refund_records", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM refund_records
		WHERE transaction_id = $1 ORDER BY created_at, id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list refund records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refund record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list refund records: %w", err)
	}
	return records, nil
}

// FindSucceeded implements Repository.
func (r *PostgresRepository) FindSucceeded(ctx context.Context, key string) (rec *Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "refund_records", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rec, err = scanRecord(r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM refund_records
		WHERE idempotency_key = $1 AND status = 'succeeded'
		ORDER BY created_at LIMIT 1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query refund record: %w", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec          Record
		providerName string
		requested    decimal.NullDecimal
		status       string
		reason       string
		raw          []byte
	)
	err := row.Scan(
		&rec.ID, &rec.TransactionID, &rec.TenantID, &providerName, &rec.PaymentID, &requested,
		&rec.RefundedAmount, &rec.ProviderRefundID, &status, &reason, &rec.IdempotencyKey,
		&rec.Initiator, &raw, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Provider = provider.Name(providerName)
	if requested.Valid {
		amount := requested.Decimal
		rec.RequestedAmount = &amount
	}
	rec.Status = RecordStatus(status)
	rec.FailureReason = Reason(reason)
	rec.RawResponse = raw
	return &rec, nil
}
