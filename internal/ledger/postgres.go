package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/tracing"
)

const eventColumns = `id, provider, notification_id, topic, action, kind, data_id, account_id,
	event_time, status, tenant_id, payload, error, attempts, received_at, updated_at, processed_at`

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a ledger repository backed by conn.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// Record upserts on (provider, notification_id). The conflict branch only
// fires for rows that are not yet processed; when it does not fire the
// existing row is a duplicate.
func (r *PostgresRepository) Record(ctx context.Context, ev *Event) (stored *Event, duplicate bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "inbound_events", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	id := ev.ID
	if id == "" {
		id = uuid.New().String()
	}

	stored, err = scanEvent(r.db.QueryRowContext(ctx, `
		INSERT INTO inbound_events (id, provider, notification_id, topic, action, kind, data_id,
			account_id, event_time, status, payload, attempts, received_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'received', $10, 1, $11, $11)
		ON CONFLICT (provider, notification_id) DO UPDATE SET
			topic = EXCLUDED.topic,
			action = EXCLUDED.action,
			kind = EXCLUDED.kind,
			data_id = EXCLUDED.data_id,
			account_id = EXCLUDED.account_id,
			event_time = COALESCE(EXCLUDED.event_time, inbound_events.event_time),
			payload = EXCLUDED.payload,
			status = 'received',
			error = '',
			attempts = inbound_events.attempts + 1,
			updated_at = EXCLUDED.updated_at
		WHERE inbound_events.status <> 'processed'
		RETURNING `+eventColumns,
		id, string(ev.Provider), ev.NotificationID, ev.Topic, ev.Action, string(ev.Kind), ev.DataID,
		ev.AccountID, nullTime(ev.EventTime), []byte(ev.Payload), ev.ReceivedAt,
	))
	if err == nil {
		return stored, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("record inbound event: %w", err)
	}

	existing, err := r.Find(ctx, ev.Provider, ev.NotificationID)
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

// GetByID implements Repository.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Event, error) {
	return r.getOne(ctx, `SELECT `+eventColumns+` FROM inbound_events WHERE id = $1`, id)
}

// Find implements Repository.
func (r *PostgresRepository) Find(ctx context.Context, p provider.Name, notificationID string) (*Event, error) {
	return r.getOne(ctx, `SELECT `+eventColumns+` FROM inbound_events
		WHERE provider = $1 AND notification_id = $2`, string(p), notificationID)
}

// Finish implements Repository.
func (r *PostgresRepository) Finish(ctx context.Context, id string, status Status, errText, tenantID string, at time.Time) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "inbound_events", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `
		UPDATE inbound_events SET
			status = $2,
			error = $3,
			tenant_id = COALESCE(NULLIF($4, ''), tenant_id),
			updated_at = $5,
			processed_at = $5
		WHERE id = $1`,
		id, string(status), errText, tenantID, at,
	)
	if err != nil {
		return fmt.Errorf("finish inbound event: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish inbound event: %w", err)
	}
	if rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

// ListReceived implements Repository.
func (r *PostgresRepository) ListReceived(ctx context.Context, olderThan time.Time, limit int) (events []*Event, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "inbound_events", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM inbound_events
		WHERE status = 'received' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list received events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inbound event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list received events: %w", err)
	}
	return events, nil
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, args ...any) (ev *Event, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "inbound_events", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	ev, err = scanEvent(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query inbound event: %w", err)
	}
	return ev, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev           Event
		providerName string
		kind         string
		status       string
		tenantID     sql.NullString
		payload      []byte
		eventTime    sql.NullTime
		processedAt  sql.NullTime
	)
	err := row.Scan(
		&ev.ID, &providerName, &ev.NotificationID, &ev.Topic, &ev.Action, &kind, &ev.DataID,
		&ev.AccountID, &eventTime, &status, &tenantID, &payload, &ev.Error, &ev.Attempts,
		&ev.ReceivedAt, &ev.UpdatedAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Provider = provider.Name(providerName)
	ev.Kind = provider.Kind(kind)
	ev.Status = Status(status)
	ev.TenantID = tenantID.String
	ev.Payload = payload
	if eventTime.Valid {
		at := eventTime.Time
		ev.EventTime = &at
	}
	if processedAt.Valid {
		at := processedAt.Time
		ev.ProcessedAt = &at
	}
	return &ev, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
