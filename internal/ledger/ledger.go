package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/slotpay/internal/provider"
	"github.com/onnwee/slotpay/internal/tracing"
)

// archiveTimeout bounds the payload archive upload inside the webhook request.
const archiveTimeout = 5 * time.Second

// Ledger deduplicates inbound notifications and records their outcome.
type Ledger struct {
	repo     Repository
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Ledger. archiver may be nil to disable payload archiving.
func New(repo Repository, archiver Archiver, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		repo:     repo,
		archiver: archiver,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the ledger's time source.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// RecordIncoming finds or creates the ledger row for a delivery. duplicate
// is true when the notification was already processed; callers acknowledge
// it without processing.
func (l *Ledger) RecordIncoming(ctx context.Context, in Incoming) (ev *Event, duplicate bool, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "ledger.record_incoming")
	defer func() { endSpan(err) }()

	if in.Notification.ID == "" {
		return nil, false, fmt.Errorf("record %s notification: empty notification id", in.Notification.Provider)
	}

	ev, duplicate, err = l.repo.Record(ctx, newEvent(in, l.now().UTC()))
	if err != nil {
		return nil, false, err
	}
	if duplicate {
		l.logger.DebugContext(ctx, "duplicate notification",
			slog.String("event_id", ev.ID),
			slog.String("provider", string(ev.Provider)),
			slog.String("notification_id", ev.NotificationID),
		)
		return ev, true, nil
	}

	if ev.Attempts > 1 {
		l.logger.InfoContext(ctx, "notification redelivered before completion",
			slog.String("event_id", ev.ID),
			slog.String("notification_id", ev.NotificationID),
			slog.Int("attempts", ev.Attempts),
		)
	}
	l.archive(ctx, ev)
	return ev, false, nil
}

func (l *Ledger) archive(ctx context.Context, ev *Event) {
	if l.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	if err := l.archiver.Archive(ctx, ev); err != nil {
		l.logger.WarnContext(ctx, "failed to archive notification payload",
			slog.String("event_id", ev.ID),
			slog.String("notification_id", ev.NotificationID),
			slog.String("error", err.Error()),
		)
	}
}

// MarkTerminal stores the outcome of a processing attempt.
func (l *Ledger) MarkTerminal(ctx context.Context, ev *Event, outcome Outcome) error {
	status, errText := StatusProcessed, ""
	if outcome.Err != nil {
		status, errText = StatusFailed, outcome.Err.Error()
	}

	at := l.now().UTC()
	if err := l.repo.Finish(ctx, ev.ID, status, errText, outcome.TenantID, at); err != nil {
		return fmt.Errorf("mark event %s %s: %w", ev.ID, status, err)
	}

	ev.Status = status
	ev.Error = errText
	if outcome.TenantID != "" {
		ev.TenantID = outcome.TenantID
	}
	ev.UpdatedAt = at
	ev.ProcessedAt = &at
	return nil
}

// Get returns an event by ledger id.
func (l *Ledger) Get(ctx context.Context, id string) (*Event, error) {
	return l.repo.GetByID(ctx, id)
}

// Find returns the event recorded for a provider notification id.
func (l *Ledger) Find(ctx context.Context, p provider.Name, notificationID string) (*Event, error) {
	return l.repo.Find(ctx, p, notificationID)
}

// Stale returns received events that have not been touched for olderThan.
func (l *Ledger) Stale(ctx context.Context, olderThan time.Duration, limit int) ([]*Event, error) {
	return l.repo.ListReceived(ctx, l.now().Add(-olderThan), limit)
}
