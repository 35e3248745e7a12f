// Package ledger records every inbound provider notification so that
// redeliveries are detected and each notification's outcome is auditable.
package ledger

import (
	"encoding/json"
	"time"

	"github.com/onnwee/slotpay/internal/provider"
)

// Status is the processing state of an inbound event.
type Status string

// Event statuses.
const (
	StatusReceived  Status = "received"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Event is a ledger row: one per (provider, notification id).
type Event struct {
	ID             string          `json:"id"`
	Provider       provider.Name   `json:"provider"`
	NotificationID string          `json:"notification_id"`
	Topic          string          `json:"topic,omitempty"`
	Action         string          `json:"action,omitempty"`
	Kind           provider.Kind   `json:"kind"`
	DataID         string          `json:"data_id,omitempty"`
	AccountID      string          `json:"account_id,omitempty"`
	EventTime      *time.Time      `json:"event_time,omitempty"`
	Status         Status          `json:"status"`
	TenantID       string          `json:"tenant_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Error          string          `json:"error,omitempty"`
	Attempts       int             `json:"attempts"`
	ReceivedAt     time.Time       `json:"received_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// Notification rebuilds the parsed notification the event was recorded from.
func (e *Event) Notification() provider.Notification {
	n := provider.Notification{
		Provider:  e.Provider,
		ID:        e.NotificationID,
		Topic:     e.Topic,
		Action:    e.Action,
		Kind:      e.Kind,
		DataID:    e.DataID,
		AccountID: e.AccountID,
	}
	if e.EventTime != nil {
		n.EventTime = *e.EventTime
	}
	return n
}

// Incoming is a verified delivery about to be recorded.
type Incoming struct {
	Notification provider.Notification
	Payload      []byte
}

// Outcome is the result of one processing attempt.
type Outcome struct {
	// Err is nil when the attempt succeeded.
	Err      error
	TenantID string
}

func newEvent(in Incoming, now time.Time) *Event {
	n := in.Notification
	ev := &Event{
		Provider:       n.Provider,
		NotificationID: n.ID,
		Topic:          n.Topic,
		Action:         n.Action,
		Kind:           n.Kind,
		DataID:         n.DataID,
		AccountID:      n.AccountID,
		Status:         StatusReceived,
		Payload:        append(json.RawMessage(nil), in.Payload...),
		Attempts:       1,
		ReceivedAt:     now,
		UpdatedAt:      now,
	}
	if !n.EventTime.IsZero() {
		at := n.EventTime
		ev.EventTime = &at
	}
	return ev
}

func copyEvent(ev *Event) *Event {
	copied := *ev
	copied.Payload = append(json.RawMessage(nil), ev.Payload...)
	if ev.EventTime != nil {
		at := *ev.EventTime
		copied.EventTime = &at
	}
	if ev.ProcessedAt != nil {
		at := *ev.ProcessedAt
		copied.ProcessedAt = &at
	}
	return &copied
}
