// Package events publishes applied payment status transitions to the
// booking side of the platform.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Transport selects the publisher implementation.
type Transport string

// Supported transports.
const (
	TransportNone     Transport = "none"
	TransportKafka    Transport = "kafka"
	TransportRabbitMQ Transport = "rabbitmq"
)

// RoutingKeyPrefix prefixes the status in AMQP routing keys and is the
// event type on every transport.
const RoutingKeyPrefix = "payment.status."

// StatusChanged is emitted after a transaction's status was written.
type StatusChanged struct {
	TransactionID     string           `json:"transaction_id"`
	TenantID          string           `json:"tenant_id"`
	Provider          string           `json:"provider"`
	ProviderPaymentID string           `json:"provider_payment_id,omitempty"`
	PreviousStatus    string           `json:"previous_status"`
	Status            string           `json:"status"`
	LegacyStatus      string           `json:"legacy_status"`
	RealizedAmount    *decimal.Decimal `json:"realized_amount,omitempty"`
	Currency          string           `json:"currency"`
	EventAt           time.Time        `json:"event_at"`
	PublishedAt       time.Time        `json:"published_at"`
}

// Type returns the event type, e.g. payment.status.paid.
func (e StatusChanged) Type() string {
	return RoutingKeyPrefix + e.Status
}

func (e StatusChanged) encode() ([]byte, error) {
	if e.PublishedAt.IsZero() {
		e.PublishedAt = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode status event: %w", err)
	}
	return b, nil
}

// Publisher delivers status transitions.
type Publisher interface {
	PublishStatusChanged(ctx context.Context, evt StatusChanged) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

// PublishStatusChanged implements Publisher.
func (Nop) PublishStatusChanged(context.Context, StatusChanged) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// Config selects and configures a publisher.
type Config struct {
	Transport    Transport
	KafkaBrokers []string
	KafkaTopic   string
	AMQPURL      string
	AMQPExchange string
}

// New builds the publisher for cfg.Transport. An empty transport yields Nop.
func New(cfg Config) (Publisher, error) {
	switch cfg.Transport {
	case "", TransportNone:
		return Nop{}, nil
	case TransportKafka:
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	case TransportRabbitMQ:
		return NewRabbitPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	default:
		return nil, fmt.Errorf("unknown events transport %q", cfg.Transport)
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []StatusChanged
	// Err, when set, is returned by every publish.
	Err error
}

// PublishStatusChanged implements Publisher.
func (r *Recorder) PublishStatusChanged(_ context.Context, evt StatusChanged) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []StatusChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusChanged(nil), r.events...)
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }
