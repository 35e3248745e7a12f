package events

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange status events are published to.
const DefaultExchange = "payment_events"

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher publishes status events to a durable topic exchange
// with routing key payment.status.<status>.
type RabbitPublisher struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel amqpChannel
	// reopen replaces a broken channel; nil when there is no connection.
	reopen func() (amqpChannel, error)
}

// NewRabbitPublisher dials the broker and declares the exchange.
func NewRabbitPublisher(rawURL, exchange string) (*RabbitPublisher, error) {
	amqpURL, err := cleanAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.DialConfig(amqpURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	reopen := func() (amqpChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	ch, err := reopen()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	p := &RabbitPublisher{exchange: exchange, conn: conn, channel: ch, reopen: reopen}
	if err := p.declare(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *RabbitPublisher) declare() error {
	if err := p.channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	return nil
}

// PublishStatusChanged implements Publisher. A failed publish reopens the
// channel and is retried once.
func (p *RabbitPublisher) PublishStatusChanged(ctx context.Context, evt StatusChanged) error {
	body, err := evt.encode()
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         evt.Type(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, evt.Type(), false, false, msg)
	if err == nil || p.reopen == nil {
		return err
	}

	ch, chErr := p.reopen()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	p.channel.Close()
	p.channel = ch
	if err := p.declare(); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, p.exchange, evt.Type(), false, false, msg)
}

// Close closes the channel and connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

// cleanAMQPURL strips quoting left behind by env files and checks the scheme.
func cleanAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), `"'`)
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parse amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url must use amqp:// or amqps://")
	}
	return clean, nil
}
