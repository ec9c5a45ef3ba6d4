/**
 * @description
 * Publisher for billing events (payment approved, renewal outcome) on the
 * billing_events topic exchange.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/revendapro/billing-engine/internal/domain"
)

// Publisher is implemented by EventProducer and EventProducerFallback.
type Publisher interface {
	PublishPaymentApproved(ctx context.Context, event domain.PaymentApprovedEvent) error
	PublishRenewalOutcome(ctx context.Context, event domain.RenewalOutcomeEvent) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing.
type EventProducer struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// EventProducerFallback drops events when RabbitMQ is not configured or
// unreachable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) PublishPaymentApproved(ctx context.Context, event domain.PaymentApprovedEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" routing_key=%s client_id=%s", domain.EventPaymentApproved, event.ClientID)
	return nil
}

func (p *EventProducerFallback) PublishRenewalOutcome(ctx context.Context, event domain.RenewalOutcomeEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" routing_key=%s client_id=%s", renewalRoutingKey(event), event.ClientID)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ with a bounded timeout.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends body as JSON to exchange with routingKey. A failed channel is
// reopened once before giving up.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, exchange, routingKey, jsonBody)
	if err == nil {
		return nil
	}
	log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)

	if p.conn == nil || p.conn.IsClosed() {
		return err
	}
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	p.channel = ch
	return p.publishLocked(ctx, exchange, routingKey, jsonBody)
}

func (p *EventProducer) publishLocked(ctx context.Context, exchange, routingKey string, body []byte) error {
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// PublishPaymentApproved announces that an approved payment extended a
// client's due date.
func (p *EventProducer) PublishPaymentApproved(ctx context.Context, event domain.PaymentApprovedEvent) error {
	return p.Publish(ctx, domain.BillingExchange, domain.EventPaymentApproved, event)
}

// PublishRenewalOutcome announces the result of one renewal attempt.
func (p *EventProducer) PublishRenewalOutcome(ctx context.Context, event domain.RenewalOutcomeEvent) error {
	return p.Publish(ctx, domain.BillingExchange, renewalRoutingKey(event), event)
}

func renewalRoutingKey(event domain.RenewalOutcomeEvent) string {
	if event.Success {
		return domain.EventRenewalSucceeded
	}
	return domain.EventRenewalFailed
}

// Close closes the channel and connection.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
