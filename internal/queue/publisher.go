package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrPublishNacked = errors.New("broker did not confirm event message")

// RabbitMQPublisher publishes events to EventsExchange and waits for the
// broker confirm before returning.
type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, msg EventMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid event message: %w", err)
	}

	publishing, err := p.publishing(msg)
	if err != nil {
		return err
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	key := RoutingKey(msg.EventType)
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, EventsExchange, key, false, false, publishing)
	if err != nil {
		return fmt.Errorf("failed to publish %q: %w", key, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirm of %q: %w", key, err)
	}
	if !acked {
		return fmt.Errorf("%w: %s", ErrPublishNacked, key)
	}
	return nil
}

func (p *RabbitMQPublisher) publishing(msg EventMessage) (amqp.Publishing, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal event message: %w", err)
	}

	messageID := uuid.NewString()
	if msg.EventID != nil && *msg.EventID != "" {
		messageID = *msg.EventID
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     p.now().UTC(),
		MessageId:     messageID,
		CorrelationId: msg.CorrelationID,
		Type:          msg.EventType.String(),
		Headers:       amqp.Table{headerTenantID: msg.TenantID},
		Body:          body,
	}, nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
