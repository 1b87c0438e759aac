package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const headerTenantID = "x-tenant-id"

var errDeliveriesClosed = errors.New("delivery channel closed")

// settlement is how a consumed delivery is answered.
type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleDeadLetter
)

// settlementFor maps a handler result to a settlement. A message that already
// came back once is dead-lettered instead of requeued again.
func settlementFor(handlerErr error, redelivered bool) settlement {
	switch {
	case handlerErr == nil:
		return settleAck
	case redelivered:
		return settleDeadLetter
	default:
		return settleRequeue
	}
}

// decodeDelivery parses and validates a delivery body. The tenant header fills
// in a body that omits it.
func decodeDelivery(body []byte, headers amqp.Table) (EventMessage, error) {
	var msg EventMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return EventMessage{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if msg.TenantID == "" {
		if tenant, ok := headers[headerTenantID].(string); ok {
			msg.TenantID = tenant
		}
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitMQConsumer{
		client:   client,
		prefetch: max(prefetch, 1),
		logger:   logger,
	}
}

// Consume drains queue until ctx ends, resubscribing with backoff whenever the
// channel or connection drops.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	var backoff reconnectBackoff
	for ctx.Err() == nil {
		err := c.subscribe(ctx, queue, handler)
		if ctx.Err() != nil {
			break
		}
		if err == nil {
			backoff.reset()
			continue
		}

		wait := backoff.next()
		c.logger.Warn("consumer subscription lost",
			zap.String("queue", queue),
			zap.Duration("retryIn", wait),
			zap.Error(err),
		)
		if !sleepCtx(ctx, wait) {
			break
		}
	}
	return nil
}

func (c *RabbitMQConsumer) subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	tag := "webhook-router-" + uuid.NewString()
	deliveries, err := ch.ConsumeWithContext(ctx, queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %q: %w", queue, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				return fmt.Errorf("channel closed: %w", amqpErr)
			}
			return errDeliveriesClosed
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			if err := c.handle(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

func (c *RabbitMQConsumer) handle(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	msg, err := decodeDelivery(d.Body, d.Headers)
	if err != nil {
		c.logger.Warn("dead-lettering undecodable event message",
			zap.String("messageId", d.MessageId),
			zap.String("routingKey", d.RoutingKey),
			zap.Error(err),
		)
		if err := d.Reject(false); err != nil {
			return fmt.Errorf("failed to reject message %s: %w", d.MessageId, err)
		}
		return nil
	}

	handlerErr := handler(ctx, msg)
	switch settlementFor(handlerErr, d.Redelivered) {
	case settleAck:
		err = d.Ack(false)
	case settleRequeue:
		c.logger.Warn("event handler failed, requeueing",
			zap.String("tenantId", msg.TenantID),
			zap.String("eventType", msg.EventType.String()),
			zap.Error(handlerErr),
		)
		err = d.Nack(false, true)
	case settleDeadLetter:
		c.logger.Error("event handler failed on redelivery, dead-lettering",
			zap.String("tenantId", msg.TenantID),
			zap.String("eventType", msg.EventType.String()),
			zap.Error(handlerErr),
		)
		err = d.Nack(false, false)
	}
	if err != nil {
		return fmt.Errorf("failed to settle message %s: %w", d.MessageId, err)
	}
	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
