package queue

import (
	"context"
	"time"

	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
)

// Publisher publishes raised events to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg EventMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message. A nil return acks it.
type MessageHandler func(ctx context.Context, msg EventMessage) error

// Consumer consumes event messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// EventsExchange is the topic exchange raised events are published to,
	// keyed by RoutingKey.
	EventsExchange = "webhook.events"

	// EventsQueue is bound to every event routing key and drained by the router workers.
	EventsQueue = "webhook.events.route"

	deadLetterExchange = "webhook.events.dlx"
	routingKeyPrefix   = "event."
)

// RoutingKey returns the topic routing key for an event type, e.g. event.order.created.
func RoutingKey(eventType domain.EventType) string {
	return routingKeyPrefix + eventType.String()
}

// DLQName returns the dead-letter queue of a work queue.
func DLQName(queue string) string {
	return queue + ".dlq"
}

// WorkQueueNames returns every work queue the worker consumes.
func WorkQueueNames() []string {
	return []string{EventsQueue}
}

const (
	initialReconnectWait = time.Second
	maxReconnectWait     = 30 * time.Second
)

// reconnectBackoff doubles from initialReconnectWait up to maxReconnectWait.
type reconnectBackoff struct {
	wait time.Duration
}

func (b *reconnectBackoff) next() time.Duration {
	if b.wait <= 0 {
		b.wait = initialReconnectWait
		return b.wait
	}
	b.wait = min(b.wait*2, maxReconnectWait)
	return b.wait
}

func (b *reconnectBackoff) reset() {
	b.wait = 0
}

// sleepCtx waits d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
