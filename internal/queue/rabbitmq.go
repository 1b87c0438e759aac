package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const connectTimeout = 15 * time.Second

var ErrBrokerUnavailable = errors.New("rabbitmq connection is not open")

// RabbitMQ owns one broker connection. Channels are opened per use and the
// event topology is declared once per connection.
type RabbitMQ struct {
	url  string
	dial func(url string) (*amqp.Connection, error)

	mu       sync.Mutex
	conn     *amqp.Connection
	declared bool
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	r := &RabbitMQ{url: url, dial: amqp.Dial}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.connectLocked(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Ping reports ErrBrokerUnavailable when the connection has dropped.
func (r *RabbitMQ) Ping(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil || r.conn.IsClosed() {
		return ErrBrokerUnavailable
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.declared = false
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// channel returns a fresh channel, redialing once if the connection refuses it.
func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil || r.conn.IsClosed() {
		if err := r.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	ch, err := r.conn.Channel()
	if err != nil {
		_ = r.conn.Close()
		r.conn = nil
		if err := r.connectLocked(ctx); err != nil {
			return nil, err
		}
		if ch, err = r.conn.Channel(); err != nil {
			return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
		}
	}

	if !r.declared {
		if err := declareTopology(ch); err != nil {
			_ = ch.Close()
			return nil, err
		}
		r.declared = true
	}

	return ch, nil
}

func (r *RabbitMQ) connectLocked(ctx context.Context) error {
	var backoff reconnectBackoff
	for {
		conn, err := r.dial(r.url)
		if err == nil {
			r.conn = conn
			r.declared = false
			return nil
		}
		if !sleepCtx(ctx, backoff.next()) {
			return fmt.Errorf("rabbitmq dial canceled (last error: %v): %w", err, ctx.Err())
		}
	}
}

// declareTopology sets up the events topic exchange, the routing queue bound
// to every event key, and a fanout dead-letter exchange with one DLQ per work queue.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(EventsExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %q: %w", EventsExchange, err)
	}
	if err := ch.ExchangeDeclare(deadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %q: %w", deadLetterExchange, err)
	}

	for _, name := range WorkQueueNames() {
		dlq := DLQName(name)
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, "", deadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %q: %w", dlq, err)
		}

		args := amqp.Table{"x-dead-letter-exchange": deadLetterExchange}
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", name, err)
		}
		if err := ch.QueueBind(name, routingKeyPrefix+"#", EventsExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %q: %w", name, err)
		}
	}

	return nil
}
