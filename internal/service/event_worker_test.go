package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"github.com/kursadbilgin/webhook-dispatcher/internal/observability"
	"github.com/kursadbilgin/webhook-dispatcher/internal/queue"
	"go.uber.org/zap"
)

func TestEventWorkerProcessMessageRoutesEvent(t *testing.T) {
	t.Parallel()

	var got domain.Event
	var gotCorrelation string
	route := func(ctx context.Context, event domain.Event) (*RouteResult, error) {
		got = event
		gotCorrelation, _ = observability.CorrelationIDFromContext(ctx)
		return &RouteResult{Matched: 1, Successful: 1}, nil
	}

	worker, err := NewEventWorker(&fakeConsumer{}, route, 1, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEventWorker() error = %v", err)
	}

	eventID := "evt-1"
	err = worker.processMessage(context.Background(), queue.EventMessage{
		TenantID:      "tenant-1",
		EventType:     domain.EventPaymentFailed,
		EventID:       &eventID,
		CorrelationID: "cid-7",
		Data:          json.RawMessage(`{"reason":"card_declined"}`),
	})
	if err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}

	if got.TenantID != "tenant-1" || got.Type != domain.EventPaymentFailed || got.ID == nil || *got.ID != "evt-1" {
		t.Fatalf("routed event = %+v", got)
	}
	if gotCorrelation != "cid-7" {
		t.Fatalf("correlation id = %q, want cid-7", gotCorrelation)
	}
}

func TestEventWorkerProcessMessageDropsMalformed(t *testing.T) {
	t.Parallel()

	route := func(ctx context.Context, event domain.Event) (*RouteResult, error) {
		t.Fatal("malformed messages should not be routed")
		return nil, nil
	}
	worker, err := NewEventWorker(&fakeConsumer{}, route, 1, nil)
	if err != nil {
		t.Fatalf("NewEventWorker() error = %v", err)
	}

	if err := worker.processMessage(context.Background(), queue.EventMessage{EventType: domain.EventOrderCreated}); err != nil {
		t.Fatalf("processMessage() error = %v, want nil (ack)", err)
	}
}

func TestEventWorkerProcessMessageRouteError(t *testing.T) {
	t.Parallel()

	route := func(ctx context.Context, event domain.Event) (*RouteResult, error) {
		return nil, errors.New("db down")
	}
	worker, err := NewEventWorker(&fakeConsumer{}, route, 1, nil)
	if err != nil {
		t.Fatalf("NewEventWorker() error = %v", err)
	}

	err = worker.processMessage(context.Background(), queue.EventMessage{
		TenantID:  "tenant-1",
		EventType: domain.EventOrderCreated,
	})
	if err == nil {
		t.Fatal("expected route error to be returned for requeue")
	}
}

func TestEventWorkerStartRunsConsumers(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	queues := map[string]int{}
	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, queueName string, handler queue.MessageHandler) error {
			mu.Lock()
			queues[queueName]++
			mu.Unlock()
			return nil
		},
	}
	route := func(ctx context.Context, event domain.Event) (*RouteResult, error) { return &RouteResult{}, nil }

	worker, err := NewEventWorker(consumer, route, 3, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEventWorker() error = %v", err)
	}
	if err := worker.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if queues[queue.EventsQueue] != 3 {
		t.Fatalf("consumers on %s = %d, want 3", queue.EventsQueue, queues[queue.EventsQueue])
	}
}

func TestEventWorkerStartPropagatesConsumerError(t *testing.T) {
	t.Parallel()

	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, queueName string, handler queue.MessageHandler) error {
			return errors.New("channel closed")
		},
	}
	route := func(ctx context.Context, event domain.Event) (*RouteResult, error) { return &RouteResult{}, nil }

	worker, err := NewEventWorker(consumer, route, 2, nil)
	if err != nil {
		t.Fatalf("NewEventWorker() error = %v", err)
	}
	if err := worker.Start(context.Background()); err == nil {
		t.Fatal("expected consumer error")
	}
}

func TestNewEventWorkerValidation(t *testing.T) {
	t.Parallel()

	route := func(ctx context.Context, event domain.Event) (*RouteResult, error) { return nil, nil }
	if _, err := NewEventWorker(nil, route, 1, nil); err == nil {
		t.Fatal("expected error for nil consumer")
	}
	if _, err := NewEventWorker(&fakeConsumer{}, nil, 1, nil); err == nil {
		t.Fatal("expected error for nil route func")
	}

	worker, err := NewEventWorker(&fakeConsumer{}, route, 0, nil)
	if err != nil {
		t.Fatalf("NewEventWorker() error = %v", err)
	}
	if worker.concurrency != 1 {
		t.Fatalf("concurrency = %d, want 1", worker.concurrency)
	}
}
