package service

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"github.com/kursadbilgin/webhook-dispatcher/internal/observability"
	"github.com/kursadbilgin/webhook-dispatcher/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// EventRouteFunc routes a single event; *EventRouter.RouteEvent satisfies it.
type EventRouteFunc func(ctx context.Context, event domain.Event) (*RouteResult, error)

// EventWorker consumes queued events and routes each to its subscribers.
type EventWorker struct {
	consumer    queue.Consumer
	route       EventRouteFunc
	logger      *zap.Logger
	concurrency int
}

func NewEventWorker(
	consumer queue.Consumer,
	route EventRouteFunc,
	concurrency int,
	logger *zap.Logger,
) (*EventWorker, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if route == nil {
		return nil, fmt.Errorf("route func is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EventWorker{
		consumer:    consumer,
		route:       route,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

// Start consumes the work queues until context cancellation.
func (w *EventWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	queueNames := queue.WorkQueueNames()
	if len(queueNames) == 0 {
		return fmt.Errorf("no work queues configured")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		queueName := queueNames[i%len(queueNames)]
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			if err := w.consumer.Consume(groupCtx, queueName, w.processMessage); err != nil {
				w.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

// processMessage acks malformed messages and returns an error only when routing
// itself failed, so the broker retries once and then dead-letters.
func (w *EventWorker) processMessage(ctx context.Context, msg queue.EventMessage) error {
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}

	if err := msg.Validate(); err != nil {
		observability.WithContextLogger(w.logger, ctx).Warn("dropping malformed event message",
			zap.String("tenantId", msg.TenantID),
			zap.String("eventType", msg.EventType.String()),
			zap.Error(err),
		)
		return nil
	}

	if _, err := w.route(ctx, msg.Event()); err != nil {
		return fmt.Errorf("failed to route event: %w", err)
	}
	return nil
}
