package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"github.com/kursadbilgin/webhook-dispatcher/internal/observability"
	"github.com/kursadbilgin/webhook-dispatcher/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultRouterConcurrency = 10

// EventDeduper claims (tenant, event id) pairs. Errors fail open.
type EventDeduper interface {
	FirstSeen(ctx context.Context, tenantID string, eventID string) (bool, error)
	Forget(ctx context.Context, tenantID string, eventID string) error
}

// Deliverer delivers one event to one resolved endpoint.
type Deliverer interface {
	DeliverToEndpoint(ctx context.Context, endpoint *domain.Endpoint, event domain.Event) (*DeliveryOutcome, error)
}

// RouteResult summarizes one fan-out.
type RouteResult struct {
	EventType  domain.EventType
	Matched    int
	Duplicate  bool
	Outcomes   []DeliveryOutcome
	Successful int
	Failed     int
	Duration   time.Duration
}

// EventRouter fans an event out to every subscribed active endpoint of its tenant.
type EventRouter struct {
	endpoints   repository.EndpointRepository
	deliverer   Deliverer
	deduper     EventDeduper
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
	now         func() time.Time
}

func NewEventRouter(
	endpoints repository.EndpointRepository,
	deliverer Deliverer,
	concurrency int,
	logger *zap.Logger,
) (*EventRouter, error) {
	if endpoints == nil {
		return nil, fmt.Errorf("endpoint repository is required")
	}
	if deliverer == nil {
		return nil, fmt.Errorf("deliverer is required")
	}
	if concurrency < 1 {
		concurrency = DefaultRouterConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EventRouter{
		endpoints:   endpoints,
		deliverer:   deliverer,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
	}, nil
}

func (r *EventRouter) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

func (r *EventRouter) SetDeduper(deduper EventDeduper) {
	if r == nil {
		return
	}
	r.deduper = deduper
}

// RouteEvent delivers event to all matching endpoints and waits for them.
// Only the subscriber lookup can fail; per-endpoint failures land in the result.
func (r *EventRouter) RouteEvent(ctx context.Context, event domain.Event) (*RouteResult, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	start := r.now()
	logger := observability.EventLogger(r.logger, ctx, event.TenantID, event.Type.String(), event.ID)
	result := &RouteResult{EventType: event.Type}

	if r.isDuplicate(ctx, event, logger) {
		result.Duplicate = true
		logger.Info("duplicate event dropped")
		return result, nil
	}

	endpoints, err := r.endpoints.ListSubscribed(ctx, event.TenantID, event.Type)
	if err != nil {
		// Release the claim so the broker's redelivery is routed rather than dropped.
		r.releaseClaim(ctx, event, logger)
		return nil, fmt.Errorf("failed to list subscribed endpoints: %w", err)
	}

	result.Matched = len(endpoints)
	r.metrics.IncEventRouted(event.Type.String(), len(endpoints) > 0)
	if len(endpoints) == 0 {
		logger.Debug("no subscribed endpoints")
		result.Duration = r.now().Sub(start)
		return result, nil
	}

	outcomes := make([]DeliveryOutcome, len(endpoints))
	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)

	for i := range endpoints {
		endpoint := &endpoints[i]
		g.Go(func() error {
			r.metrics.IncRouterInFlight()
			defer r.metrics.DecRouterInFlight()

			outcomes[i] = r.deliverOne(ctx, endpoint, event, logger)
			return nil
		})
	}
	_ = g.Wait()

	result.Outcomes = outcomes
	for _, o := range outcomes {
		switch {
		case o.Success:
			result.Successful++
		case !o.Skipped:
			result.Failed++
		}
	}
	result.Duration = r.now().Sub(start)

	logger.Info("event routed",
		zap.Int("matched", result.Matched),
		zap.Int("successful", result.Successful),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// deliverOne isolates a single endpoint so its error or panic cannot touch siblings.
func (r *EventRouter) deliverOne(ctx context.Context, endpoint *domain.Endpoint, event domain.Event, logger *zap.Logger) (outcome DeliveryOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("delivery panicked",
				zap.String("endpointId", endpoint.ID),
				zap.Any("panic", rec),
			)
			outcome = DeliveryOutcome{EndpointID: endpoint.ID, Error: fmt.Sprintf("delivery panicked: %v", rec)}
		}
	}()

	result, err := r.deliverer.DeliverToEndpoint(ctx, endpoint, event)
	if err != nil {
		logger.Error("delivery could not start",
			zap.String("endpointId", endpoint.ID),
			zap.Error(err),
		)
		return DeliveryOutcome{EndpointID: endpoint.ID, Error: err.Error()}
	}
	if result == nil {
		return DeliveryOutcome{EndpointID: endpoint.ID, Error: "delivery returned no outcome"}
	}
	return *result
}

func (r *EventRouter) isDuplicate(ctx context.Context, event domain.Event, logger *zap.Logger) bool {
	if r.deduper == nil || event.ID == nil || strings.TrimSpace(*event.ID) == "" {
		return false
	}

	first, err := r.deduper.FirstSeen(ctx, event.TenantID, *event.ID)
	if err != nil {
		logger.Warn("event dedup check failed, routing anyway", zap.Error(err))
		return false
	}
	return !first
}

func (r *EventRouter) releaseClaim(ctx context.Context, event domain.Event, logger *zap.Logger) {
	if r.deduper == nil || event.ID == nil || strings.TrimSpace(*event.ID) == "" {
		return
	}
	if err := r.deduper.Forget(context.WithoutCancel(ctx), event.TenantID, *event.ID); err != nil {
		logger.Warn("failed to release event dedup claim", zap.Error(err))
	}
}

// Trigger starts routing in the background and returns immediately.
// The returned Dispatch lets callers wait for completion; routing
// continues even if ctx is canceled.
func (r *EventRouter) Trigger(ctx context.Context, tenantID string, eventType domain.EventType, data json.RawMessage, eventID *string) *Dispatch {
	d := &Dispatch{done: make(chan struct{})}
	event := domain.Event{
		TenantID: tenantID,
		Type:     eventType,
		ID:       eventID,
		Data:     data,
	}

	detached := context.WithoutCancel(ctx)
	go func() {
		defer close(d.done)
		d.result, d.err = r.RouteEvent(detached, event)
		if d.err != nil {
			r.logger.Error("triggered event failed to route",
				zap.String("tenantId", tenantID),
				zap.String("eventType", eventType.String()),
				zap.Error(d.err),
			)
		}
	}()
	return d
}

// Dispatch is a handle to a background routing started by Trigger.
type Dispatch struct {
	done   chan struct{}
	result *RouteResult
	err    error
}

// Done is closed once routing has finished.
func (d *Dispatch) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until routing finishes or ctx is done.
func (d *Dispatch) Wait(ctx context.Context) (*RouteResult, error) {
	select {
	case <-d.done:
		return d.result, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
