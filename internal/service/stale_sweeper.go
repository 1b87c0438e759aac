package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"github.com/kursadbilgin/webhook-dispatcher/internal/observability"
	"github.com/kursadbilgin/webhook-dispatcher/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSweepInterval = time.Minute
	defaultStaleAfter    = time.Hour
	defaultSweepLimit    = 100

	abandonedMessage = "delivery abandoned: no terminal result recorded"
)

// StaleSweeper closes delivery rows left pending or retrying by a worker that died mid-delivery.
type StaleSweeper struct {
	endpoints  repository.EndpointRepository
	logs       repository.DeliveryLogRepository
	logger     *zap.Logger
	metrics    *observability.Metrics
	interval   time.Duration
	staleAfter time.Duration
	limit      int
	now        func() time.Time
}

func NewStaleSweeper(
	endpoints repository.EndpointRepository,
	logs repository.DeliveryLogRepository,
	interval time.Duration,
	staleAfter time.Duration,
	limit int,
	logger *zap.Logger,
) (*StaleSweeper, error) {
	if endpoints == nil {
		return nil, fmt.Errorf("endpoint repository is required")
	}
	if logs == nil {
		return nil, fmt.Errorf("delivery log repository is required")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StaleSweeper{
		endpoints:  endpoints,
		logs:       logs,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		limit:      limit,
		now:        time.Now,
	}, nil
}

func (s *StaleSweeper) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *StaleSweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Initial sweep so rows orphaned by the previous process close right away.
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("stale sweeper initial sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("stale sweeper sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep closes one batch of stale rows and returns how many it closed.
func (s *StaleSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	stale, err := s.logs.ListStale(ctx, now.Add(-s.staleAfter), s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale deliveries: %w", err)
	}

	closed := 0
	for i := range stale {
		entry := stale[i]
		msg := abandonedMessage
		completedAt := now
		update := domain.AttemptUpdate{
			AttemptNumber: max(entry.AttemptNumber, 1),
			Status:        domain.DeliveryFailed,
			StatusCode:    entry.StatusCode,
			ResponseBody:  entry.ResponseBody,
			ErrorMessage:  &msg,
			DurationMS:    now.Sub(entry.TriggeredAt).Milliseconds(),
			CompletedAt:   &completedAt,
		}

		if err := s.logs.UpdateAttempt(ctx, entry.ID, update); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				// Finished concurrently.
				continue
			}
			s.metrics.IncLedgerWriteError("update_attempt")
			s.logger.Error("failed to close stale delivery",
				zap.String("deliveryId", entry.ID),
				zap.Error(err),
			)
			continue
		}

		if err := s.endpoints.RecordFailure(ctx, entry.EndpointID, msg, now); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.metrics.IncLedgerWriteError("record_failure")
			s.logger.Warn("failed to record endpoint failure for stale delivery",
				zap.String("deliveryId", entry.ID),
				zap.String("endpointId", entry.EndpointID),
				zap.Error(err),
			)
		}
		s.metrics.ObserveDelivery(entry.EventType.String(), domain.DeliveryFailed.String(), now.Sub(entry.TriggeredAt))
		closed++
	}

	if closed > 0 {
		s.logger.Warn("closed stale deliveries", zap.Int("count", closed))
	}
	return closed, nil
}
