package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"github.com/kursadbilgin/webhook-dispatcher/internal/repository"
	"github.com/kursadbilgin/webhook-dispatcher/internal/signing"
	"go.uber.org/zap"
)

const minSecretLength = 16

// CreateEndpointInput holds registration fields. Nil numeric fields take defaults.
type CreateEndpointInput struct {
	TenantID    string
	URL         string
	Events      []string
	Secret      string
	Description string
	RetryCount  *int
	TimeoutMS   *int
}

// DeliveryPage is one page of ledger rows, newest first.
type DeliveryPage struct {
	Logs     []domain.DeliveryLog
	Total    int64
	Page     int
	PageSize int
}

// EndpointDefaults are applied when registration omits retry count or timeout.
type EndpointDefaults struct {
	RetryCount int
	TimeoutMS  int
}

// EndpointService manages tenant endpoints and exposes their delivery ledger.
type EndpointService struct {
	endpoints repository.EndpointRepository
	logs      repository.DeliveryLogRepository
	executor  *DeliveryExecutor
	defaults  EndpointDefaults
	logger    *zap.Logger
	now       func() time.Time
}

func NewEndpointService(
	endpoints repository.EndpointRepository,
	logs repository.DeliveryLogRepository,
	executor *DeliveryExecutor,
	defaults EndpointDefaults,
	logger *zap.Logger,
) (*EndpointService, error) {
	if endpoints == nil {
		return nil, fmt.Errorf("endpoint repository is required")
	}
	if logs == nil {
		return nil, fmt.Errorf("delivery log repository is required")
	}
	if defaults.RetryCount < 0 {
		defaults.RetryCount = domain.DefaultRetryCount
	}
	if defaults.TimeoutMS <= 0 {
		defaults.TimeoutMS = domain.DefaultTimeoutMS
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EndpointService{
		endpoints: endpoints,
		logs:      logs,
		executor:  executor,
		defaults:  defaults,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Create registers an endpoint. A secret is generated when none is supplied.
func (s *EndpointService) Create(ctx context.Context, in CreateEndpointInput) (*domain.Endpoint, error) {
	events, err := domain.ParseEventTypes(in.Events)
	if err != nil {
		return nil, err
	}

	secret := strings.TrimSpace(in.Secret)
	if secret == "" {
		secret, err = signing.GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate secret: %w", err)
		}
	} else if len(secret) < minSecretLength {
		return nil, fmt.Errorf("%w: secret must be at least %d characters", domain.ErrValidation, minSecretLength)
	}

	retryCount := s.defaults.RetryCount
	if in.RetryCount != nil {
		retryCount = *in.RetryCount
	}
	timeoutMS := s.defaults.TimeoutMS
	if in.TimeoutMS != nil {
		timeoutMS = *in.TimeoutMS
	}

	now := s.now().UTC()
	endpoint := &domain.Endpoint{
		ID:          uuid.NewString(),
		TenantID:    strings.TrimSpace(in.TenantID),
		URL:         strings.TrimSpace(in.URL),
		Secret:      secret,
		Events:      events,
		Description: strings.TrimSpace(in.Description),
		IsActive:    true,
		RetryCount:  retryCount,
		TimeoutMS:   timeoutMS,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}

	if err := s.endpoints.Create(ctx, endpoint); err != nil {
		return nil, fmt.Errorf("failed to create endpoint: %w", err)
	}

	s.logger.Info("endpoint registered",
		zap.String("endpointId", endpoint.ID),
		zap.String("tenantId", endpoint.TenantID),
		zap.Int("events", len(endpoint.Events)),
	)
	return endpoint, nil
}

// Get returns the endpoint only when it belongs to tenantID.
func (s *EndpointService) Get(ctx context.Context, tenantID string, id string) (*domain.Endpoint, error) {
	endpoint, err := s.endpoints.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if endpoint.TenantID != tenantID {
		return nil, fmt.Errorf("%w: endpoint %s", domain.ErrNotFound, id)
	}
	return endpoint, nil
}

func (s *EndpointService) List(ctx context.Context, tenantID string) ([]domain.Endpoint, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("%w: tenant id is required", domain.ErrValidation)
	}
	return s.endpoints.ListByTenant(ctx, tenantID)
}

func (s *EndpointService) SetActive(ctx context.Context, tenantID string, id string, active bool) (*domain.Endpoint, error) {
	if err := s.endpoints.SetActive(ctx, tenantID, id, active); err != nil {
		return nil, err
	}
	return s.Get(ctx, tenantID, id)
}

// Delete removes the endpoint together with its delivery history.
func (s *EndpointService) Delete(ctx context.Context, tenantID string, id string) error {
	if err := s.endpoints.Delete(ctx, tenantID, id); err != nil {
		return err
	}
	s.logger.Info("endpoint deleted", zap.String("endpointId", id), zap.String("tenantId", tenantID))
	return nil
}

func (s *EndpointService) ListLogs(ctx context.Context, tenantID string, endpointID string, page int, pageSize int) (*DeliveryPage, error) {
	if _, err := s.Get(ctx, tenantID, endpointID); err != nil {
		return nil, err
	}

	page, pageSize = normalizePage(page, pageSize)
	logs, total, err := s.logs.ListByEndpoint(ctx, endpointID, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery logs: %w", err)
	}

	return &DeliveryPage{
		Logs:     logs,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

func (s *EndpointService) GetLog(ctx context.Context, tenantID string, logID string) (*domain.DeliveryLog, error) {
	entry, err := s.logs.GetByID(ctx, logID)
	if err != nil {
		return nil, err
	}
	if entry.TenantID != tenantID {
		return nil, fmt.Errorf("%w: delivery %s", domain.ErrNotFound, logID)
	}
	return entry, nil
}

func (s *EndpointService) GetStats(ctx context.Context, tenantID string, endpointID string) (*domain.DeliveryStats, error) {
	endpoint, err := s.Get(ctx, tenantID, endpointID)
	if err != nil {
		return nil, err
	}

	counts, err := s.logs.CountByStatus(ctx, endpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to count deliveries: %w", err)
	}

	stats := &domain.DeliveryStats{
		EndpointID:      endpoint.ID,
		Counts:          make(map[domain.DeliveryStatus]int64, len(counts)),
		FailureCount:    endpoint.FailureCount,
		LastError:       endpoint.LastError,
		LastTriggeredAt: endpoint.LastTriggeredAt,
	}
	for _, c := range counts {
		stats.Counts[c.Status] += c.Count
		stats.Total += c.Count
	}
	return stats, nil
}

// Redeliver replays a finished delivery synchronously and returns its outcome.
func (s *EndpointService) Redeliver(ctx context.Context, tenantID string, logID string) (*DeliveryOutcome, error) {
	if s.executor == nil {
		return nil, errors.New("redelivery is not configured")
	}
	return s.executor.Redeliver(ctx, tenantID, logID)
}

func normalizePage(page int, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = repository.DefaultPageSize
	}
	if pageSize > repository.MaxPageSize {
		pageSize = repository.MaxPageSize
	}
	return page, pageSize
}
