package service

import (
	"context"
	"sync"
	"time"

	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"github.com/kursadbilgin/webhook-dispatcher/internal/provider"
	"github.com/kursadbilgin/webhook-dispatcher/internal/queue"
	"github.com/kursadbilgin/webhook-dispatcher/internal/repository"
)

type fakeEndpointRepo struct {
	createFn         func(ctx context.Context, e *domain.Endpoint) error
	getByIDFn        func(ctx context.Context, id string) (*domain.Endpoint, error)
	listByTenantFn   func(ctx context.Context, tenantID string) ([]domain.Endpoint, error)
	listSubscribedFn func(ctx context.Context, tenantID string, eventType domain.EventType) ([]domain.Endpoint, error)
	setActiveFn      func(ctx context.Context, tenantID string, id string, active bool) error
	deleteFn         func(ctx context.Context, tenantID string, id string) error
	recordSuccessFn  func(ctx context.Context, id string, at time.Time) error
	recordFailureFn  func(ctx context.Context, id string, lastError string, at time.Time) error
}

func (f *fakeEndpointRepo) Create(ctx context.Context, e *domain.Endpoint) error {
	if f.createFn != nil {
		return f.createFn(ctx, e)
	}
	return nil
}

func (f *fakeEndpointRepo) GetByID(ctx context.Context, id string) (*domain.Endpoint, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeEndpointRepo) ListByTenant(ctx context.Context, tenantID string) ([]domain.Endpoint, error) {
	if f.listByTenantFn != nil {
		return f.listByTenantFn(ctx, tenantID)
	}
	return nil, nil
}

func (f *fakeEndpointRepo) ListSubscribed(ctx context.Context, tenantID string, eventType domain.EventType) ([]domain.Endpoint, error) {
	if f.listSubscribedFn != nil {
		return f.listSubscribedFn(ctx, tenantID, eventType)
	}
	return nil, nil
}

func (f *fakeEndpointRepo) SetActive(ctx context.Context, tenantID string, id string, active bool) error {
	if f.setActiveFn != nil {
		return f.setActiveFn(ctx, tenantID, id, active)
	}
	return nil
}

func (f *fakeEndpointRepo) Delete(ctx context.Context, tenantID string, id string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, tenantID, id)
	}
	return nil
}

func (f *fakeEndpointRepo) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	if f.recordSuccessFn != nil {
		return f.recordSuccessFn(ctx, id, at)
	}
	return nil
}

func (f *fakeEndpointRepo) RecordFailure(ctx context.Context, id string, lastError string, at time.Time) error {
	if f.recordFailureFn != nil {
		return f.recordFailureFn(ctx, id, lastError, at)
	}
	return nil
}

// memoryLogRepo keeps ledger rows in memory and enforces the terminal-row guard.
type memoryLogRepo struct {
	mu      sync.Mutex
	rows    map[string]*domain.DeliveryLog
	updates map[string][]domain.AttemptUpdate

	createErr     error
	updateErr     error
	countByStatus []repository.StatusCount
	stale         []domain.DeliveryLog
}

func newMemoryLogRepo() *memoryLogRepo {
	return &memoryLogRepo{
		rows:    make(map[string]*domain.DeliveryLog),
		updates: make(map[string][]domain.AttemptUpdate),
	}
}

func (m *memoryLogRepo) Create(ctx context.Context, l *domain.DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	row := *l
	m.rows[l.ID] = &row
	return nil
}

func (m *memoryLogRepo) UpdateAttempt(ctx context.Context, id string, update domain.AttemptUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	row, ok := m.rows[id]
	if !ok || row.Status.IsTerminal() {
		return domain.ErrConflict
	}
	row.AttemptNumber = update.AttemptNumber
	row.Status = update.Status
	row.StatusCode = update.StatusCode
	row.ResponseBody = update.ResponseBody
	row.ErrorMessage = update.ErrorMessage
	row.DurationMS = update.DurationMS
	row.CompletedAt = update.CompletedAt
	m.updates[id] = append(m.updates[id], update)
	return nil
}

func (m *memoryLogRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memoryLogRepo) ListByEndpoint(ctx context.Context, endpointID string, page int, pageSize int) ([]domain.DeliveryLog, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeliveryLog
	for _, row := range m.rows {
		if row.EndpointID == endpointID {
			out = append(out, *row)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memoryLogRepo) CountByStatus(ctx context.Context, endpointID string) ([]repository.StatusCount, error) {
	return m.countByStatus, nil
}

func (m *memoryLogRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.DeliveryLog, error) {
	return m.stale, nil
}

func (m *memoryLogRepo) all() []domain.DeliveryLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeliveryLog, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, *row)
	}
	return out
}

func (m *memoryLogRepo) history(id string) []domain.AttemptUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AttemptUpdate(nil), m.updates[id]...)
}

type fakeSender struct {
	sendFn func(ctx context.Context, req provider.Request) (*provider.Response, error)
}

func (f *fakeSender) Send(ctx context.Context, req provider.Request) (*provider.Response, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, req)
	}
	return &provider.Response{StatusCode: 200}, nil
}

type fakeRateLimiter struct {
	allowFn func(ctx context.Context, key string) (bool, error)
	waitFn  func(ctx context.Context, key string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, key)
	}
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, key string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, key)
	}
	return nil
}

type fakeDeliverer struct {
	deliverFn func(ctx context.Context, endpoint *domain.Endpoint, event domain.Event) (*DeliveryOutcome, error)
}

func (f *fakeDeliverer) DeliverToEndpoint(ctx context.Context, endpoint *domain.Endpoint, event domain.Event) (*DeliveryOutcome, error) {
	if f.deliverFn != nil {
		return f.deliverFn(ctx, endpoint, event)
	}
	return &DeliveryOutcome{EndpointID: endpoint.ID, Success: true, Attempts: 1}, nil
}

type fakeDeduper struct {
	firstSeenFn func(ctx context.Context, tenantID string, eventID string) (bool, error)
	forgetFn    func(ctx context.Context, tenantID string, eventID string) error
}

func (f *fakeDeduper) Forget(ctx context.Context, tenantID string, eventID string) error {
	if f.forgetFn != nil {
		return f.forgetFn(ctx, tenantID, eventID)
	}
	return nil
}

func (f *fakeDeduper) FirstSeen(ctx context.Context, tenantID string, eventID string) (bool, error) {
	if f.firstSeenFn != nil {
		return f.firstSeenFn(ctx, tenantID, eventID)
	}
	return true, nil
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queue string, handler queue.MessageHandler) error
	closeFn   func() error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

func testEndpoint(id string, events ...domain.EventType) domain.Endpoint {
	if len(events) == 0 {
		events = []domain.EventType{domain.EventOrderCreated}
	}
	return domain.Endpoint{
		ID:         id,
		TenantID:   "tenant-1",
		URL:        "https://hooks.example.com/" + id,
		Secret:     "whsec_0123456789abcdef",
		Events:     events,
		IsActive:   true,
		RetryCount: domain.DefaultRetryCount,
		TimeoutMS:  domain.DefaultTimeoutMS,
	}
}

func testEvent() domain.Event {
	return domain.Event{
		TenantID: "tenant-1",
		Type:     domain.EventOrderCreated,
		Data:     []byte(`{"orderId":"o-1","total":42}`),
	}
}
