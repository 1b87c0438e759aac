package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"github.com/kursadbilgin/webhook-dispatcher/internal/observability"
	"github.com/kursadbilgin/webhook-dispatcher/internal/provider"
	"github.com/kursadbilgin/webhook-dispatcher/internal/ratelimit"
	"github.com/kursadbilgin/webhook-dispatcher/internal/repository"
	"github.com/kursadbilgin/webhook-dispatcher/internal/signing"
	"go.uber.org/zap"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderAttempt   = "X-Webhook-Attempt"
	HeaderUserAgent = "User-Agent"

	defaultUserAgent   = "WebhookDispatcher/1.0"
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 10 * time.Second

	// MaxStoredResponseBytes bounds response bodies kept in the ledger.
	MaxStoredResponseBytes = 1000

	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// ErrLedgerUnavailable means the delivery row could not be opened, so nothing was sent.
var ErrLedgerUnavailable = errors.New("delivery ledger unavailable")

// Skip reasons reported on outcomes that never reached the network.
const (
	SkipEndpointInactive = "endpoint_inactive"
	SkipNotSubscribed    = "event_not_subscribed"
)

type ExecutorConfig struct {
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	FastFailClientErrors bool
	UserAgent            string
}

// DeliveryOutcome is the result of one logical delivery to one endpoint.
type DeliveryOutcome struct {
	EndpointID   string
	LogID        string
	Success      bool
	Skipped      bool
	SkipReason   string
	StatusCode   int
	ResponseBody string
	Error        string
	Attempts     int
	Duration     time.Duration
}

type webhookPayload struct {
	Event     string          `json:"event"`
	EventID   *string         `json:"event_id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// DeliveryExecutor signs and POSTs one event to one endpoint with bounded retries,
// keeping exactly one ledger row per delivery.
type DeliveryExecutor struct {
	endpoints   repository.EndpointRepository
	logs        repository.DeliveryLogRepository
	sender      provider.Sender
	signer      *signing.Signer
	rateLimiter ratelimit.RateLimiter
	logger      *zap.Logger
	metrics     *observability.Metrics
	cfg         ExecutorConfig
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	newID       func() string
}

func NewDeliveryExecutor(
	endpoints repository.EndpointRepository,
	logs repository.DeliveryLogRepository,
	sender provider.Sender,
	signer *signing.Signer,
	cfg ExecutorConfig,
	logger *zap.Logger,
) (*DeliveryExecutor, error) {
	if endpoints == nil {
		return nil, fmt.Errorf("endpoint repository is required")
	}
	if logs == nil {
		return nil, fmt.Errorf("delivery log repository is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if signer == nil {
		signer = signing.NewSigner(nil)
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(defaultBackoffMax, cfg.BackoffBase)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryExecutor{
		endpoints: endpoints,
		logs:      logs,
		sender:    sender,
		signer:    signer,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		sleep:     sleepWithContext,
		newID:     uuid.NewString,
	}, nil
}

func (e *DeliveryExecutor) SetMetrics(metrics *observability.Metrics) {
	if e == nil {
		return
	}
	e.metrics = metrics
}

// SetRateLimiter enables per-endpoint outbound throttling. Limiter errors fail open.
func (e *DeliveryExecutor) SetRateLimiter(limiter ratelimit.RateLimiter) {
	if e == nil {
		return
	}
	e.rateLimiter = limiter
}

// Deliver loads the endpoint and delivers event to it. Unknown endpoints return
// domain.ErrNotFound; inactive or unsubscribed endpoints return a skipped outcome.
func (e *DeliveryExecutor) Deliver(ctx context.Context, endpointID string, event domain.Event) (*DeliveryOutcome, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	endpoint, err := e.endpoints.GetByID(ctx, endpointID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: endpoint %s", domain.ErrNotFound, endpointID)
		}
		return nil, fmt.Errorf("failed to load endpoint: %w", err)
	}
	if endpoint.TenantID != event.TenantID {
		return nil, fmt.Errorf("%w: endpoint %s", domain.ErrNotFound, endpointID)
	}

	return e.DeliverToEndpoint(ctx, endpoint, event)
}

// DeliverToEndpoint delivers event to an already-resolved endpoint.
func (e *DeliveryExecutor) DeliverToEndpoint(ctx context.Context, endpoint *domain.Endpoint, event domain.Event) (*DeliveryOutcome, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("%w: endpoint is required", domain.ErrValidation)
	}
	if !endpoint.IsActive {
		return skipped(endpoint.ID, SkipEndpointInactive), nil
	}
	if !endpoint.Subscribes(event.Type) {
		return skipped(endpoint.ID, SkipNotSubscribed), nil
	}

	body, err := e.buildPayload(event)
	if err != nil {
		return nil, err
	}

	return e.execute(ctx, endpoint, event.Type, event.ID, body)
}

// Redeliver replays the stored payload of a finished delivery as a new delivery.
func (e *DeliveryExecutor) Redeliver(ctx context.Context, tenantID string, logID string) (*DeliveryOutcome, error) {
	original, err := e.logs.GetByID(ctx, logID)
	if err != nil {
		return nil, err
	}
	if original.TenantID != tenantID {
		return nil, fmt.Errorf("%w: delivery %s", domain.ErrNotFound, logID)
	}
	if !original.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: delivery %s is still in progress", domain.ErrConflict, logID)
	}

	endpoint, err := e.endpoints.GetByID(ctx, original.EndpointID)
	if err != nil {
		return nil, err
	}
	if !endpoint.IsActive {
		return nil, fmt.Errorf("%w: endpoint %s is inactive", domain.ErrConflict, endpoint.ID)
	}

	return e.execute(ctx, endpoint, original.EventType, original.EventID, []byte(original.Payload))
}

func (e *DeliveryExecutor) buildPayload(event domain.Event) ([]byte, error) {
	data := event.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	body, err := json.Marshal(webhookPayload{
		Event:     event.Type.String(),
		EventID:   event.ID,
		Timestamp: e.now().UTC().Format(timestampLayout),
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode payload: %v", domain.ErrValidation, err)
	}
	return body, nil
}

// execute runs the attempt loop against one ledger row identified by logID.
func (e *DeliveryExecutor) execute(
	ctx context.Context,
	endpoint *domain.Endpoint,
	eventType domain.EventType,
	eventID *string,
	body []byte,
) (*DeliveryOutcome, error) {
	start := e.now()
	logID := e.newID()
	maxAttempts := endpoint.MaxAttempts()
	signature := e.signer.Sign(body, endpoint.Secret)
	logger := observability.DeliveryLogger(e.logger, ctx, endpoint.ID, logID, eventType.String())

	// Ledger writes outlive caller cancellation so the row always reaches a terminal state.
	ledgerCtx := context.WithoutCancel(ctx)

	entry := &domain.DeliveryLog{
		ID:            logID,
		EndpointID:    endpoint.ID,
		TenantID:      endpoint.TenantID,
		EventType:     eventType,
		EventID:       eventID,
		Payload:       string(body),
		AttemptNumber: 1,
		MaxAttempts:   maxAttempts,
		Status:        domain.DeliveryPending,
		TriggeredAt:   start.UTC(),
	}
	if err := e.logs.Create(ledgerCtx, entry); err != nil {
		e.metrics.IncLedgerWriteError("create")
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	outcome := &DeliveryOutcome{EndpointID: endpoint.ID, LogID: logID}
	var resp *provider.Response
	var sendErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, e.backoff(attempt-1)); err != nil {
				sendErr = fmt.Errorf("delivery canceled before attempt %d: %w", attempt, err)
				break
			}
		}
		e.throttle(ctx, endpoint.ID, logger)

		outcome.Attempts = attempt
		resp, sendErr = e.sender.Send(ctx, provider.Request{
			URL:     endpoint.URL,
			Headers: e.headers(eventType, signature, logID, attempt),
			Body:    body,
			Timeout: endpoint.Timeout(),
		})
		e.metrics.IncDeliveryAttempt(attemptResult(sendErr))

		if sendErr == nil {
			break
		}

		logger.Debug("delivery attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", maxAttempts),
			zap.Error(sendErr),
		)

		if attempt == maxAttempts || !e.shouldRetry(sendErr) || ctx.Err() != nil {
			break
		}

		retrying := attemptUpdate(attempt, domain.DeliveryRetrying, nil, sendErr, 0, nil)
		if err := e.logs.UpdateAttempt(ledgerCtx, logID, retrying); err != nil {
			e.metrics.IncLedgerWriteError("update_attempt")
			logger.Warn("failed to record retrying attempt", zap.Int("attempt", attempt), zap.Error(err))
		}
	}

	if outcome.Attempts == 0 {
		// Canceled before the first request left.
		outcome.Attempts = 1
	}

	finished := e.now()
	outcome.Duration = finished.Sub(start)
	outcome.Success = sendErr == nil

	status := domain.DeliveryFailed
	if outcome.Success {
		status = domain.DeliverySuccess
	}
	completedAt := finished.UTC()
	terminal := attemptUpdate(outcome.Attempts, status, resp, sendErr, outcome.Duration.Milliseconds(), &completedAt)
	if err := e.logs.UpdateAttempt(ledgerCtx, logID, terminal); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Closed by another writer, which already settled counters and metrics.
			logger.Warn("delivery row closed before its result was recorded",
				zap.String("discardedStatus", status.String()),
				zap.Int("attempts", outcome.Attempts),
			)
			return e.adoptLedgerState(ledgerCtx, outcome, logger), nil
		}
		e.metrics.IncLedgerWriteError("update_attempt")
		logger.Error("failed to record terminal delivery state", zap.String("status", status.String()), zap.Error(err))
	}

	if terminal.StatusCode != nil {
		outcome.StatusCode = *terminal.StatusCode
	}
	if terminal.ResponseBody != nil {
		outcome.ResponseBody = *terminal.ResponseBody
	}

	if outcome.Success {
		if err := e.endpoints.RecordSuccess(ledgerCtx, endpoint.ID, completedAt); err != nil {
			e.metrics.IncLedgerWriteError("record_success")
			logger.Warn("failed to record endpoint success", zap.Error(err))
		}
		logger.Info("webhook delivered",
			zap.Int("attempts", outcome.Attempts),
			zap.Int("statusCode", outcome.StatusCode),
			zap.Duration("duration", outcome.Duration),
		)
	} else {
		outcome.Error = failureSummary(sendErr)
		if err := e.endpoints.RecordFailure(ledgerCtx, endpoint.ID, outcome.Error, completedAt); err != nil {
			e.metrics.IncLedgerWriteError("record_failure")
			logger.Warn("failed to record endpoint failure", zap.Error(err))
		}
		logger.Warn("webhook delivery failed",
			zap.Int("attempts", outcome.Attempts),
			zap.String("error", outcome.Error),
			zap.Duration("duration", outcome.Duration),
		)
	}

	e.metrics.ObserveDelivery(eventType.String(), status.String(), outcome.Duration)
	return outcome, nil
}

// adoptLedgerState rewrites outcome to match the row as the ledger holds it.
func (e *DeliveryExecutor) adoptLedgerState(ctx context.Context, outcome *DeliveryOutcome, logger *zap.Logger) *DeliveryOutcome {
	outcome.Success = false
	outcome.StatusCode = 0
	outcome.ResponseBody = ""

	row, err := e.logs.GetByID(ctx, outcome.LogID)
	if err != nil {
		logger.Error("failed to read closed delivery row", zap.Error(err))
		outcome.Error = "delivery closed by another writer"
		return outcome
	}

	outcome.Success = row.Status == domain.DeliverySuccess
	if row.StatusCode != nil {
		outcome.StatusCode = *row.StatusCode
	}
	if row.ResponseBody != nil {
		outcome.ResponseBody = *row.ResponseBody
	}
	outcome.Error = ""
	if !outcome.Success && row.ErrorMessage != nil {
		outcome.Error = *row.ErrorMessage
	}
	return outcome
}

func (e *DeliveryExecutor) headers(eventType domain.EventType, signature string, logID string, attempt int) map[string]string {
	return map[string]string{
		HeaderSignature: signature,
		HeaderEvent:     eventType.String(),
		HeaderTimestamp: strconv.FormatInt(e.now().UnixMilli(), 10),
		HeaderDelivery:  logID,
		HeaderAttempt:   strconv.Itoa(attempt),
		HeaderUserAgent: e.cfg.UserAgent,
	}
}

// backoff returns min(base * 2^(failedAttempt-1), max).
func (e *DeliveryExecutor) backoff(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}

	delay := e.cfg.BackoffBase
	for i := 1; i < failedAttempt; i++ {
		delay *= 2
		if delay >= e.cfg.BackoffMax {
			return e.cfg.BackoffMax
		}
	}
	return min(delay, e.cfg.BackoffMax)
}

// shouldRetry keeps retrying every failure unless fast-fail is enabled and the
// failure is permanent (non-429 4xx, malformed URL).
func (e *DeliveryExecutor) shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if !e.cfg.FastFailClientErrors {
		return true
	}
	var providerErr *provider.ProviderError
	if errors.As(err, &providerErr) && providerErr.IsClientError() {
		return false
	}
	return provider.IsTransient(err)
}

func (e *DeliveryExecutor) throttle(ctx context.Context, endpointID string, logger *zap.Logger) {
	if e.rateLimiter == nil {
		return
	}
	if err := e.rateLimiter.Wait(ctx, endpointID); err != nil && ctx.Err() == nil {
		logger.Warn("endpoint rate limiter unavailable, sending anyway", zap.Error(err))
	}
}

func attemptUpdate(
	attempt int,
	status domain.DeliveryStatus,
	resp *provider.Response,
	sendErr error,
	durationMS int64,
	completedAt *time.Time,
) domain.AttemptUpdate {
	update := domain.AttemptUpdate{
		AttemptNumber: attempt,
		Status:        status,
		DurationMS:    durationMS,
		CompletedAt:   completedAt,
	}

	if resp != nil {
		code := resp.StatusCode
		update.StatusCode = &code
		body := truncate(resp.Body, MaxStoredResponseBytes)
		update.ResponseBody = &body
		return update
	}

	var providerErr *provider.ProviderError
	if errors.As(sendErr, &providerErr) && providerErr.StatusCode > 0 {
		code := providerErr.StatusCode
		update.StatusCode = &code
		body := truncate(providerErr.Body, MaxStoredResponseBytes)
		update.ResponseBody = &body
		return update
	}

	if sendErr != nil {
		msg := sendErr.Error()
		update.ErrorMessage = &msg
	}
	return update
}

func failureSummary(err error) string {
	if err == nil {
		return ""
	}

	var providerErr *provider.ProviderError
	if errors.As(err, &providerErr) && providerErr.StatusCode > 0 {
		summary := fmt.Sprintf("HTTP %d", providerErr.StatusCode)
		if body := truncate(providerErr.Body, MaxStoredResponseBytes); body != "" {
			summary += ": " + body
		}
		return summary
	}
	return truncate(err.Error(), MaxStoredResponseBytes)
}

func attemptResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case provider.StatusCodeOf(err) > 0:
		return "http_error"
	default:
		return "network_error"
	}
}

func skipped(endpointID string, reason string) *DeliveryOutcome {
	return &DeliveryOutcome{
		EndpointID: endpointID,
		Skipped:    true,
		SkipReason: reason,
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
