package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"github.com/kursadbilgin/webhook-dispatcher/internal/repository"
	"github.com/kursadbilgin/webhook-dispatcher/internal/service"
)

const (
	HeaderTenantID = "X-Tenant-ID"

	defaultPage = 1
)

type EndpointService interface {
	Create(ctx context.Context, in service.CreateEndpointInput) (*domain.Endpoint, error)
	Get(ctx context.Context, tenantID string, id string) (*domain.Endpoint, error)
	List(ctx context.Context, tenantID string) ([]domain.Endpoint, error)
	SetActive(ctx context.Context, tenantID string, id string, active bool) (*domain.Endpoint, error)
	Delete(ctx context.Context, tenantID string, id string) error
	ListLogs(ctx context.Context, tenantID string, endpointID string, page int, pageSize int) (*service.DeliveryPage, error)
	GetLog(ctx context.Context, tenantID string, logID string) (*domain.DeliveryLog, error)
	GetStats(ctx context.Context, tenantID string, endpointID string) (*domain.DeliveryStats, error)
	Redeliver(ctx context.Context, tenantID string, logID string) (*service.DeliveryOutcome, error)
}

type EndpointHandler struct {
	service EndpointService
}

func NewEndpointHandler(service EndpointService) (*EndpointHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("endpoint service is required")
	}
	return &EndpointHandler{service: service}, nil
}

func RegisterEndpointRoutes(router fiber.Router, service EndpointService) error {
	h, err := NewEndpointHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1", requireTenant)
	v1.Post("/endpoints", h.CreateEndpoint)
	v1.Get("/endpoints", h.ListEndpoints)
	v1.Get("/endpoints/:id", h.GetEndpoint)
	v1.Patch("/endpoints/:id", h.UpdateEndpoint)
	v1.Delete("/endpoints/:id", h.DeleteEndpoint)
	v1.Get("/endpoints/:id/logs", h.ListDeliveryLogs)
	v1.Get("/endpoints/:id/stats", h.GetEndpointStats)
	v1.Get("/logs/:id", h.GetDeliveryLog)
	v1.Post("/logs/:id/redeliver", h.RedeliverLog)

	return nil
}

type createEndpointRequest struct {
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Secret      string   `json:"secret"`
	Description string   `json:"description"`
	RetryCount  *int     `json:"retryCount,omitempty"`
	TimeoutMS   *int     `json:"timeoutMs,omitempty"`
}

type updateEndpointRequest struct {
	IsActive *bool `json:"isActive"`
}

type endpointResponse struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenantId"`
	URL             string     `json:"url"`
	Events          []string   `json:"events"`
	Description     string     `json:"description,omitempty"`
	IsActive        bool       `json:"isActive"`
	RetryCount      int        `json:"retryCount"`
	TimeoutMS       int        `json:"timeoutMs"`
	FailureCount    int        `json:"failureCount"`
	LastError       *string    `json:"lastError,omitempty"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt,omitempty"`
}

// createEndpointResponse is the only response that reveals the secret.
type createEndpointResponse struct {
	endpointResponse
	Secret string `json:"secret"`
}

type deliveryLogResponse struct {
	ID            string     `json:"id"`
	EndpointID    string     `json:"endpointId"`
	EventType     string     `json:"eventType"`
	EventID       *string    `json:"eventId,omitempty"`
	Payload       string     `json:"payload"`
	AttemptNumber int        `json:"attemptNumber"`
	MaxAttempts   int        `json:"maxAttempts"`
	Status        string     `json:"status"`
	StatusCode    *int       `json:"statusCode,omitempty"`
	ResponseBody  *string    `json:"responseBody,omitempty"`
	ErrorMessage  *string    `json:"errorMessage,omitempty"`
	DurationMS    int64      `json:"durationMs"`
	TriggeredAt   time.Time  `json:"triggeredAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

type listDeliveryLogsResponse struct {
	Data []deliveryLogResponse `json:"data"`
	Meta listMeta              `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type statsResponse struct {
	EndpointID      string           `json:"endpointId"`
	Total           int64            `json:"total"`
	Counts          map[string]int64 `json:"counts"`
	SuccessRate     float64          `json:"successRate"`
	FailureCount    int              `json:"failureCount"`
	LastError       *string          `json:"lastError,omitempty"`
	LastTriggeredAt *time.Time       `json:"lastTriggeredAt,omitempty"`
}

type redeliveryResponse struct {
	DeliveryID   string `json:"deliveryId"`
	EndpointID   string `json:"endpointId"`
	Success      bool   `json:"success"`
	StatusCode   int    `json:"statusCode,omitempty"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error,omitempty"`
	DurationMS   int64  `json:"durationMs"`
	ResponseBody string `json:"responseBody,omitempty"`
}

func (h *EndpointHandler) CreateEndpoint(c *fiber.Ctx) error {
	var req createEndpointRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	endpoint, err := h.service.Create(c.Context(), service.CreateEndpointInput{
		TenantID:    tenantFrom(c),
		URL:         req.URL,
		Events:      req.Events,
		Secret:      req.Secret,
		Description: req.Description,
		RetryCount:  req.RetryCount,
		TimeoutMS:   req.TimeoutMS,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(createEndpointResponse{
		endpointResponse: toEndpointResponse(endpoint),
		Secret:           endpoint.Secret,
	})
}

func (h *EndpointHandler) ListEndpoints(c *fiber.Ctx) error {
	endpoints, err := h.service.List(c.Context(), tenantFrom(c))
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]endpointResponse, 0, len(endpoints))
	for i := range endpoints {
		data = append(data, toEndpointResponse(&endpoints[i]))
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

func (h *EndpointHandler) GetEndpoint(c *fiber.Ctx) error {
	endpoint, err := h.service.Get(c.Context(), tenantFrom(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toEndpointResponse(endpoint))
}

func (h *EndpointHandler) UpdateEndpoint(c *fiber.Ctx) error {
	var req updateEndpointRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.IsActive == nil {
		return toHTTPError(fmt.Errorf("%w: isActive is required", domain.ErrValidation))
	}

	endpoint, err := h.service.SetActive(c.Context(), tenantFrom(c), strings.TrimSpace(c.Params("id")), *req.IsActive)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toEndpointResponse(endpoint))
}

func (h *EndpointHandler) DeleteEndpoint(c *fiber.Ctx) error {
	if err := h.service.Delete(c.Context(), tenantFrom(c), strings.TrimSpace(c.Params("id"))); err != nil {
		return toHTTPError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *EndpointHandler) ListDeliveryLogs(c *fiber.Ctx) error {
	page, pageSize, err := parsePagination(c)
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.service.ListLogs(c.Context(), tenantFrom(c), strings.TrimSpace(c.Params("id")), page, pageSize)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]deliveryLogResponse, 0, len(result.Logs))
	for i := range result.Logs {
		data = append(data, toDeliveryLogResponse(&result.Logs[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listDeliveryLogsResponse{
		Data: data,
		Meta: listMeta{
			Page:     result.Page,
			PageSize: result.PageSize,
			Total:    result.Total,
		},
	})
}

func (h *EndpointHandler) GetEndpointStats(c *fiber.Ctx) error {
	stats, err := h.service.GetStats(c.Context(), tenantFrom(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}

	counts := make(map[string]int64, len(stats.Counts))
	for status, n := range stats.Counts {
		counts[status.String()] = n
	}

	return c.Status(fiber.StatusOK).JSON(statsResponse{
		EndpointID:      stats.EndpointID,
		Total:           stats.Total,
		Counts:          counts,
		SuccessRate:     stats.SuccessRate(),
		FailureCount:    stats.FailureCount,
		LastError:       stats.LastError,
		LastTriggeredAt: stats.LastTriggeredAt,
	})
}

func (h *EndpointHandler) GetDeliveryLog(c *fiber.Ctx) error {
	entry, err := h.service.GetLog(c.Context(), tenantFrom(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toDeliveryLogResponse(entry))
}

func (h *EndpointHandler) RedeliverLog(c *fiber.Ctx) error {
	outcome, err := h.service.Redeliver(c.Context(), tenantFrom(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(redeliveryResponse{
		DeliveryID:   outcome.LogID,
		EndpointID:   outcome.EndpointID,
		Success:      outcome.Success,
		StatusCode:   outcome.StatusCode,
		Attempts:     outcome.Attempts,
		Error:        outcome.Error,
		DurationMS:   outcome.Duration.Milliseconds(),
		ResponseBody: outcome.ResponseBody,
	})
}

func requireTenant(c *fiber.Ctx) error {
	tenantID := strings.TrimSpace(c.Get(HeaderTenantID))
	if tenantID == "" {
		return toHTTPError(fmt.Errorf("%w: %s header is required", domain.ErrValidation, HeaderTenantID))
	}
	c.Locals("tenantId", tenantID)
	return c.Next()
}

func tenantFrom(c *fiber.Ctx) string {
	tenantID, _ := c.Locals("tenantId").(string)
	return tenantID
}

func parsePagination(c *fiber.Ctx) (int, int, error) {
	page := c.QueryInt("page", defaultPage)
	pageSize := c.QueryInt("pageSize", repository.DefaultPageSize)

	if page < 1 {
		return 0, 0, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if pageSize < 1 || pageSize > repository.MaxPageSize {
		return 0, 0, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, repository.MaxPageSize)
	}
	return page, pageSize, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toEndpointResponse(e *domain.Endpoint) endpointResponse {
	if e == nil {
		return endpointResponse{}
	}

	events := make([]string, 0, len(e.Events))
	for _, et := range e.Events {
		events = append(events, et.String())
	}

	return endpointResponse{
		ID:              e.ID,
		TenantID:        e.TenantID,
		URL:             e.URL,
		Events:          events,
		Description:     e.Description,
		IsActive:        e.IsActive,
		RetryCount:      e.RetryCount,
		TimeoutMS:       e.TimeoutMS,
		FailureCount:    e.FailureCount,
		LastError:       e.LastError,
		LastTriggeredAt: e.LastTriggeredAt,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func toDeliveryLogResponse(l *domain.DeliveryLog) deliveryLogResponse {
	if l == nil {
		return deliveryLogResponse{}
	}

	return deliveryLogResponse{
		ID:            l.ID,
		EndpointID:    l.EndpointID,
		EventType:     l.EventType.String(),
		EventID:       l.EventID,
		Payload:       l.Payload,
		AttemptNumber: l.AttemptNumber,
		MaxAttempts:   l.MaxAttempts,
		Status:        l.Status.String(),
		StatusCode:    l.StatusCode,
		ResponseBody:  l.ResponseBody,
		ErrorMessage:  l.ErrorMessage,
		DurationMS:    l.DurationMS,
		TriggeredAt:   l.TriggeredAt,
		CompletedAt:   l.CompletedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrLedgerUnavailable):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
