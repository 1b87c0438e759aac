package handler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"github.com/kursadbilgin/webhook-dispatcher/internal/queue"
	"go.uber.org/zap"
)

type EventHandler struct {
	publisher queue.Publisher
	logger    *zap.Logger
}

func NewEventHandler(publisher queue.Publisher, logger *zap.Logger) (*EventHandler, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{publisher: publisher, logger: logger}, nil
}

// RegisterEventRoutes mounts the trigger endpoint. Events are queued, not delivered inline.
func RegisterEventRoutes(router fiber.Router, publisher queue.Publisher, logger *zap.Logger) error {
	h, err := NewEventHandler(publisher, logger)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1", requireTenant)
	v1.Post("/events", h.TriggerEvent)
	return nil
}

type triggerEventRequest struct {
	EventType string          `json:"eventType"`
	EventID   *string         `json:"eventId,omitempty"`
	Data      json.RawMessage `json:"data"`
}

type triggerEventResponse struct {
	Status    string  `json:"status"`
	EventType string  `json:"eventType"`
	EventID   *string `json:"eventId,omitempty"`
}

func (h *EventHandler) TriggerEvent(c *fiber.Ctx) error {
	var req triggerEventRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	eventType, err := domain.ParseEventType(req.EventType)
	if err != nil {
		return toHTTPError(err)
	}

	var eventID *string
	if req.EventID != nil {
		if trimmed := strings.TrimSpace(*req.EventID); trimmed != "" {
			eventID = &trimmed
		}
	}

	event := domain.Event{
		TenantID: tenantFrom(c),
		Type:     eventType,
		ID:       eventID,
		Data:     req.Data,
	}
	if err := event.Validate(); err != nil {
		return toHTTPError(err)
	}

	msg := queue.NewEventMessage(event, requestCorrelationID(c))
	if err := h.publisher.Publish(c.Context(), msg); err != nil {
		h.logger.Error("failed to enqueue event",
			zap.String("tenantId", event.TenantID),
			zap.String("eventType", event.Type.String()),
			zap.Error(err),
		)
		return fiber.NewError(fiber.StatusServiceUnavailable, "failed to enqueue event")
	}

	return c.Status(fiber.StatusAccepted).JSON(triggerEventResponse{
		Status:    "accepted",
		EventType: event.Type.String(),
		EventID:   event.ID,
	})
}
