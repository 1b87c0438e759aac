package queue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
)

// EventMessage is the broker payload for an event awaiting routing.
type EventMessage struct {
	TenantID      string           `json:"tenantId"`
	EventType     domain.EventType `json:"eventType"`
	EventID       *string          `json:"eventId,omitempty"`
	CorrelationID string           `json:"correlationId,omitempty"`
	Data          json.RawMessage  `json:"data"`
}

func (m EventMessage) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("tenantId is required")
	}
	if !m.EventType.IsValid() {
		return fmt.Errorf("invalid event type %q", m.EventType)
	}
	if len(m.Data) > 0 && !json.Valid(m.Data) {
		return fmt.Errorf("data must be valid JSON")
	}
	return nil
}

// Event converts the message into the domain event it carries.
func (m EventMessage) Event() domain.Event {
	return domain.Event{
		TenantID: m.TenantID,
		Type:     m.EventType,
		ID:       m.EventID,
		Data:     m.Data,
	}
}

// NewEventMessage builds a broker message for ev.
func NewEventMessage(ev domain.Event, correlationID string) EventMessage {
	return EventMessage{
		TenantID:      ev.TenantID,
		EventType:     ev.Type,
		EventID:       ev.ID,
		CorrelationID: correlationID,
		Data:          ev.Data,
	}
}
