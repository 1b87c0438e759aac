package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType names a business event endpoints can subscribe to.
type EventType string

const (
	EventOrderCreated         EventType = "order.created"
	EventOrderCompleted       EventType = "order.completed"
	EventOrderCancelled       EventType = "order.cancelled"
	EventOrderPaymentReceived EventType = "order.payment_received"
	EventOrderPaymentFailed   EventType = "order.payment_failed"
	EventOrderRefunded        EventType = "order.refunded"

	EventProductCreated    EventType = "product.created"
	EventProductUpdated    EventType = "product.updated"
	EventProductDeleted    EventType = "product.deleted"
	EventProductStockLow   EventType = "product.stock_low"
	EventProductOutOfStock EventType = "product.out_of_stock"

	EventCustomerCreated EventType = "customer.created"
	EventCustomerUpdated EventType = "customer.updated"

	EventPaymentCompleted EventType = "payment.completed"
	EventPaymentFailed    EventType = "payment.failed"
	EventPaymentRefunded  EventType = "payment.refunded"

	EventServiceBookingConfirmed EventType = "service.booking_confirmed"
	EventServiceBookingCancelled EventType = "service.booking_cancelled"

	EventCourseEnrollment EventType = "course.enrollment"
	EventCourseCompleted  EventType = "course.completed"
)

var eventTypes = []EventType{
	EventOrderCreated,
	EventOrderCompleted,
	EventOrderCancelled,
	EventOrderPaymentReceived,
	EventOrderPaymentFailed,
	EventOrderRefunded,
	EventProductCreated,
	EventProductUpdated,
	EventProductDeleted,
	EventProductStockLow,
	EventProductOutOfStock,
	EventCustomerCreated,
	EventCustomerUpdated,
	EventPaymentCompleted,
	EventPaymentFailed,
	EventPaymentRefunded,
	EventServiceBookingConfirmed,
	EventServiceBookingCancelled,
	EventCourseEnrollment,
	EventCourseCompleted,
}

func (e EventType) String() string { return string(e) }

func (e EventType) IsValid() bool {
	for _, known := range eventTypes {
		if e == known {
			return true
		}
	}
	return false
}

// EventTypes returns the full event vocabulary.
func EventTypes() []EventType {
	out := make([]EventType, len(eventTypes))
	copy(out, eventTypes)
	return out
}

func ParseEventType(s string) (EventType, error) {
	et := EventType(strings.ToLower(strings.TrimSpace(s)))
	if !et.IsValid() {
		return "", fmt.Errorf("%w: unknown event type %q", ErrValidation, s)
	}
	return et, nil
}

// ParseEventTypes validates a subscription list, dropping duplicates while keeping order.
func ParseEventTypes(values []string) ([]EventType, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: at least one event type is required", ErrValidation)
	}

	seen := make(map[EventType]struct{}, len(values))
	out := make([]EventType, 0, len(values))
	for _, v := range values {
		et, err := ParseEventType(v)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[et]; dup {
			continue
		}
		seen[et] = struct{}{}
		out = append(out, et)
	}
	return out, nil
}

// Event is a business occurrence raised for a tenant. It is never persisted as-is.
type Event struct {
	TenantID string
	Type     EventType
	ID       *string
	Data     json.RawMessage
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrValidation)
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: unknown event type %q", ErrValidation, e.Type)
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return fmt.Errorf("%w: event data must be valid JSON", ErrValidation)
	}
	return nil
}
