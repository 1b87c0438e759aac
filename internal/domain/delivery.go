package domain

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryStatus is the lifecycle state of a delivery log row.
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryRetrying DeliveryStatus = "retrying"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
)

func (s DeliveryStatus) String() string { return string(s) }

func (s DeliveryStatus) IsValid() bool {
	switch s {
	case DeliveryPending, DeliveryRetrying, DeliverySuccess, DeliveryFailed:
		return true
	}
	return false
}

func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliverySuccess || s == DeliveryFailed
}

func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	st := DeliveryStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid delivery status %q", ErrValidation, s)
	}
	return st, nil
}

// NonTerminalStatuses are the states a row may still leave.
func NonTerminalStatuses() []DeliveryStatus {
	return []DeliveryStatus{DeliveryPending, DeliveryRetrying}
}

// DeliveryLog is the single ledger row of one logical delivery to one endpoint.
type DeliveryLog struct {
	ID            string
	EndpointID    string
	TenantID      string
	EventType     EventType
	EventID       *string
	Payload       string
	AttemptNumber int
	MaxAttempts   int
	Status        DeliveryStatus
	StatusCode    *int
	ResponseBody  *string
	ErrorMessage  *string
	DurationMS    int64
	TriggeredAt   time.Time
	CompletedAt   *time.Time
}

// AttemptUpdate carries the result of one HTTP attempt onto an existing log row.
type AttemptUpdate struct {
	AttemptNumber int
	Status        DeliveryStatus
	StatusCode    *int
	ResponseBody  *string
	ErrorMessage  *string
	DurationMS    int64
	CompletedAt   *time.Time
}

// DeliveryStats summarizes delivery rows for an endpoint.
type DeliveryStats struct {
	EndpointID      string
	Total           int64
	Counts          map[DeliveryStatus]int64
	FailureCount    int
	LastError       *string
	LastTriggeredAt *time.Time
}

// SuccessRate is success / terminal rows, or 0 when nothing finished yet.
func (s DeliveryStats) SuccessRate() float64 {
	finished := s.Counts[DeliverySuccess] + s.Counts[DeliveryFailed]
	if finished == 0 {
		return 0
	}
	return float64(s.Counts[DeliverySuccess]) / float64(finished)
}
