package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultRetryCount = 3
	MaxRetryCount     = 10
	DefaultTimeoutMS  = 10000
	MinTimeoutMS      = 100
	MaxTimeoutMS      = 60000
)

// Endpoint is a tenant-registered URL that receives signed event deliveries.
type Endpoint struct {
	ID              string
	TenantID        string
	URL             string
	Secret          string
	Events          []EventType
	Description     string
	IsActive        bool
	RetryCount      int
	TimeoutMS       int
	FailureCount    int
	LastError       *string
	LastTriggeredAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Subscribes reports whether the endpoint listens for the event type.
func (e *Endpoint) Subscribes(eventType EventType) bool {
	if e == nil {
		return false
	}
	for _, et := range e.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// MaxAttempts is the total number of HTTP attempts per delivery.
func (e *Endpoint) MaxAttempts() int {
	if e == nil || e.RetryCount < 0 {
		return 1
	}
	return e.RetryCount + 1
}

func (e *Endpoint) Timeout() time.Duration {
	if e == nil || e.TimeoutMS <= 0 {
		return DefaultTimeoutMS * time.Millisecond
	}
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

func (e *Endpoint) Validate() error {
	if strings.TrimSpace(e.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrValidation)
	}
	if err := ValidateEndpointURL(e.URL); err != nil {
		return err
	}
	if len(e.Events) == 0 {
		return fmt.Errorf("%w: at least one event type is required", ErrValidation)
	}
	for _, et := range e.Events {
		if !et.IsValid() {
			return fmt.Errorf("%w: unknown event type %q", ErrValidation, et)
		}
	}
	if e.RetryCount < 0 || e.RetryCount > MaxRetryCount {
		return fmt.Errorf("%w: retryCount must be between 0 and %d", ErrValidation, MaxRetryCount)
	}
	if e.TimeoutMS < MinTimeoutMS || e.TimeoutMS > MaxTimeoutMS {
		return fmt.Errorf("%w: timeoutMs must be between %d and %d", ErrValidation, MinTimeoutMS, MaxTimeoutMS)
	}
	return nil
}

func ValidateEndpointURL(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("%w: url is required", ErrValidation)
	}
	parsed, err := url.ParseRequestURI(trimmed)
	if err != nil {
		return fmt.Errorf("%w: invalid url: %v", ErrValidation, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: url scheme must be http or https", ErrValidation)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: url host is required", ErrValidation)
	}
	return nil
}
