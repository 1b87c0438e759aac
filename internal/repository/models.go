package repository

import (
	"time"

	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"github.com/lib/pq"
)

// EndpointModel is the persistence model for the webhook_endpoints table.
type EndpointModel struct {
	ID              string         `gorm:"type:uuid;primaryKey"`
	TenantID        string         `gorm:"type:varchar(64);not null"`
	URL             string         `gorm:"type:text;not null"`
	Secret          string         `gorm:"type:varchar(128);not null"`
	Events          pq.StringArray `gorm:"type:text[];not null"`
	Description     string         `gorm:"type:text;not null;default:''"`
	IsActive        bool           `gorm:"not null"`
	RetryCount      int            `gorm:"not null"`
	TimeoutMS       int            `gorm:"column:timeout_ms;not null"`
	FailureCount    int            `gorm:"not null;default:0"`
	LastError       *string        `gorm:"type:text"`
	LastTriggeredAt *time.Time     `gorm:"type:timestamptz"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (EndpointModel) TableName() string {
	return "webhook_endpoints"
}

// DeliveryLogModel is the persistence model for webhook_delivery_logs.
type DeliveryLogModel struct {
	ID            string                `gorm:"type:uuid;primaryKey"`
	EndpointID    string                `gorm:"type:uuid;not null"`
	TenantID      string                `gorm:"type:varchar(64);not null"`
	EventType     domain.EventType      `gorm:"type:varchar(64);not null"`
	EventID       *string               `gorm:"type:varchar(255)"`
	Payload       string                `gorm:"type:text;not null"`
	AttemptNumber int                   `gorm:"not null"`
	MaxAttempts   int                   `gorm:"not null"`
	Status        domain.DeliveryStatus `gorm:"type:varchar(16);not null"`
	StatusCode    *int                  `gorm:"type:int"`
	ResponseBody  *string               `gorm:"type:text"`
	ErrorMessage  *string               `gorm:"type:text"`
	DurationMS    int64                 `gorm:"column:duration_ms;not null;default:0"`
	TriggeredAt   time.Time             `gorm:"type:timestamptz;not null"`
	CompletedAt   *time.Time            `gorm:"type:timestamptz"`
}

func (DeliveryLogModel) TableName() string {
	return "webhook_delivery_logs"
}

func endpointModelFromDomain(e *domain.Endpoint) *EndpointModel {
	if e == nil {
		return nil
	}

	events := make(pq.StringArray, 0, len(e.Events))
	for _, et := range e.Events {
		events = append(events, et.String())
	}

	return &EndpointModel{
		ID:              e.ID,
		TenantID:        e.TenantID,
		URL:             e.URL,
		Secret:          e.Secret,
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

func endpointModelToDomain(m *EndpointModel) *domain.Endpoint {
	if m == nil {
		return nil
	}

	events := make([]domain.EventType, 0, len(m.Events))
	for _, et := range m.Events {
		events = append(events, domain.EventType(et))
	}

	return &domain.Endpoint{
		ID:              m.ID,
		TenantID:        m.TenantID,
		URL:             m.URL,
		Secret:          m.Secret,
		Events:          events,
		Description:     m.Description,
		IsActive:        m.IsActive,
		RetryCount:      m.RetryCount,
		TimeoutMS:       m.TimeoutMS,
		FailureCount:    m.FailureCount,
		LastError:       m.LastError,
		LastTriggeredAt: m.LastTriggeredAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func deliveryLogModelFromDomain(l *domain.DeliveryLog) *DeliveryLogModel {
	if l == nil {
		return nil
	}

	return &DeliveryLogModel{
		ID:            l.ID,
		EndpointID:    l.EndpointID,
		TenantID:      l.TenantID,
		EventType:     l.EventType,
		EventID:       l.EventID,
		Payload:       l.Payload,
		AttemptNumber: l.AttemptNumber,
		MaxAttempts:   l.MaxAttempts,
		Status:        l.Status,
		StatusCode:    l.StatusCode,
		ResponseBody:  l.ResponseBody,
		ErrorMessage:  l.ErrorMessage,
		DurationMS:    l.DurationMS,
		TriggeredAt:   l.TriggeredAt,
		CompletedAt:   l.CompletedAt,
	}
}

func deliveryLogModelToDomain(m *DeliveryLogModel) *domain.DeliveryLog {
	if m == nil {
		return nil
	}

	return &domain.DeliveryLog{
		ID:            m.ID,
		EndpointID:    m.EndpointID,
		TenantID:      m.TenantID,
		EventType:     m.EventType,
		EventID:       m.EventID,
		Payload:       m.Payload,
		AttemptNumber: m.AttemptNumber,
		MaxAttempts:   m.MaxAttempts,
		Status:        m.Status,
		StatusCode:    m.StatusCode,
		ResponseBody:  m.ResponseBody,
		ErrorMessage:  m.ErrorMessage,
		DurationMS:    m.DurationMS,
		TriggeredAt:   m.TriggeredAt,
		CompletedAt:   m.CompletedAt,
	}
}
