package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"gorm.io/gorm"
)

type EndpointRepository interface {
	Create(ctx context.Context, e *domain.Endpoint) error
	GetByID(ctx context.Context, id string) (*domain.Endpoint, error)
	ListByTenant(ctx context.Context, tenantID string) ([]domain.Endpoint, error)
	ListSubscribed(ctx context.Context, tenantID string, eventType domain.EventType) ([]domain.Endpoint, error)
	SetActive(ctx context.Context, tenantID string, id string, active bool) error
	Delete(ctx context.Context, tenantID string, id string) error
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id string, lastError string, at time.Time) error
}

type GormEndpointRepo struct {
	db *gorm.DB
}

func NewGormEndpointRepo(db *gorm.DB) *GormEndpointRepo {
	return &GormEndpointRepo{db: db}
}

func (r *GormEndpointRepo) Create(ctx context.Context, e *domain.Endpoint) error {
	model := endpointModelFromDomain(e)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if e != nil {
		*e = *endpointModelToDomain(model)
	}
	return nil
}

func (r *GormEndpointRepo) GetByID(ctx context.Context, id string) (*domain.Endpoint, error) {
	var model EndpointModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return endpointModelToDomain(&model), nil
}

func (r *GormEndpointRepo) ListByTenant(ctx context.Context, tenantID string) ([]domain.Endpoint, error) {
	var models []EndpointModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return endpointModelsToDomain(models), nil
}

// ListSubscribed returns active endpoints of the tenant whose events array contains eventType.
func (r *GormEndpointRepo) ListSubscribed(ctx context.Context, tenantID string, eventType domain.EventType) ([]domain.Endpoint, error) {
	var models []EndpointModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ? AND events @> ARRAY[?]::text[]", tenantID, true, eventType.String()).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return endpointModelsToDomain(models), nil
}

func (r *GormEndpointRepo) SetActive(ctx context.Context, tenantID string, id string, active bool) error {
	result := r.db.WithContext(ctx).
		Model(&EndpointModel{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Update("is_active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes the endpoint together with its delivery history.
func (r *GormEndpointRepo) Delete(ctx context.Context, tenantID string, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND tenant_id = ?", id, tenantID).Delete(&EndpointModel{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return tx.Where("endpoint_id = ?", id).Delete(&DeliveryLogModel{}).Error
	})
}

func (r *GormEndpointRepo) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&EndpointModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"failure_count":     0,
			"last_error":        nil,
			"last_triggered_at": at,
		}).Error
}

// RecordFailure increments failure_count in SQL so concurrent deliveries never lose updates.
func (r *GormEndpointRepo) RecordFailure(ctx context.Context, id string, lastError string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&EndpointModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"failure_count":     gorm.Expr("failure_count + 1"),
			"last_error":        lastError,
			"last_triggered_at": at,
		}).Error
}

func endpointModelsToDomain(models []EndpointModel) []domain.Endpoint {
	endpoints := make([]domain.Endpoint, 0, len(models))
	for i := range models {
		endpoints = append(endpoints, *endpointModelToDomain(&models[i]))
	}
	return endpoints
}
