package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"gorm.io/gorm"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

type StatusCount struct {
	Status domain.DeliveryStatus
	Count  int64
}

type DeliveryLogRepository interface {
	Create(ctx context.Context, l *domain.DeliveryLog) error
	UpdateAttempt(ctx context.Context, id string, update domain.AttemptUpdate) error
	GetByID(ctx context.Context, id string) (*domain.DeliveryLog, error)
	ListByEndpoint(ctx context.Context, endpointID string, page int, pageSize int) ([]domain.DeliveryLog, int64, error)
	CountByStatus(ctx context.Context, endpointID string) ([]StatusCount, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]domain.DeliveryLog, error)
}

type GormDeliveryLogRepo struct {
	db *gorm.DB
}

func NewGormDeliveryLogRepo(db *gorm.DB) *GormDeliveryLogRepo {
	return &GormDeliveryLogRepo{db: db}
}

func (r *GormDeliveryLogRepo) Create(ctx context.Context, l *domain.DeliveryLog) error {
	model := deliveryLogModelFromDomain(l)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if l != nil {
		*l = *deliveryLogModelToDomain(model)
	}
	return nil
}

// UpdateAttempt writes the outcome of an attempt onto a non-terminal row.
// Terminal rows are immutable and yield ErrConflict.
func (r *GormDeliveryLogRepo) UpdateAttempt(ctx context.Context, id string, update domain.AttemptUpdate) error {
	result := r.db.WithContext(ctx).
		Model(&DeliveryLogModel{}).
		Where("id = ? AND status IN ?", id, domain.NonTerminalStatuses()).
		Updates(map[string]any{
			"attempt_number": update.AttemptNumber,
			"status":         update.Status,
			"status_code":    update.StatusCode,
			"response_body":  update.ResponseBody,
			"error_message":  update.ErrorMessage,
			"duration_ms":    update.DurationMS,
			"completed_at":   update.CompletedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormDeliveryLogRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryLog, error) {
	var model DeliveryLogModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deliveryLogModelToDomain(&model), nil
}

// ListByEndpoint pages through an endpoint's rows, newest first.
func (r *GormDeliveryLogRepo) ListByEndpoint(ctx context.Context, endpointID string, page int, pageSize int) ([]domain.DeliveryLog, int64, error) {
	query := r.db.WithContext(ctx).
		Model(&DeliveryLogModel{}).
		Where("endpoint_id = ?", endpointID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page = max(page, 1)
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	pageSize = min(pageSize, MaxPageSize)

	var models []DeliveryLogModel
	err := query.
		Order("triggered_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return deliveryLogModelsToDomain(models), total, nil
}

type statusCountRow struct {
	Status string `gorm:"column:status"`
	Count  int64  `gorm:"column:count"`
}

// CountByStatus groups the endpoint's rows by status. A status outside the
// lifecycle fails the call rather than being folded into the totals.
func (r *GormDeliveryLogRepo) CountByStatus(ctx context.Context, endpointID string) ([]StatusCount, error) {
	var rows []statusCountRow
	err := r.db.WithContext(ctx).
		Model(&DeliveryLogModel{}).
		Select("status, COUNT(*) as count").
		Where("endpoint_id = ?", endpointID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make([]StatusCount, 0, len(rows))
	for _, row := range rows {
		status, err := domain.ParseDeliveryStatus(row.Status)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", endpointID, err)
		}
		counts = append(counts, StatusCount{Status: status, Count: row.Count})
	}
	return counts, nil
}

// ListStale returns non-terminal rows triggered before the cutoff, oldest first.
func (r *GormDeliveryLogRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.DeliveryLog, error) {
	var models []DeliveryLogModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND triggered_at < ?", domain.NonTerminalStatuses(), before).
		Order("triggered_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return deliveryLogModelsToDomain(models), nil
}

func deliveryLogModelsToDomain(models []DeliveryLogModel) []domain.DeliveryLog {
	logs := make([]domain.DeliveryLog, 0, len(models))
	for i := range models {
		logs = append(logs, *deliveryLogModelToDomain(&models[i]))
	}
	return logs
}
