package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var endpointColumns = []string{
	"id", "tenant_id", "url", "secret", "events", "description", "is_active",
	"retry_count", "timeout_ms", "failure_count", "last_error", "last_triggered_at",
	"created_at", "updated_at",
}

var deliveryLogColumns = []string{
	"id", "endpoint_id", "tenant_id", "event_type", "event_id", "payload",
	"attempt_number", "max_attempts", "status", "status_code", "response_body",
	"error_message", "duration_ms", "triggered_at", "completed_at",
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}

	return db, mock
}

func TestEndpointRepoListSubscribedFiltersByEventArray(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormEndpointRepo(db)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(endpointColumns).
		AddRow("ep-1", "t1", "https://a.example.com", "s1", "{order.created,payment.failed}", "", true, 3, 10000, 0, nil, nil, now, now)

	mock.ExpectQuery(`SELECT \* FROM "webhook_endpoints" WHERE tenant_id = \$1 AND is_active = \$2 AND events @> ARRAY\[\$3\]::text\[\]`).
		WithArgs("t1", true, "order.created").
		WillReturnRows(rows)

	got, err := repo.ListSubscribed(context.Background(), "t1", domain.EventOrderCreated)
	if err != nil {
		t.Fatalf("ListSubscribed() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ListSubscribed() len = %d, want 1", len(got))
	}
	if len(got[0].Events) != 2 || got[0].Events[1] != domain.EventPaymentFailed {
		t.Fatalf("Events = %v, want [order.created payment.failed]", got[0].Events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEndpointRepoGetByIDNotFound(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormEndpointRepo(db)

	mock.ExpectQuery(`SELECT \* FROM "webhook_endpoints" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(endpointColumns))

	_, err := repo.GetByID(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetByID() error = %v, want ErrNotFound", err)
	}
}

func TestEndpointRepoRecordFailureIncrementsInSQL(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormEndpointRepo(db)

	mock.ExpectExec(`UPDATE "webhook_endpoints" SET .*failure_count"?=failure_count \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.RecordFailure(context.Background(), "ep-1", "boom", time.Now()); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEndpointRepoRecordSuccessResetsCounter(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormEndpointRepo(db)

	mock.ExpectExec(`UPDATE "webhook_endpoints" SET .*"failure_count"=\$\d.*"last_error"=\$\d`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.RecordSuccess(context.Background(), "ep-1", time.Now()); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEndpointRepoSetActiveNotFound(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormEndpointRepo(db)

	mock.ExpectExec(`UPDATE "webhook_endpoints" SET "is_active"=\$1.*WHERE id = \$\d AND tenant_id = \$\d`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetActive(context.Background(), "t1", "ep-other-tenant", false)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("SetActive() error = %v, want ErrNotFound", err)
	}
}

func TestEndpointRepoDeleteRemovesLogs(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormEndpointRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "webhook_endpoints" WHERE id = \$1 AND tenant_id = \$2`).
		WithArgs("ep-1", "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM "webhook_delivery_logs" WHERE endpoint_id = \$1`).
		WithArgs("ep-1").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	if err := repo.Delete(context.Background(), "t1", "ep-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeliveryLogRepoUpdateAttemptTerminalRowConflict(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormDeliveryLogRepo(db)

	mock.ExpectExec(`UPDATE "webhook_delivery_logs" SET .*WHERE id = \$\d+ AND status IN \(\$\d+,\$\d+\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateAttempt(context.Background(), "log-1", domain.AttemptUpdate{
		AttemptNumber: 2,
		Status:        domain.DeliveryRetrying,
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("UpdateAttempt() error = %v, want ErrConflict", err)
	}
}

func TestDeliveryLogRepoListByEndpointNewestFirst(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormDeliveryLogRepo(db)
	newer := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "webhook_delivery_logs" WHERE endpoint_id = \$1`).
		WithArgs("ep-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	rows := sqlmock.NewRows(deliveryLogColumns).
		AddRow("log-2", "ep-1", "t1", "order.created", nil, "{}", 1, 4, "success", 200, "ok", nil, 12, newer, newer).
		AddRow("log-1", "ep-1", "t1", "order.created", nil, "{}", 4, 4, "failed", 500, "err", "boom", 30, older, older)
	mock.ExpectQuery(`SELECT \* FROM "webhook_delivery_logs" WHERE endpoint_id = \$1 ORDER BY triggered_at DESC LIMIT`).
		WillReturnRows(rows)

	logs, total, err := repo.ListByEndpoint(context.Background(), "ep-1", 1, 500)
	if err != nil {
		t.Fatalf("ListByEndpoint() error = %v", err)
	}
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
	if len(logs) != 2 || logs[0].ID != "log-2" {
		t.Fatalf("logs = %+v, want newest first", logs)
	}
	if logs[1].Status != domain.DeliveryFailed || logs[1].AttemptNumber != 4 {
		t.Fatalf("logs[1] = %+v", logs[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeliveryLogRepoCountByStatus(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormDeliveryLogRepo(db)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) as count FROM "webhook_delivery_logs" WHERE endpoint_id = \$1 GROUP BY "status"`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("success", 7).
			AddRow("failed", 2))

	counts, err := repo.CountByStatus(context.Background(), "ep-1")
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if len(counts) != 2 || counts[0].Status != domain.DeliverySuccess || counts[0].Count != 7 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestDeliveryLogRepoCountByStatusRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	repo := NewGormDeliveryLogRepo(db)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) as count FROM "webhook_delivery_logs" WHERE endpoint_id = \$1 GROUP BY "status"`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("success", 7).
			AddRow("delivered", 1))

	_, err := repo.CountByStatus(context.Background(), "ep-1")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("CountByStatus() error = %v, want %v", err, domain.ErrValidation)
	}
}

func TestModelMappersRoundTripEvents(t *testing.T) {
	t.Parallel()

	e := &domain.Endpoint{
		ID:     "ep-1",
		Events: []domain.EventType{domain.EventCourseEnrollment, domain.EventCourseCompleted},
	}

	model := endpointModelFromDomain(e)
	if len(model.Events) != 2 || model.Events[0] != "course.enrollment" {
		t.Fatalf("model.Events = %v", model.Events)
	}

	back := endpointModelToDomain(model)
	if back.Events[1] != domain.EventCourseCompleted {
		t.Fatalf("Events = %v", back.Events)
	}
	if endpointModelFromDomain(nil) != nil || deliveryLogModelToDomain(nil) != nil {
		t.Fatal("nil mappers should return nil")
	}
}
