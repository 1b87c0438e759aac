package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/webhook-dispatcher/internal/repository"
	"gorm.io/gorm"
)

func createEndpointsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_webhook_endpoints",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.EndpointModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_webhook_endpoints_tenant ON webhook_endpoints (tenant_id, created_at DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_webhook_endpoints_events ON webhook_endpoints USING GIN (events) WHERE is_active`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.EndpointModel{})
		},
	}
}
