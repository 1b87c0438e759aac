package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addDeliveryLogStaleIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_add_delivery_logs_stale_index",
		Migrate: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_delivery_logs_open ON webhook_delivery_logs (triggered_at) WHERE status IN ('pending', 'retrying')`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				`DROP INDEX IF EXISTS idx_delivery_logs_open`,
			})
		},
	}
}
