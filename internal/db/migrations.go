package db

import (
	"fmt"

	"gorm.io/gorm"
)

// MigrateSerialUniqueIndex — уникальность serial_number с учётом soft-delete:
// partial-индекс на postgres, составной с deleted_at на остальных диалектах.
func MigrateSerialUniqueIndex(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	dialect := db.Dialector.Name()

	switch dialect {
	case "postgres":
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_targets_serial_null ON "target_devices" ("serial_number") WHERE "deleted_at" IS NULL AND "serial_number" <> ''`).Error

	case "mysql":
		// MySQL без partial-индексов: составной по (serial_number, deleted_at).
		return db.Exec("CREATE UNIQUE INDEX `ux_targets_serial_del` ON `target_devices` (`serial_number`, `deleted_at`)").Error

	case "sqlite":
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_targets_serial_null ON target_devices (serial_number) WHERE deleted_at IS NULL AND serial_number <> ''`).Error

	default:
		return fmt.Errorf("unsupported dialect: %s", dialect)
	}
}
