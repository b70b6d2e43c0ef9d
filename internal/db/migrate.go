package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/myelo/internal/models"
)

// AllModels returns every GORM model owned by the checkpoint database.
func AllModels() []interface{} {
	return []interface{}{
		&models.Checkpoint{},
	}
}

// AutoMigrate creates or updates the checkpoint tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// DropAll removes every checkpoint table. Used by `myelo db reset`.
func DropAll(db *gorm.DB) error {
	if err := db.Migrator().DropTable(AllModels()...); err != nil {
		return fmt.Errorf("db: drop tables: %w", err)
	}
	return nil
}
