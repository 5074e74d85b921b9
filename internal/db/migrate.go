package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/kbmigrate/internal/models"
)

// AllModels returns every GORM model, parents first.
func AllModels() []interface{} {
	return []interface{}{
		&models.MigrationRun{},
		&models.RunError{},
		&models.Document{},
		&models.Attachment{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// Truncate deletes every row from every table, children first.
func Truncate(db *gorm.DB) error {
	all := AllModels()
	return db.Transaction(func(tx *gorm.DB) error {
		for i := len(all) - 1; i >= 0; i-- {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(all[i]).Error; err != nil {
				return fmt.Errorf("db: truncate %T: %w", all[i], err)
			}
		}
		return nil
	})
}
