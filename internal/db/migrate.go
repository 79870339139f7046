package db

import (
	"fmt"

	"github.com/zulandar/leadline/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model the cache uses.
func AllModels() []interface{} {
	return []interface{}{
		&models.CachedRoom{},
		&models.CachedMessage{},
	}
}

// AutoMigrate creates or updates the cache tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// Purge deletes every cached row.
func Purge(db *gorm.DB) error {
	for _, m := range AllModels() {
		if err := db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m).Error; err != nil {
			return fmt.Errorf("db: purge %T: %w", m, err)
		}
	}
	return nil
}
