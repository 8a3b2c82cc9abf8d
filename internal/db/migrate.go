package db

import (
	"fmt"

	"github.com/zulandar/helpdesk/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model, parents before children.
func AllModels() []interface{} {
	return []interface{}{
		&models.UserProfile{},
		&models.Ticket{},
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

// DropAll drops every table, children first. Used to reset SQLite stores,
// which have no server-side database to drop.
func DropAll(db *gorm.DB) error {
	all := AllModels()
	for i := len(all) - 1; i >= 0; i-- {
		if err := db.Migrator().DropTable(all[i]); err != nil {
			return fmt.Errorf("db: drop table: %w", err)
		}
	}
	return nil
}
