package database

import (
	"fmt"

	"brokerhub/internal/config"
	"brokerhub/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates or updates the trade_previews and trade_orders tables.
// Orders are an append-only audit trail, so unlike a scratch schema nothing is
// ever dropped here.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.TradePreview{}, &models.TradeOrder{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}
