package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/vespl/caseflow/internal/models"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.CaseRecord{},
		&models.Transition{},
		&models.StageRecord{},
		&models.StageBackup{},
		&models.DocSequence{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
