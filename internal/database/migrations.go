package database

import (
	"gorm.io/gorm"

	"github.com/keyfold/keyfold/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Organization{},
		&models.User{},
		&models.Session{},
		&models.MFASecret{},
		&models.PasswordHistory{},
		&models.PasswordResetToken{},
		&models.RateLimitCounter{},
		&models.AccessLog{},
	)
}
