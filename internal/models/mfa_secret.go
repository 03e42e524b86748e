package models

import (
	"time"

	"gorm.io/datatypes"
)

// MFASecret stores a user's TOTP seed encrypted with the organization data
// key. Confirmed is false while enrollment is pending; the seed is only
// trusted once the user has proven possession with a valid code.
type MFASecret struct {
	BaseModel

	UserID      string         `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`
	Secret      string         `gorm:"not null" json:"-"`
	Confirmed   bool           `gorm:"default:false" json:"confirmed"`
	BackupCodes datatypes.JSON `json:"-"`
	LastUsedAt  *time.Time     `json:"last_used_at"`
}
