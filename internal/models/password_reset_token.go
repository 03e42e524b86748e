package models

import "time"

// PasswordResetToken holds the single active reset token for a user. The
// unique index on UserID enforces at-most-one; reissuing overwrites the row
// and consumption deletes it.
type PasswordResetToken struct {
	BaseModel

	UserID    string    `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`
	Token     string    `gorm:"uniqueIndex;not null" json:"-"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
}
