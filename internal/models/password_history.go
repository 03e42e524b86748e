package models

import "time"

// PasswordHistory stores a superseded password hash for reuse detection.
// Retention is bounded by the organization's configured reuse depth.
type PasswordHistory struct {
	BaseModel

	UserID       string    `gorm:"type:uuid;not null;index" json:"user_id"`
	Hash         string    `gorm:"not null" json:"-"`
	SupersededAt time.Time `gorm:"index" json:"superseded_at"`
}
