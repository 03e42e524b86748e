package models

import (
	"time"
)

// User belongs to exactly one organization. PasswordHash is nil until the
// user completes their first password reset; such accounts cannot log in.
type User struct {
	BaseModel

	OrganizationID string        `gorm:"type:uuid;not null;index" json:"organization_id"`
	Organization   *Organization `json:"organization,omitempty"`

	Email        string  `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash *string `json:"-"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`

	MFAEnabled bool       `gorm:"default:false" json:"mfa_enabled"`
	MFASecret  *MFASecret `gorm:"foreignKey:UserID" json:"-"`

	PasswordChangedAt *time.Time `json:"password_changed_at"`
	LastLoginAt       *time.Time `json:"last_login_at"`
	LastLoginIP       string     `json:"last_login_ip"`

	ArchivedAt *time.Time `gorm:"index" json:"archived_at"`

	Sessions []Session         `gorm:"foreignKey:UserID" json:"-"`
	History  []PasswordHistory `gorm:"foreignKey:UserID" json:"-"`
}

// Archived reports whether the account has been retired.
func (u *User) Archived() bool {
	return u.ArchivedAt != nil
}

// HasPassword reports whether the user has completed credential setup.
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}
