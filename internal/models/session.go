package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MFA verification states. A session past its expiry is dead regardless of
// the stored state; "dead" is derived from time comparison, never stored.
const (
	MFAStateUnverified = "unverified"
	MFAStateVerified   = "verified"
)

// Session binds a user and organization to an opaque high-entropy token.
// State only moves forward: unverified -> verified.
type Session struct {
	ID             string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID         string `gorm:"type:uuid;not null;index" json:"user_id"`
	User           *User  `gorm:"foreignKey:UserID" json:"user,omitempty"`
	OrganizationID string `gorm:"type:uuid;not null;index" json:"organization_id"`

	Token    string `gorm:"uniqueIndex;not null" json:"-"`
	MFAState string `gorm:"not null;default:'unverified'" json:"mfa_state"`

	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	Country   string `json:"country"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// ExpiredAt reports whether the session is dead at the supplied instant.
// The boundary is inclusive: a session is rejected exactly at ExpiresAt.
func (s *Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
