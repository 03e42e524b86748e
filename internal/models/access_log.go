package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AccessLog records authentication events: logins, MFA verifications, and
// password reset operations. Write path only.
type AccessLog struct {
	ID             string         `gorm:"primaryKey;type:uuid" json:"id"`
	OrganizationID string         `gorm:"type:uuid;index" json:"organization_id"`
	UserID         *string        `gorm:"type:uuid;index" json:"user_id"`
	User           *User          `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Action         string         `gorm:"not null;index" json:"action"`
	Result         string         `gorm:"not null" json:"result"`
	IPAddress      string         `json:"ip_address"`
	UserAgent      string         `json:"user_agent"`
	Country        string         `json:"country"`
	Metadata       datatypes.JSON `json:"metadata"`
	CreatedAt      time.Time      `gorm:"index" json:"created_at"`
}

func (a *AccessLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
