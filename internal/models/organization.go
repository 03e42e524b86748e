package models

import (
	"time"

	"gorm.io/datatypes"
)

// Organization is the tenant root. The slug is the public identifier carried
// in the tenant cookie; signing and data keys are stored as ciphertext
// wrapped by the master key (see internal/vault).
type Organization struct {
	BaseModel

	Name string `gorm:"uniqueIndex;not null" json:"name"`
	Slug string `gorm:"uniqueIndex;not null" json:"slug"`

	SigningKey string `gorm:"not null" json:"-"`
	DataKey    string `gorm:"not null" json:"-"`

	// Password policy.
	MinPwdLen      int    `gorm:"default:12" json:"min_pwd_len"`
	MaxPwdLen      *int   `json:"max_pwd_len"`
	MinLowercase   int    `gorm:"default:1" json:"min_lowercase"`
	MinUppercase   int    `gorm:"default:1" json:"min_uppercase"`
	MinNumeric     int    `gorm:"default:1" json:"min_numeric"`
	MinSpecial     int    `gorm:"default:1" json:"min_special"`
	// The charset default comes from the organization factory; it cannot be
	// a column default because ';' terminates a gorm tag.
	SpecialCharset string `json:"special_charset"`
	PwdReused      *int   `json:"pwd_reused"`
	MaxPwdAgeDays  *int   `json:"max_pwd_age_days"`

	// Session and MFA policy.
	// Boolean defaults are applied by the organization factory rather than
	// column defaults, so an explicit false is never silently overridden.
	SessionInterval       time.Duration `gorm:"default:43200000000000" json:"session_interval"` // 12h in ns
	SelfServicePwdReset   bool          `json:"self_service_password_reset"`
	EnforceMFA            bool          `gorm:"default:false" json:"enforce_mfa"`
	AllowMultipleSessions bool          `json:"allow_multiple_sessions"`

	// Brute-force policy, applied by the rate limiter on auth routes.
	BruteForceLimit int           `gorm:"default:10" json:"brute_force_limit"`
	BruteForceJail  time.Duration `gorm:"default:3600000000000" json:"brute_force_jail"` // 1h in ns

	Settings datatypes.JSON `json:"settings"`

	// Organizations are never hard-deleted; suspension is the only lifecycle.
	SuspendedAt *time.Time `json:"suspended_at"`

	Users []User `gorm:"foreignKey:OrganizationID" json:"users,omitempty"`
}

// Suspended reports whether the tenant is disabled.
func (o *Organization) Suspended() bool {
	return o.SuspendedAt != nil
}
