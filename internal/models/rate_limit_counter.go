package models

import "time"

// RateLimitCounter is a fixed-window counter keyed by the caller identity
// (user id when authenticated, client IP otherwise) and the protected route.
type RateLimitCounter struct {
	BaseModel

	Identity      string    `gorm:"not null;uniqueIndex:idx_rate_identity_route" json:"identity"`
	Route         string    `gorm:"not null;uniqueIndex:idx_rate_identity_route" json:"route"`
	Count         int       `gorm:"not null;default:0" json:"count"`
	FirstCalledAt time.Time `gorm:"not null" json:"first_called_at"`
}
