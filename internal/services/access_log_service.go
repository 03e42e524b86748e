package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/keyfold/keyfold/internal/geoip"
	"github.com/keyfold/keyfold/internal/models"
)

// Access-history actions and results.
const (
	ActionLogin         = "login"
	ActionMFAVerify     = "mfa_verify"
	ActionMFASetup      = "mfa_setup"
	ActionLogout        = "logout"
	ActionPasswordReset = "password_reset"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

// AccessRecord is one authentication event to be appended to the history.
type AccessRecord struct {
	OrganizationID string
	UserID         string
	Action         string
	Result         string
	IPAddress      string
	UserAgent      string
	Metadata       map[string]any
}

// AccessLogService appends and prunes access-history entries. Writes are
// best-effort from the caller's point of view: an audit failure must never
// abort the authentication flow, so callers log returned errors instead of
// propagating them.
type AccessLogService struct {
	db       *gorm.DB
	resolver geoip.Resolver
	now      func() time.Time
}

// NewAccessLogService builds the audit writer. A nil resolver disables
// country annotation.
func NewAccessLogService(db *gorm.DB, resolver geoip.Resolver) (*AccessLogService, error) {
	if db == nil {
		return nil, errors.New("access log: db is required")
	}
	return &AccessLogService{
		db:       db,
		resolver: resolver,
		now:      time.Now,
	}, nil
}

// Record appends one entry, annotating it with the resolved country.
func (s *AccessLogService) Record(ctx context.Context, record AccessRecord) error {
	if record.Action == "" || record.Result == "" {
		return errors.New("access log: action and result are required")
	}

	entry := models.AccessLog{
		OrganizationID: record.OrganizationID,
		Action:         record.Action,
		Result:         record.Result,
		IPAddress:      strings.TrimSpace(record.IPAddress),
		UserAgent:      strings.TrimSpace(record.UserAgent),
	}
	if record.UserID != "" {
		id := record.UserID
		entry.UserID = &id
	}
	if s.resolver != nil && entry.IPAddress != "" {
		entry.Country = s.resolver.Lookup(entry.IPAddress).Country
	}
	if len(record.Metadata) > 0 {
		raw, err := json.Marshal(record.Metadata)
		if err != nil {
			return fmt.Errorf("access log: marshal metadata: %w", err)
		}
		entry.Metadata = datatypes.JSON(raw)
	}

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("access log: record: %w", err)
	}
	return nil
}

// ListForOrganization returns the most recent entries for a tenant.
func (s *AccessLogService) ListForOrganization(ctx context.Context, orgID string, limit int) ([]models.AccessLog, error) {
	if limit <= 0 {
		limit = 50
	}

	var entries []models.AccessLog
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("access log: list: %w", err)
	}
	return entries, nil
}

// CleanupOlderThan removes entries past the retention window.
func (s *AccessLogService) CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention)
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.AccessLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("access log: cleanup: %w", result.Error)
	}
	return result.RowsAffected, nil
}
