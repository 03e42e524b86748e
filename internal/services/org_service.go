package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/internal/vault"
	apperrors "github.com/keyfold/keyfold/pkg/errors"
)

// Tenant policy defaults applied at creation time. Booleans live here
// instead of column defaults so an explicit false survives the insert.
const (
	DefaultMinPwdLen       = 12
	DefaultMinLowercase    = 1
	DefaultMinUppercase    = 1
	DefaultMinNumeric      = 1
	DefaultMinSpecial      = 1
	DefaultSpecialCharset  = "!@#$%^&*()_+-=[]{};:,.<>?"
	DefaultSessionInterval = 12 * time.Hour
	DefaultBruteForceLimit = 10
	DefaultBruteForceJail  = time.Hour
)

// OrgInput carries the caller-controlled attributes for a new tenant.
// Zero-valued policy fields take the defaults above.
type OrgInput struct {
	Name string
	Slug string

	EnforceMFA            bool
	AllowMultipleSessions *bool
	SelfServicePwdReset   *bool
	SessionInterval       time.Duration
}

// NewDefaultOrganization returns a fully-populated tenant record with the
// default policy. The signing and data keys are not set; the organization
// service wraps fresh key material during Create.
func NewDefaultOrganization(name, slug string) models.Organization {
	return models.Organization{
		Name:            strings.TrimSpace(name),
		Slug:            strings.ToLower(strings.TrimSpace(slug)),
		MinPwdLen:       DefaultMinPwdLen,
		MinLowercase:    DefaultMinLowercase,
		MinUppercase:    DefaultMinUppercase,
		MinNumeric:      DefaultMinNumeric,
		MinSpecial:      DefaultMinSpecial,
		SpecialCharset:  DefaultSpecialCharset,
		SessionInterval: DefaultSessionInterval,
		BruteForceLimit: DefaultBruteForceLimit,
		BruteForceJail:  DefaultBruteForceJail,

		SelfServicePwdReset:   true,
		AllowMultipleSessions: true,
	}
}

// OrgService manages tenant records and their wrapped key material.
type OrgService struct {
	db      *gorm.DB
	keyring *vault.Keyring
}

// NewOrgService builds the tenant service.
func NewOrgService(db *gorm.DB, keyring *vault.Keyring) (*OrgService, error) {
	if db == nil {
		return nil, errors.New("org service: db is required")
	}
	if keyring == nil {
		return nil, errors.New("org service: keyring is required")
	}
	return &OrgService{db: db, keyring: keyring}, nil
}

// Create provisions a tenant with fresh wrapped signing and data keys.
// Name and slug are globally unique.
func (s *OrgService) Create(ctx context.Context, input OrgInput) (*models.Organization, error) {
	org := NewDefaultOrganization(input.Name, input.Slug)
	if org.Name == "" || org.Slug == "" {
		return nil, apperrors.NewBadRequest("organization name and slug are required")
	}

	org.EnforceMFA = input.EnforceMFA
	if input.AllowMultipleSessions != nil {
		org.AllowMultipleSessions = *input.AllowMultipleSessions
	}
	if input.SelfServicePwdReset != nil {
		org.SelfServicePwdReset = *input.SelfServicePwdReset
	}
	if input.SessionInterval > 0 {
		org.SessionInterval = input.SessionInterval
	}

	signingKey, dataKey, err := s.keyring.NewOrgKeys()
	if err != nil {
		return nil, fmt.Errorf("org service: provision keys: %w", err)
	}
	org.SigningKey = signingKey
	org.DataKey = dataKey

	if err := s.db.WithContext(ctx).Create(&org).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.ErrConflict.WithInternal(err)
		}
		return nil, fmt.Errorf("org service: create: %w", err)
	}
	return &org, nil
}

// GetBySlug resolves the tenant carried in the organization cookie.
func (s *OrgService) GetBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return nil, apperrors.ErrNotFound
	}

	var org models.Organization
	err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&org).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("org service: get by slug: %w", err)
	}
	return &org, nil
}

// GetByID loads a tenant by primary key.
func (s *OrgService) GetByID(ctx context.Context, id string) (*models.Organization, error) {
	var org models.Organization
	err := s.db.WithContext(ctx).First(&org, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("org service: get by id: %w", err)
	}
	return &org, nil
}

// UpdatePolicy applies a partial policy update to the tenant.
func (s *OrgService) UpdatePolicy(ctx context.Context, id string, updates map[string]any) (*models.Organization, error) {
	if len(updates) == 0 {
		return s.GetByID(ctx, id)
	}

	result := s.db.WithContext(ctx).Model(&models.Organization{}).
		Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("org service: update policy: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, apperrors.ErrNotFound
	}
	return s.GetByID(ctx, id)
}

// Suspend disables the tenant. Organizations are never hard-deleted.
func (s *OrgService) Suspend(ctx context.Context, id string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&models.Organization{}).
		Where("id = ? AND suspended_at IS NULL", id).
		Update("suspended_at", &now)
	if result.Error != nil {
		return fmt.Errorf("org service: suspend: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
