package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/keyfold/keyfold/internal/models"
	apperrors "github.com/keyfold/keyfold/pkg/errors"
)

// InviteInput describes a user to be provisioned without credentials.
type InviteInput struct {
	Email     string
	FirstName string
	LastName  string
}

// UserService manages account records. Credential material is owned by the
// reset flow; invited users carry no password hash until they complete one.
type UserService struct {
	db *gorm.DB
}

// NewUserService builds the account service.
func NewUserService(db *gorm.DB) (*UserService, error) {
	if db == nil {
		return nil, errors.New("user service: db is required")
	}
	return &UserService{db: db}, nil
}

// Invite creates an account with no password. The user must complete a
// password reset before their first login.
func (s *UserService) Invite(ctx context.Context, org *models.Organization, input InviteInput) (*models.User, error) {
	if org == nil {
		return nil, errors.New("user service: organization is required")
	}

	email := strings.ToLower(strings.TrimSpace(input.Email))
	if email == "" {
		return nil, apperrors.NewBadRequest("email is required")
	}

	user := models.User{
		OrganizationID: org.ID,
		Email:          email,
		FirstName:      strings.TrimSpace(input.FirstName),
		LastName:       strings.TrimSpace(input.LastName),
	}

	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.ErrConflict.WithInternal(err)
		}
		return nil, fmt.Errorf("user service: invite: %w", err)
	}

	user.Organization = org
	return &user, nil
}

// GetByEmail loads an account with its organization preloaded.
func (s *UserService) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var user models.User
	err := s.db.WithContext(ctx).Preload("Organization").
		Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user service: get by email: %w", err)
	}
	return &user, nil
}

// GetByID loads an account by primary key.
func (s *UserService) GetByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Preload("Organization").
		First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user service: get by id: %w", err)
	}
	return &user, nil
}

// Archive retires the account. Archived users cannot log in or reset their
// password; their sessions die naturally at expiry.
func (s *UserService) Archive(ctx context.Context, id string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND archived_at IS NULL", id).
		Update("archived_at", &now)
	if result.Error != nil {
		return fmt.Errorf("user service: archive: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// RecordLogin stamps the last successful login time and source address.
func (s *UserService) RecordLogin(ctx context.Context, userID, ip string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"last_login_at": &now,
			"last_login_ip": strings.TrimSpace(ip),
		}).Error
}
