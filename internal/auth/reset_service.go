package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/internal/policy"
	"github.com/keyfold/keyfold/pkg/crypto"
	apperrors "github.com/keyfold/keyfold/pkg/errors"
	"github.com/keyfold/keyfold/pkg/logger"
	"github.com/keyfold/keyfold/pkg/metrics"
)

const (
	resetTokenLength = 48
	resetTokenTTL    = 72 * time.Hour
)

// ResetService drives the self-service password reset flow. Requests never
// reveal whether an account exists; token delivery (email) is the caller's
// concern.
type ResetService struct {
	db       *gorm.DB
	sessions *SessionService

	tokenTTL time.Duration
	now      func() time.Time
}

// ResetOption configures the reset service.
type ResetOption func(*ResetService)

// WithResetTokenTTL overrides the token lifetime.
func WithResetTokenTTL(ttl time.Duration) ResetOption {
	return func(s *ResetService) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// WithResetClock injects a custom clock for tests.
func WithResetClock(clock func() time.Time) ResetOption {
	return func(s *ResetService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewResetService wires the reset flow against the database and the session
// manager used to revoke logins after a completed reset.
func NewResetService(db *gorm.DB, sessions *SessionService, opts ...ResetOption) (*ResetService, error) {
	if db == nil {
		return nil, errors.New("reset: db is required")
	}
	if sessions == nil {
		return nil, errors.New("reset: session service is required")
	}

	service := &ResetService{
		db:       db,
		sessions: sessions,
		tokenTTL: resetTokenTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// Request issues a reset token for the account if it exists, is not archived,
// and the organization permits self-service reset. It returns (nil, nil) in
// every other case so callers can respond identically regardless of the
// outcome. Reissuing replaces any prior token.
func (s *ResetService) Request(ctx context.Context, email string) (*models.PasswordResetToken, error) {
	var user models.User
	err := s.db.WithContext(ctx).Preload("Organization").
		Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reset: lookup user: %w", err)
	}

	if user.Archived() || user.Organization == nil || !user.Organization.SelfServicePwdReset ||
		user.Organization.Suspended() {
		return nil, nil
	}

	token, err := crypto.GenerateToken(resetTokenLength)
	if err != nil {
		return nil, fmt.Errorf("reset: generate token: %w", err)
	}

	now := s.now()
	record := models.PasswordResetToken{
		UserID:    user.ID,
		Token:     token,
		ExpiresAt: now.Add(s.tokenTTL),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// At most one active token per user; reissue overwrites.
		if err := tx.Where("user_id = ?", user.ID).
			Delete(&models.PasswordResetToken{}).Error; err != nil {
			return err
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return nil, fmt.Errorf("reset: store token: %w", err)
	}

	metrics.PasswordResets.WithLabelValues("requested").Inc()
	logger.Info("password reset token issued",
		zap.String("user_id", user.ID),
		zap.String("organization_id", user.OrganizationID),
	)

	return &record, nil
}

// Complete consumes a reset token and installs the new password. Unknown
// tokens are indistinguishable from consumed ones. On success every live
// session of the user is expired.
func (s *ResetService) Complete(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return apperrors.ErrUnauthorized
	}

	var record models.PasswordResetToken
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("reset: lookup token: %w", err)
	}

	now := s.now()
	if !now.Before(record.ExpiresAt) {
		return apperrors.ErrTokenExpired
	}

	var user models.User
	if err := s.db.WithContext(ctx).Preload("Organization").
		First(&user, "id = ?", record.UserID).Error; err != nil {
		return fmt.Errorf("reset: lookup user: %w", err)
	}
	if user.Archived() {
		return apperrors.ErrUnauthorized
	}

	org := user.Organization
	if org == nil {
		return fmt.Errorf("reset: user %s has no organization", user.ID)
	}
	// Re-checked here because tokens can outlive a policy change.
	if !org.SelfServicePwdReset {
		return apperrors.ErrForbidden
	}

	if err := policy.Validate(newPassword, policy.RulesFromOrganization(org)); err != nil {
		return apperrors.NewBadRequest(err.Error())
	}

	if err := s.checkReuse(ctx, &user, org, newPassword); err != nil {
		return err
	}

	newHash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("reset: hash password: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if user.HasPassword() {
			entry := models.PasswordHistory{
				UserID:       user.ID,
				Hash:         *user.PasswordHash,
				SupersededAt: now,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
			if err := pruneHistory(tx, user.ID, org.PwdReused); err != nil {
				return err
			}
		}

		updates := map[string]any{
			"password_hash":       newHash,
			"password_changed_at": now,
		}
		if err := tx.Model(&models.User{}).Where("id = ?", user.ID).
			Updates(updates).Error; err != nil {
			return err
		}

		return tx.Delete(&models.PasswordResetToken{}, "id = ?", record.ID).Error
	})
	if err != nil {
		return fmt.Errorf("reset: apply: %w", err)
	}

	if _, err := s.sessions.ExpireAllForUser(ctx, user.ID); err != nil {
		return fmt.Errorf("reset: expire sessions: %w", err)
	}

	metrics.PasswordResets.WithLabelValues("completed").Inc()
	logger.Info("password reset completed",
		zap.String("user_id", user.ID),
		zap.String("organization_id", user.OrganizationID),
	)
	return nil
}

// CleanupExpired removes reset tokens past their expiration.
func (s *ResetService) CleanupExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.now()).
		Delete(&models.PasswordResetToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("reset: cleanup tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *ResetService) checkReuse(ctx context.Context, user *models.User, org *models.Organization, candidate string) error {
	if org.PwdReused == nil || *org.PwdReused <= 0 {
		return nil
	}

	// The active password is off limits whenever reuse checking is on, on
	// top of the configured history window.
	if user.HasPassword() && crypto.VerifyPassword(*user.PasswordHash, candidate) {
		return apperrors.NewBadRequest(
			fmt.Sprintf("password must differ from the last %d passwords", *org.PwdReused))
	}

	var history []models.PasswordHistory
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", user.ID).Find(&history).Error; err != nil {
		return fmt.Errorf("reset: load history: %w", err)
	}

	verify := func(hash string) bool {
		return crypto.VerifyPassword(hash, candidate)
	}
	if policy.WasPreviouslyUsed(verify, history, org.PwdReused) {
		return apperrors.NewBadRequest(
			fmt.Sprintf("password must differ from the last %d passwords", *org.PwdReused))
	}
	return nil
}

// pruneHistory trims stored history to the reuse depth; with no depth
// configured nothing is retained.
func pruneHistory(tx *gorm.DB, userID string, depth *int) error {
	keep := 0
	if depth != nil && *depth > 0 {
		keep = *depth
	}

	var entries []models.PasswordHistory
	if err := tx.Where("user_id = ?", userID).Find(&entries).Error; err != nil {
		return err
	}
	if len(entries) <= keep {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SupersededAt.After(entries[j].SupersededAt)
	})

	stale := make([]string, 0, len(entries)-keep)
	for _, entry := range entries[keep:] {
		stale = append(stale, entry.ID)
	}
	return tx.Delete(&models.PasswordHistory{}, "id IN ?", stale).Error
}
