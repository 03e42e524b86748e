package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/keyfold/keyfold/internal/database/testutil"
	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/pkg/crypto"
	apperrors "github.com/keyfold/keyfold/pkg/errors"
)

type resetEnv struct {
	db       *gorm.DB
	sessions *SessionService
	resets   *ResetService
	now      time.Time
}

func newResetEnv(t *testing.T) *resetEnv {
	t.Helper()

	env := &resetEnv{
		db:  testutil.MustOpenTestDB(t),
		now: time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }

	sessions, err := NewSessionService(env.db, SessionConfig{Clock: clock})
	require.NoError(t, err)
	env.sessions = sessions

	resets, err := NewResetService(env.db, sessions, WithResetClock(clock))
	require.NoError(t, err)
	env.resets = resets

	return env
}

func (e *resetEnv) createOrg(t *testing.T, mutate func(*models.Organization)) *models.Organization {
	t.Helper()
	org := &models.Organization{
		Name:            "Acme " + t.Name(),
		Slug:            "acme-" + t.Name(),
		SigningKey:      "sk",
		DataKey:         "dk",
		MinPwdLen:       12,
		MinLowercase:    1,
		MinUppercase:    1,
		MinNumeric:      1,
		MinSpecial:      1,
		SpecialCharset:  "!@#$%^&*()_+-=[]{};:,.<>?",
		SessionInterval: 12 * time.Hour,

		SelfServicePwdReset:   true,
		AllowMultipleSessions: true,
	}
	if mutate != nil {
		mutate(org)
	}
	require.NoError(t, e.db.Create(org).Error)
	return org
}

func (e *resetEnv) createUser(t *testing.T, org *models.Organization, email, password string) *models.User {
	t.Helper()
	user := &models.User{
		OrganizationID: org.ID,
		Email:          email,
	}
	if password != "" {
		hash, err := crypto.HashPassword(password)
		require.NoError(t, err)
		user.PasswordHash = &hash
	}
	require.NoError(t, e.db.Create(user).Error)
	user.Organization = org
	return user
}

const strongPassword = "th3yIOp9!!pswYY#"

func TestRequestIsSilentForUnknownOrIneligibleAccounts(t *testing.T) {
	env := newResetEnv(t)
	ctx := context.Background()

	record, err := env.resets.Request(ctx, "nobody@acme.test")
	require.NoError(t, err)
	require.Nil(t, record)

	noReset := env.createOrg(t, func(o *models.Organization) {
		o.SelfServicePwdReset = false
		o.Name, o.Slug = "NoReset", "no-reset"
	})
	env.createUser(t, noReset, "blocked@acme.test", "")
	record, err = env.resets.Request(ctx, "blocked@acme.test")
	require.NoError(t, err)
	require.Nil(t, record)

	org := env.createOrg(t, nil)
	archived := env.createUser(t, org, "gone@acme.test", "")
	now := env.now
	require.NoError(t, env.db.Model(archived).Update("archived_at", &now).Error)
	record, err = env.resets.Request(ctx, "gone@acme.test")
	require.NoError(t, err)
	require.Nil(t, record)

	var count int64
	require.NoError(t, env.db.Model(&models.PasswordResetToken{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestRequestIssuesAndReissuesSingleToken(t *testing.T) {
	env := newResetEnv(t)
	ctx := context.Background()

	org := env.createOrg(t, nil)
	user := env.createUser(t, org, "jo@acme.test", "")

	first, err := env.resets.Request(ctx, user.Email)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, env.now.Add(72*time.Hour), first.ExpiresAt)

	second, err := env.resets.Request(ctx, user.Email)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.NotEqual(t, first.Token, second.Token)

	var count int64
	require.NoError(t, env.db.Model(&models.PasswordResetToken{}).
		Where("user_id = ?", user.ID).Count(&count).Error)
	require.EqualValues(t, 1, count)

	// The superseded token is gone.
	err = env.resets.Complete(ctx, first.Token, strongPassword)
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestCompleteRejectsUnknownAndExpiredTokens(t *testing.T) {
	env := newResetEnv(t)
	ctx := context.Background()

	require.ErrorIs(t, env.resets.Complete(ctx, "", strongPassword), apperrors.ErrUnauthorized)
	require.ErrorIs(t, env.resets.Complete(ctx, "bogus", strongPassword), apperrors.ErrUnauthorized)

	org := env.createOrg(t, nil)
	user := env.createUser(t, org, "jo@acme.test", "")

	record, err := env.resets.Request(ctx, user.Email)
	require.NoError(t, err)

	env.now = env.now.Add(72 * time.Hour) // boundary is inclusive
	require.ErrorIs(t, env.resets.Complete(ctx, record.Token, strongPassword), apperrors.ErrTokenExpired)
}

func TestCompleteRechecksOrganizationPolicy(t *testing.T) {
	env := newResetEnv(t)
	ctx := context.Background()

	org := env.createOrg(t, nil)
	user := env.createUser(t, org, "jo@acme.test", "")

	record, err := env.resets.Request(ctx, user.Email)
	require.NoError(t, err)

	// Tokens can outlive a policy change.
	require.NoError(t, env.db.Model(org).Update("self_service_pwd_reset", false).Error)
	require.ErrorIs(t, env.resets.Complete(ctx, record.Token, strongPassword), apperrors.ErrForbidden)
}

func TestCompleteEnforcesPasswordPolicy(t *testing.T) {
	env := newResetEnv(t)
	ctx := context.Background()

	org := env.createOrg(t, nil)
	user := env.createUser(t, org, "jo@acme.test", "")

	record, err := env.resets.Request(ctx, user.Email)
	require.NoError(t, err)

	err = env.resets.Complete(ctx, record.Token, "short")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, apperrors.ErrBadRequest.Code, appErr.Code)

	// A failed attempt does not consume the token.
	require.NoError(t, env.resets.Complete(ctx, record.Token, strongPassword))
}

func TestCompleteInstallsPasswordAndExpiresSessions(t *testing.T) {
	env := newResetEnv(t)
	ctx := context.Background()

	org := env.createOrg(t, nil)
	user := env.createUser(t, org, "jo@acme.test", "Old1!aaaaaaaaaaa")

	session, err := env.sessions.Create(ctx, user, org, SessionMetadata{})
	require.NoError(t, err)

	record, err := env.resets.Request(ctx, user.Email)
	require.NoError(t, err)

	require.NoError(t, env.resets.Complete(ctx, record.Token, strongPassword))

	var reloaded models.User
	require.NoError(t, env.db.First(&reloaded, "id = ?", user.ID).Error)
	require.True(t, reloaded.HasPassword())
	require.True(t, crypto.VerifyPassword(*reloaded.PasswordHash, strongPassword))
	require.NotNil(t, reloaded.PasswordChangedAt)

	// With no reuse depth configured, no history is retained.
	var history []models.PasswordHistory
	require.NoError(t, env.db.Where("user_id = ?", user.ID).Find(&history).Error)
	require.Empty(t, history)

	// Every live session is gone.
	_, err = env.sessions.Validate(ctx, session.Token)
	require.ErrorIs(t, err, ErrSessionExpired)

	// A consumed token always fails the second time.
	require.ErrorIs(t, env.resets.Complete(ctx, record.Token, strongPassword), apperrors.ErrUnauthorized)
}

func TestCompleteRejectsReusedPasswords(t *testing.T) {
	env := newResetEnv(t)
	ctx := context.Background()

	depth := 2
	org := env.createOrg(t, func(o *models.Organization) {
		o.PwdReused = &depth
	})
	first := "First1!aaaaaaaaa"
	user := env.createUser(t, org, "jo@acme.test", first)

	reset := func(password string) error {
		record, err := env.resets.Request(ctx, user.Email)
		require.NoError(t, err)
		return env.resets.Complete(ctx, record.Token, password)
	}

	// Reusing the current password is rejected.
	err := reset(first)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, apperrors.ErrBadRequest.Code, appErr.Code)

	second := "Second2!bbbbbbbb"
	require.NoError(t, reset(second))
	env.now = env.now.Add(time.Minute)

	// first is the most recent historical hash, inside the window.
	require.ErrorAs(t, reset(first), &appErr)

	third := "Third3!cccccccccc"
	require.NoError(t, reset(third))
	env.now = env.now.Add(time.Minute)

	// first is two generations back, still one of the last two historical
	// hashes, so it stays rejected.
	require.ErrorAs(t, reset(first), &appErr)

	fourth := "Fourth4!dddddddd"
	require.NoError(t, reset(fourth))
	env.now = env.now.Add(time.Minute)

	// first has now aged past the two retained history entries and is
	// accepted again.
	require.NoError(t, reset(first))
}
