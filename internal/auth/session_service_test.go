package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/keyfold/keyfold/internal/database/testutil"
	"github.com/keyfold/keyfold/internal/models"
)

type sessionEnv struct {
	db       *gorm.DB
	sessions *SessionService
	now      time.Time
}

func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()

	env := &sessionEnv{
		db:  testutil.MustOpenTestDB(t),
		now: time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC),
	}

	sessions, err := NewSessionService(env.db, SessionConfig{
		Clock: func() time.Time { return env.now },
	})
	require.NoError(t, err)
	env.sessions = sessions

	return env
}

func (e *sessionEnv) seed(t *testing.T, mutate func(*models.Organization)) (*models.Organization, *models.User) {
	t.Helper()

	org := &models.Organization{
		Name:                  "Acme " + t.Name(),
		Slug:                  "acme-" + t.Name(),
		SigningKey:            "sk",
		DataKey:               "dk",
		SessionInterval:       12 * time.Hour,
		SelfServicePwdReset:   true,
		AllowMultipleSessions: true,
	}
	if mutate != nil {
		mutate(org)
	}
	require.NoError(t, e.db.Create(org).Error)

	user := &models.User{
		OrganizationID: org.ID,
		Email:          "jo@" + org.Slug + ".test",
	}
	require.NoError(t, e.db.Create(user).Error)

	return org, user
}

func TestCreateStartsVerifiedWithoutMFA(t *testing.T) {
	env := newSessionEnv(t)
	org, user := env.seed(t, nil)

	session, err := env.sessions.Create(context.Background(), user, org, SessionMetadata{
		IPAddress: "203.0.113.9",
		UserAgent: "curl/8.5",
	})
	require.NoError(t, err)
	require.Equal(t, models.MFAStateVerified, session.MFAState)
	require.Equal(t, env.now.Add(12*time.Hour), session.ExpiresAt)
	require.NotEmpty(t, session.Token)
}

func TestCreateStartsUnverifiedWhenMFAApplies(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()

	// Organization-level enforcement covers users who have not enrolled yet.
	org, user := env.seed(t, func(o *models.Organization) { o.EnforceMFA = true })
	session, err := env.sessions.Create(ctx, user, org, SessionMetadata{})
	require.NoError(t, err)
	require.Equal(t, models.MFAStateUnverified, session.MFAState)

	org2, user2 := env.seed(t, func(o *models.Organization) {
		o.Name, o.Slug = o.Name+" 2", o.Slug+"-2"
	})
	require.NoError(t, env.db.Model(user2).Update("mfa_enabled", true).Error)
	user2.MFAEnabled = true

	session, err = env.sessions.Create(ctx, user2, org2, SessionMetadata{})
	require.NoError(t, err)
	require.Equal(t, models.MFAStateUnverified, session.MFAState)
}

func TestValidateRejectsAtExpiryBoundary(t *testing.T) {
	env := newSessionEnv(t)
	org, user := env.seed(t, nil)
	ctx := context.Background()

	session, err := env.sessions.Create(ctx, user, org, SessionMetadata{})
	require.NoError(t, err)

	_, err = env.sessions.Validate(ctx, session.Token)
	require.NoError(t, err)

	// Exactly at expiresAt is already dead, regardless of MFA state.
	env.now = session.ExpiresAt
	_, err = env.sessions.Validate(ctx, session.Token)
	require.ErrorIs(t, err, ErrSessionExpired)

	_, err = env.sessions.ValidateForMFA(ctx, session.Token)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestValidateRejectsUnverifiedSessions(t *testing.T) {
	env := newSessionEnv(t)
	org, user := env.seed(t, func(o *models.Organization) { o.EnforceMFA = true })
	ctx := context.Background()

	session, err := env.sessions.Create(ctx, user, org, SessionMetadata{})
	require.NoError(t, err)

	_, err = env.sessions.Validate(ctx, session.Token)
	require.ErrorIs(t, err, ErrSessionUnverified)

	// The MFA path accepts the same session.
	pending, err := env.sessions.ValidateForMFA(ctx, session.Token)
	require.NoError(t, err)
	require.Equal(t, session.ID, pending.ID)
}

func TestValidateRefreshesActivityButMFAPathDoesNot(t *testing.T) {
	env := newSessionEnv(t)
	org, user := env.seed(t, nil)
	ctx := context.Background()

	session, err := env.sessions.Create(ctx, user, org, SessionMetadata{})
	require.NoError(t, err)
	created := env.now

	env.now = env.now.Add(30 * time.Minute)
	_, err = env.sessions.ValidateForMFA(ctx, session.Token)
	require.NoError(t, err)

	var stored models.Session
	require.NoError(t, env.db.First(&stored, "id = ?", session.ID).Error)
	require.Equal(t, created.Unix(), stored.LastActivityAt.Unix())

	_, err = env.sessions.Validate(ctx, session.Token)
	require.NoError(t, err)

	require.NoError(t, env.db.First(&stored, "id = ?", session.ID).Error)
	require.Equal(t, env.now.Unix(), stored.LastActivityAt.Unix())
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	env := newSessionEnv(t)

	_, err := env.sessions.Validate(context.Background(), "no-such-token")
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = env.sessions.Validate(context.Background(), "")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMarkVerifiedTransitionsForward(t *testing.T) {
	env := newSessionEnv(t)
	org, user := env.seed(t, func(o *models.Organization) { o.EnforceMFA = true })
	ctx := context.Background()

	session, err := env.sessions.Create(ctx, user, org, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, env.sessions.MarkVerified(ctx, session))

	validated, err := env.sessions.Validate(ctx, session.Token)
	require.NoError(t, err)
	require.Equal(t, models.MFAStateVerified, validated.MFAState)

	// Re-invocation is harmless.
	require.NoError(t, env.sessions.MarkVerified(ctx, session))
}

func TestSingleSessionPolicyRejectsSecondLogin(t *testing.T) {
	env := newSessionEnv(t)
	org, user := env.seed(t, func(o *models.Organization) { o.AllowMultipleSessions = false })
	ctx := context.Background()

	first, err := env.sessions.Create(ctx, user, org, SessionMetadata{})
	require.NoError(t, err)

	_, err = env.sessions.Create(ctx, user, org, SessionMetadata{})
	require.ErrorIs(t, err, ErrSessionConflict)

	// Once the first session dies, a new login is accepted.
	require.NoError(t, env.sessions.Expire(ctx, first))
	_, err = env.sessions.Create(ctx, user, org, SessionMetadata{})
	require.NoError(t, err)
}

func TestSingleSessionPolicyUnderConcurrentLogins(t *testing.T) {
	env := newSessionEnv(t)
	org, user := env.seed(t, func(o *models.Organization) { o.AllowMultipleSessions = false })
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	var succeeded, conflicted int64
	var mu sync.Mutex

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.sessions.Create(ctx, user, org, SessionMetadata{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrSessionConflict):
				conflicted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, succeeded)
	require.EqualValues(t, attempts-1, conflicted)

	var live int64
	require.NoError(t, env.db.Model(&models.Session{}).
		Where("user_id = ? AND expires_at > ?", user.ID, env.now).
		Count(&live).Error)
	require.EqualValues(t, 1, live)
}

func TestExpireAllForUser(t *testing.T) {
	env := newSessionEnv(t)
	org, user := env.seed(t, nil)
	ctx := context.Background()

	first, err := env.sessions.Create(ctx, user, org, SessionMetadata{})
	require.NoError(t, err)
	second, err := env.sessions.Create(ctx, user, org, SessionMetadata{})
	require.NoError(t, err)

	affected, err := env.sessions.ExpireAllForUser(ctx, user.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, affected)

	for _, token := range []string{first.Token, second.Token} {
		_, err = env.sessions.Validate(ctx, token)
		require.ErrorIs(t, err, ErrSessionExpired)
	}

	// Idempotent on an already-clean slate.
	affected, err = env.sessions.ExpireAllForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Zero(t, affected)
}

func TestCleanupExpiredRemovesDeadSessions(t *testing.T) {
	env := newSessionEnv(t)
	org, user := env.seed(t, nil)
	ctx := context.Background()

	session, err := env.sessions.Create(ctx, user, org, SessionMetadata{})
	require.NoError(t, err)

	env.now = env.now.Add(13 * time.Hour)
	removed, err := env.sessions.CleanupExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, err = env.sessions.Validate(ctx, session.Token)
	require.ErrorIs(t, err, ErrSessionNotFound)
}
