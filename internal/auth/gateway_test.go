package auth

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/keyfold/keyfold/internal/auth/mfa"
	"github.com/keyfold/keyfold/internal/database/testutil"
	"github.com/keyfold/keyfold/internal/geoip"
	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/internal/services"
	"github.com/keyfold/keyfold/internal/vault"
	apperrors "github.com/keyfold/keyfold/pkg/errors"
)

type gatewayEnv struct {
	db       *gorm.DB
	gateway  *Gateway
	users    *services.UserService
	orgs     *services.OrgService
	sessions *SessionService
	resets   *ResetService
	now      time.Time
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()

	env := &gatewayEnv{
		db:  testutil.MustOpenTestDB(t),
		now: time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }

	keyring, err := vault.NewKeyring(vault.ModePassthrough, nil)
	require.NoError(t, err)

	env.orgs, err = services.NewOrgService(env.db, keyring)
	require.NoError(t, err)
	env.users, err = services.NewUserService(env.db)
	require.NoError(t, err)
	access, err := services.NewAccessLogService(env.db, geoip.StaticResolver{})
	require.NoError(t, err)

	env.sessions, err = NewSessionService(env.db, SessionConfig{Clock: clock})
	require.NoError(t, err)
	env.resets, err = NewResetService(env.db, env.sessions, WithResetClock(clock))
	require.NoError(t, err)

	mfaService, err := mfa.NewService(env.db, keyring, mfa.WithClock(clock))
	require.NoError(t, err)

	env.gateway, err = NewGateway(GatewayConfig{
		Users:    env.users,
		Orgs:     env.orgs,
		Sessions: env.sessions,
		Tokens:   NewTokenService(TokenConfig{Clock: clock}),
		Keyring:  keyring,
		MFA:      mfaService,
		Access:   access,
	})
	require.NoError(t, err)

	return env
}

func (e *gatewayEnv) totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, e.now, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

// setupUser provisions an org and a user with the given password through the
// real invite + reset flow.
func (e *gatewayEnv) setupUser(t *testing.T, input services.OrgInput, email, password string) (*models.Organization, *models.User) {
	t.Helper()
	ctx := context.Background()

	org, err := e.orgs.Create(ctx, input)
	require.NoError(t, err)

	user, err := e.users.Invite(ctx, org, services.InviteInput{Email: email})
	require.NoError(t, err)
	require.False(t, user.HasPassword())

	if password != "" {
		record, err := e.resets.Request(ctx, email)
		require.NoError(t, err)
		require.NoError(t, e.resets.Complete(ctx, record.Token, password))
	}
	return org, user
}

func clientMeta() SessionMetadata {
	return SessionMetadata{IPAddress: "203.0.113.9", UserAgent: "go-test/1.0"}
}

func TestLoginRejectsBadCredentialsGenerically(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()

	_, err := env.gateway.Login(ctx, "nobody@acme.test", "whatever", clientMeta())
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

	env.setupUser(t, services.OrgInput{Name: "Acme", Slug: "acme"}, "jo@acme.test", strongPassword)

	// Wrong password and unknown user are indistinguishable.
	_, err = env.gateway.Login(ctx, "jo@acme.test", "wrong-password", clientMeta())
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

	var failures int64
	require.NoError(t, env.db.Model(&models.AccessLog{}).
		Where("action = ? AND result = ?", services.ActionLogin, services.ResultFailure).
		Count(&failures).Error)
	require.EqualValues(t, 1, failures)
}

func TestLoginRejectsUsersWithoutPassword(t *testing.T) {
	env := newGatewayEnv(t)

	env.setupUser(t, services.OrgInput{Name: "Acme", Slug: "acme"}, "invited@acme.test", "")

	_, err := env.gateway.Login(context.Background(), "invited@acme.test", "anything", clientMeta())
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestLoginAndAuthorizeWithoutMFA(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()

	org, user := env.setupUser(t, services.OrgInput{Name: "Acme", Slug: "acme"}, "jo@acme.test", strongPassword)

	result, err := env.gateway.Login(ctx, "jo@acme.test", strongPassword, clientMeta())
	require.NoError(t, err)
	require.False(t, result.MFARequired)
	require.Equal(t, org.Slug, result.OrgSlug)
	require.Equal(t, org.SessionInterval, result.CookieTTL)
	require.NotEmpty(t, result.Token)

	identity, err := env.gateway.Authorize(ctx, org.Slug, result.Token)
	require.NoError(t, err)
	require.Equal(t, user.ID, identity.User.ID)
	require.Equal(t, org.ID, identity.Organization.ID)

	// Successful non-MFA logins are audited immediately.
	var log models.AccessLog
	require.NoError(t, env.db.Where("action = ? AND result = ?",
		services.ActionLogin, services.ResultSuccess).First(&log).Error)
	require.Equal(t, org.ID, log.OrganizationID)

	var reloaded models.User
	require.NoError(t, env.db.First(&reloaded, "id = ?", user.ID).Error)
	require.NotNil(t, reloaded.LastLoginAt)
	require.Equal(t, "203.0.113.9", reloaded.LastLoginIP)
}

func TestAuthorizeRejectsForeignTenantCookie(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()

	env.setupUser(t, services.OrgInput{Name: "Acme", Slug: "acme"}, "jo@acme.test", strongPassword)
	env.setupUser(t, services.OrgInput{Name: "Globex", Slug: "globex"}, "sam@globex.test", strongPassword)

	result, err := env.gateway.Login(ctx, "jo@acme.test", strongPassword, clientMeta())
	require.NoError(t, err)

	// A bearer token from one tenant never validates under another tenant's
	// cookie: the signing keys differ.
	_, err = env.gateway.Authorize(ctx, "globex", result.Token)
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)

	_, err = env.gateway.Authorize(ctx, "no-such-org", result.Token)
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestAuthorizeRejectsExpiredSession(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()

	org, _ := env.setupUser(t, services.OrgInput{Name: "Acme", Slug: "acme"}, "jo@acme.test", strongPassword)

	result, err := env.gateway.Login(ctx, "jo@acme.test", strongPassword, clientMeta())
	require.NoError(t, err)

	env.now = env.now.Add(org.SessionInterval)
	_, err = env.gateway.Authorize(ctx, org.Slug, result.Token)
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestLogoutExpiresSession(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()

	org, _ := env.setupUser(t, services.OrgInput{Name: "Acme", Slug: "acme"}, "jo@acme.test", strongPassword)

	result, err := env.gateway.Login(ctx, "jo@acme.test", strongPassword, clientMeta())
	require.NoError(t, err)

	identity, err := env.gateway.Authorize(ctx, org.Slug, result.Token)
	require.NoError(t, err)
	require.NoError(t, env.gateway.Logout(ctx, identity))

	_, err = env.gateway.Authorize(ctx, org.Slug, result.Token)
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestSingleSessionPolicySurfacesConflict(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()

	allowMultiple := false
	env.setupUser(t, services.OrgInput{
		Name: "Acme", Slug: "acme",
		AllowMultipleSessions: &allowMultiple,
	}, "jo@acme.test", strongPassword)

	_, err := env.gateway.Login(ctx, "jo@acme.test", strongPassword, clientMeta())
	require.NoError(t, err)

	_, err = env.gateway.Login(ctx, "jo@acme.test", strongPassword, clientMeta())
	require.ErrorIs(t, err, apperrors.ErrSessionConflict)
}

// TestEnforcedMFAEndToEnd walks the full first-login journey of an invited
// admin in a tenant that enforces MFA: reset completion, a login that yields
// an unusable session, TOTP enrollment, and a second login verified with a
// fresh code.
func TestEnforcedMFAEndToEnd(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()

	org, err := env.orgs.Create(ctx, services.OrgInput{
		Name: "Acme", Slug: "acme",
		EnforceMFA: true,
	})
	require.NoError(t, err)
	require.Equal(t, 12, org.MinPwdLen)

	admin, err := env.users.Invite(ctx, org, services.InviteInput{Email: "admin@acme.test"})
	require.NoError(t, err)
	require.False(t, admin.HasPassword())

	record, err := env.resets.Request(ctx, "admin@acme.test")
	require.NoError(t, err)
	require.NoError(t, env.resets.Complete(ctx, record.Token, "th3yIOp9!!pswYY#"))

	// First login: credentials accepted, but the session is not usable yet.
	result, err := env.gateway.Login(ctx, "admin@acme.test", "th3yIOp9!!pswYY#", clientMeta())
	require.NoError(t, err)
	require.True(t, result.MFARequired)

	_, err = env.gateway.Authorize(ctx, org.Slug, result.Token)
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)

	// Enrollment runs under the still-unverified session.
	pending, err := env.gateway.AuthorizeMFAPending(ctx, org.Slug, result.Token)
	require.NoError(t, err)

	enrollment, err := env.gateway.BeginMFASetup(ctx, pending)
	require.NoError(t, err)
	require.NoError(t, env.gateway.ConfirmMFASetup(ctx, pending, env.totpCode(t, enrollment.Secret)))

	// The confirming session is usable immediately.
	_, err = env.gateway.Authorize(ctx, org.Slug, result.Token)
	require.NoError(t, err)

	// A later login starts unverified again and needs a fresh code.
	login2, err := env.gateway.Login(ctx, "admin@acme.test", "th3yIOp9!!pswYY#", clientMeta())
	require.NoError(t, err)
	require.True(t, login2.MFARequired)

	pending2, err := env.gateway.AuthorizeMFAPending(ctx, org.Slug, login2.Token)
	require.NoError(t, err)
	require.NoError(t, env.gateway.VerifyMFA(ctx, pending2, env.totpCode(t, enrollment.Secret)))

	identity, err := env.gateway.Authorize(ctx, org.Slug, login2.Token)
	require.NoError(t, err)
	require.Equal(t, models.MFAStateVerified, identity.Session.MFAState)
}

// TestWrongTOTPLeavesSessionUntouched checks that a correct password plus a
// bad code leaves the session unverified without advancing lastActivityAt.
func TestWrongTOTPLeavesSessionUntouched(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()

	org, err := env.orgs.Create(ctx, services.OrgInput{Name: "Acme", Slug: "acme", EnforceMFA: true})
	require.NoError(t, err)
	user, err := env.users.Invite(ctx, org, services.InviteInput{Email: "admin@acme.test"})
	require.NoError(t, err)

	record, err := env.resets.Request(ctx, user.Email)
	require.NoError(t, err)
	require.NoError(t, env.resets.Complete(ctx, record.Token, strongPassword))

	result, err := env.gateway.Login(ctx, user.Email, strongPassword, clientMeta())
	require.NoError(t, err)
	createdAt := env.now

	pending, err := env.gateway.AuthorizeMFAPending(ctx, org.Slug, result.Token)
	require.NoError(t, err)

	enrollment, err := env.gateway.BeginMFASetup(ctx, pending)
	require.NoError(t, err)
	require.NoError(t, env.gateway.ConfirmMFASetup(ctx, pending, env.totpCode(t, enrollment.Secret)))

	login2, err := env.gateway.Login(ctx, user.Email, strongPassword, clientMeta())
	require.NoError(t, err)

	env.now = env.now.Add(10 * time.Minute)
	pending2, err := env.gateway.AuthorizeMFAPending(ctx, org.Slug, login2.Token)
	require.NoError(t, err)

	err = env.gateway.VerifyMFA(ctx, pending2, "000000")
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)

	var stored models.Session
	require.NoError(t, env.db.First(&stored, "id = ?", pending2.Session.ID).Error)
	require.Equal(t, models.MFAStateUnverified, stored.MFAState)
	require.Equal(t, createdAt.Unix(), stored.LastActivityAt.Unix())
}
