package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/keyfold/keyfold/internal/auth/mfa"
	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/internal/services"
	"github.com/keyfold/keyfold/internal/vault"
	"github.com/keyfold/keyfold/pkg/crypto"
	apperrors "github.com/keyfold/keyfold/pkg/errors"
	"github.com/keyfold/keyfold/pkg/logger"
	"github.com/keyfold/keyfold/pkg/metrics"
)

// dummyHash keeps the password-compare step on the not-found path, so the
// response time does not reveal whether the account exists.
const dummyHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B4P5i5Bv0jlG5mOyzWxOhJmKcmQu"

// Identity is the result of a successful authorization: the resolved
// tenant, account, and session for the current request.
type Identity struct {
	User         *models.User
	Organization *models.Organization
	Session      *models.Session
}

// LoginResult carries everything the transport layer needs to answer a
// login: the signed bearer token, the tenant cookie value and lifetime, and
// whether an MFA step still stands between the caller and a usable session.
type LoginResult struct {
	Token       string
	MFARequired bool

	OrgSlug  string
	CookieTTL time.Duration

	User    *models.User
	Session *models.Session
}

// Gateway orchestrates login, MFA challenges, logout, and per-request
// authorization across the session, token, and MFA services. All
// credential, session, and MFA failures surface as the same generic
// unauthorized error; detail stays in server-side logs.
type Gateway struct {
	users    *services.UserService
	orgs     *services.OrgService
	sessions *SessionService
	tokens   *TokenService
	keyring  *vault.Keyring
	mfa      *mfa.Service
	access   *services.AccessLogService

	log *zap.Logger
}

// GatewayConfig wires the gateway's collaborators.
type GatewayConfig struct {
	Users    *services.UserService
	Orgs     *services.OrgService
	Sessions *SessionService
	Tokens   *TokenService
	Keyring  *vault.Keyring
	MFA      *mfa.Service
	Access   *services.AccessLogService
}

// NewGateway builds the composition root of the authentication flow.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	switch {
	case cfg.Users == nil:
		return nil, errors.New("gateway: user service is required")
	case cfg.Orgs == nil:
		return nil, errors.New("gateway: org service is required")
	case cfg.Sessions == nil:
		return nil, errors.New("gateway: session service is required")
	case cfg.Tokens == nil:
		return nil, errors.New("gateway: token service is required")
	case cfg.Keyring == nil:
		return nil, errors.New("gateway: keyring is required")
	case cfg.MFA == nil:
		return nil, errors.New("gateway: mfa service is required")
	case cfg.Access == nil:
		return nil, errors.New("gateway: access log service is required")
	}

	return &Gateway{
		users:    cfg.Users,
		orgs:     cfg.Orgs,
		sessions: cfg.Sessions,
		tokens:   cfg.Tokens,
		keyring:  cfg.Keyring,
		mfa:      cfg.MFA,
		access:   cfg.Access,
		log:      logger.WithModule("auth.gateway"),
	}, nil
}

// Login verifies credentials and issues a session. When MFA applies, the
// session starts unverified and the result flags the pending challenge;
// access history for those logins is recorded after the MFA step instead.
func (g *Gateway) Login(ctx context.Context, email, password string, meta SessionMetadata) (*LoginResult, error) {
	user, err := g.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// Burn the compare anyway so unknown accounts cost the same.
			crypto.VerifyPassword(dummyHash, password)
			metrics.AuthAttempts.WithLabelValues("failure").Inc()
			return nil, apperrors.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("gateway: login lookup: %w", err)
	}

	org := user.Organization
	if org == nil {
		return nil, fmt.Errorf("gateway: user %s has no organization", user.ID)
	}

	if user.Archived() || org.Suspended() || !user.HasPassword() {
		crypto.VerifyPassword(dummyHash, password)
		g.recordAccess(ctx, org.ID, user.ID, services.ActionLogin, services.ResultFailure, meta)
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrInvalidCredentials
	}

	if !crypto.VerifyPassword(*user.PasswordHash, password) {
		g.recordAccess(ctx, org.ID, user.ID, services.ActionLogin, services.ResultFailure, meta)
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrInvalidCredentials
	}

	signingKey, err := g.keyring.UnwrapSigningKey(org)
	if err != nil {
		// Fail closed; the caller sees a credential failure.
		g.log.Error("unwrap signing key failed",
			zap.String("organization_id", org.ID), zap.Error(err))
		return nil, apperrors.ErrUnauthorized.WithInternal(err)
	}

	session, err := g.sessions.Create(ctx, user, org, meta)
	if err != nil {
		if errors.Is(err, ErrSessionConflict) {
			return nil, apperrors.ErrSessionConflict
		}
		return nil, fmt.Errorf("gateway: create session: %w", err)
	}

	token, err := g.tokens.Sign(signingKey, session.Token, org.SessionInterval)
	if err != nil {
		return nil, apperrors.ErrUnauthorized.WithInternal(err)
	}

	mfaRequired := session.MFAState == models.MFAStateUnverified
	if mfaRequired {
		metrics.AuthAttempts.WithLabelValues("mfa_pending").Inc()
	} else {
		g.recordAccess(ctx, org.ID, user.ID, services.ActionLogin, services.ResultSuccess, meta)
		if err := g.users.RecordLogin(ctx, user.ID, meta.IPAddress); err != nil {
			g.log.Warn("record login failed", zap.String("user_id", user.ID), zap.Error(err))
		}
		metrics.AuthAttempts.WithLabelValues("success").Inc()
	}

	return &LoginResult{
		Token:       token,
		MFARequired: mfaRequired,
		OrgSlug:     org.Slug,
		CookieTTL:   org.SessionInterval,
		User:        user,
		Session:     session,
	}, nil
}

// Authorize resolves the two-piece credential: the cookie names the tenant,
// the bearer token names the session within that tenant. The session must be
// alive and MFA-verified.
func (g *Gateway) Authorize(ctx context.Context, orgSlug, bearer string) (*Identity, error) {
	return g.authorize(ctx, orgSlug, bearer, false)
}

// AuthorizeMFAPending is the authorization variant for the MFA challenge
// routes: it accepts a still-unverified session and leaves its activity
// timestamp untouched.
func (g *Gateway) AuthorizeMFAPending(ctx context.Context, orgSlug, bearer string) (*Identity, error) {
	return g.authorize(ctx, orgSlug, bearer, true)
}

func (g *Gateway) authorize(ctx context.Context, orgSlug, bearer string, mfaPending bool) (*Identity, error) {
	org, err := g.orgs.GetBySlug(ctx, orgSlug)
	if err != nil {
		return nil, apperrors.ErrUnauthorized.WithInternal(err)
	}
	if org.Suspended() {
		return nil, apperrors.ErrUnauthorized
	}

	signingKey, err := g.keyring.UnwrapSigningKey(org)
	if err != nil {
		g.log.Error("unwrap signing key failed",
			zap.String("organization_id", org.ID), zap.Error(err))
		return nil, apperrors.ErrUnauthorized.WithInternal(err)
	}

	sessionToken, err := g.tokens.Parse(signingKey, bearer)
	if err != nil {
		return nil, apperrors.ErrUnauthorized.WithInternal(err)
	}

	var session *models.Session
	if mfaPending {
		session, err = g.sessions.ValidateForMFA(ctx, sessionToken)
	} else {
		session, err = g.sessions.Validate(ctx, sessionToken)
	}
	if err != nil {
		return nil, apperrors.ErrUnauthorized.WithInternal(err)
	}

	// The signature already binds the session to the tenant key; this guards
	// against a signing key shared across environments.
	if session.OrganizationID != org.ID {
		return nil, apperrors.ErrUnauthorized
	}

	user, err := g.users.GetByID(ctx, session.UserID)
	if err != nil {
		return nil, apperrors.ErrUnauthorized.WithInternal(err)
	}
	if user.Archived() {
		return nil, apperrors.ErrUnauthorized
	}

	return &Identity{User: user, Organization: org, Session: session}, nil
}

// VerifyMFA checks a TOTP code against the caller's confirmed seed and, on
// success, transitions the session to verified and records the deferred
// login access-history entry. Wrong codes change nothing, including the
// session's activity timestamp.
func (g *Gateway) VerifyMFA(ctx context.Context, identity *Identity, code string) error {
	if identity == nil || identity.Session == nil {
		return apperrors.ErrUnauthorized
	}

	meta := sessionMeta(identity.Session)
	if err := g.mfa.Verify(ctx, identity.User, identity.Organization, code); err != nil {
		if errors.Is(err, mfa.ErrInvalidCode) || errors.Is(err, mfa.ErrNotEnrolled) {
			g.recordAccess(ctx, identity.Organization.ID, identity.User.ID,
				services.ActionMFAVerify, services.ResultFailure, meta)
			metrics.MFAVerifications.WithLabelValues("failure").Inc()
			return apperrors.ErrUnauthorized.WithInternal(err)
		}
		return fmt.Errorf("gateway: verify mfa: %w", err)
	}

	if err := g.sessions.MarkVerified(ctx, identity.Session); err != nil {
		return fmt.Errorf("gateway: mark verified: %w", err)
	}

	g.recordAccess(ctx, identity.Organization.ID, identity.User.ID,
		services.ActionLogin, services.ResultSuccess, meta)
	if err := g.users.RecordLogin(ctx, identity.User.ID, identity.Session.IPAddress); err != nil {
		g.log.Warn("record login failed", zap.String("user_id", identity.User.ID), zap.Error(err))
	}
	metrics.MFAVerifications.WithLabelValues("success").Inc()
	return nil
}

// BeginMFASetup starts TOTP enrollment for the caller. Reachable with a
// still-unverified session so enforced-MFA tenants can bootstrap.
func (g *Gateway) BeginMFASetup(ctx context.Context, identity *Identity) (*mfa.Enrollment, error) {
	if identity == nil {
		return nil, apperrors.ErrUnauthorized
	}
	enrollment, err := g.mfa.BeginSetup(ctx, identity.User, identity.Organization)
	if err != nil {
		return nil, fmt.Errorf("gateway: begin mfa setup: %w", err)
	}
	return enrollment, nil
}

// ConfirmMFASetup completes enrollment. The caller just proved possession
// of the seed, so the current session is marked verified as well.
func (g *Gateway) ConfirmMFASetup(ctx context.Context, identity *Identity, code string) error {
	if identity == nil || identity.Session == nil {
		return apperrors.ErrUnauthorized
	}

	meta := sessionMeta(identity.Session)
	if err := g.mfa.ConfirmSetup(ctx, identity.User, identity.Organization, code); err != nil {
		if errors.Is(err, mfa.ErrInvalidCode) || errors.Is(err, mfa.ErrNotEnrolled) {
			g.recordAccess(ctx, identity.Organization.ID, identity.User.ID,
				services.ActionMFASetup, services.ResultFailure, meta)
			return apperrors.ErrMFAInvalid.WithInternal(err)
		}
		return fmt.Errorf("gateway: confirm mfa setup: %w", err)
	}

	if err := g.sessions.MarkVerified(ctx, identity.Session); err != nil {
		return fmt.Errorf("gateway: mark verified: %w", err)
	}

	g.recordAccess(ctx, identity.Organization.ID, identity.User.ID,
		services.ActionMFASetup, services.ResultSuccess, meta)
	return nil
}

// Logout force-expires the caller's session.
func (g *Gateway) Logout(ctx context.Context, identity *Identity) error {
	if identity == nil || identity.Session == nil {
		return apperrors.ErrUnauthorized
	}

	if err := g.sessions.Expire(ctx, identity.Session); err != nil {
		return fmt.Errorf("gateway: logout: %w", err)
	}

	g.recordAccess(ctx, identity.Organization.ID, identity.User.ID,
		services.ActionLogout, services.ResultSuccess, sessionMeta(identity.Session))
	return nil
}

// recordAccess appends an audit entry; failures are logged, never surfaced,
// so the authentication flow cannot be aborted by the audit trail.
func (g *Gateway) recordAccess(ctx context.Context, orgID, userID, action, result string, meta SessionMetadata) {
	err := g.access.Record(ctx, services.AccessRecord{
		OrganizationID: orgID,
		UserID:         userID,
		Action:         action,
		Result:         result,
		IPAddress:      meta.IPAddress,
		UserAgent:      meta.UserAgent,
	})
	if err != nil {
		g.log.Warn("access history write failed",
			zap.String("action", action), zap.Error(err))
	}
}

func sessionMeta(session *models.Session) SessionMetadata {
	return SessionMetadata{
		IPAddress: session.IPAddress,
		UserAgent: session.UserAgent,
		Country:   session.Country,
	}
}
