package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/pkg/crypto"
	"github.com/keyfold/keyfold/pkg/metrics"
)

// DefaultSessionTokenLength is the number of random bytes behind a session
// identifier before encoding.
const DefaultSessionTokenLength = 48

var (
	// ErrSessionNotFound indicates that no session matches the identifier.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionExpired signals that the session reached its expiry.
	ErrSessionExpired = errors.New("session: expired")
	// ErrSessionUnverified marks a session still awaiting MFA completion.
	ErrSessionUnverified = errors.New("session: mfa unverified")
	// ErrSessionConflict is returned when the organization disallows
	// multiple sessions and a live one already exists.
	ErrSessionConflict = errors.New("session: active session exists")
)

// SessionConfig describes tunable behaviour for the SessionService.
type SessionConfig struct {
	TokenLength int
	Clock       func() time.Time
}

// SessionMetadata captures contextual information about the client.
type SessionMetadata struct {
	IPAddress string
	UserAgent string
	Country   string
}

// SessionService manages creation, validation, and expiry of sessions.
// All session state lives in the store; the keyed lock serializes the
// single-session check-and-create per user so two concurrent logins cannot
// both observe "no existing session".
type SessionService struct {
	db       *gorm.DB
	tokenLen int
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSessionService constructs a session manager backed by the provided database.
func NewSessionService(db *gorm.DB, cfg SessionConfig) (*SessionService, error) {
	if db == nil {
		return nil, errors.New("session service: db is required")
	}

	length := cfg.TokenLength
	if length <= 0 {
		length = DefaultSessionTokenLength
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &SessionService{
		db:       db,
		tokenLen: length,
		now:      clock,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// Create issues a new session for the user. The session starts unverified
// when MFA applies (the user has it enabled, or the organization enforces
// it) and verified otherwise. When the organization disallows multiple
// sessions, the existence check and the insert run as one logical unit.
func (s *SessionService) Create(ctx context.Context, user *models.User, org *models.Organization, meta SessionMetadata) (*models.Session, error) {
	if user == nil || org == nil {
		return nil, errors.New("session service: user and organization are required")
	}

	token, err := crypto.GenerateToken(s.tokenLen)
	if err != nil {
		return nil, fmt.Errorf("session service: generate token: %w", err)
	}

	now := s.now()

	state := models.MFAStateVerified
	if user.MFAEnabled || org.EnforceMFA {
		state = models.MFAStateUnverified
	}

	session := &models.Session{
		UserID:         user.ID,
		OrganizationID: org.ID,
		Token:          token,
		MFAState:       state,
		IPAddress:      strings.TrimSpace(meta.IPAddress),
		UserAgent:      strings.TrimSpace(meta.UserAgent),
		Country:        strings.TrimSpace(meta.Country),
		LastActivityAt: now,
		ExpiresAt:      now.Add(org.SessionInterval),
	}

	unlock := s.lockUser(user.ID)
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !org.AllowMultipleSessions {
			var live int64
			if err := tx.Model(&models.Session{}).
				Where("user_id = ? AND expires_at > ?", user.ID, now).
				Count(&live).Error; err != nil {
				return fmt.Errorf("session service: count live sessions: %w", err)
			}
			if live > 0 {
				return ErrSessionConflict
			}
		}
		return tx.Create(session).Error
	})
	if err != nil {
		return nil, err
	}

	metrics.ActiveSessions.Inc()
	return session, nil
}

// Validate resolves a session by its opaque identifier and checks it is
// alive and MFA-verified. On success the last-activity timestamp is
// refreshed and persisted.
func (s *SessionService) Validate(ctx context.Context, token string) (*models.Session, error) {
	session, err := s.find(ctx, token)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if session.ExpiredAt(now) {
		return nil, ErrSessionExpired
	}
	if session.MFAState != models.MFAStateVerified {
		return nil, ErrSessionUnverified
	}

	if err := s.db.WithContext(ctx).Model(session).
		Update("last_activity_at", now).Error; err != nil {
		return nil, fmt.Errorf("session service: refresh activity: %w", err)
	}
	session.LastActivityAt = now

	return session, nil
}

// ValidateForMFA resolves a session that may still be awaiting MFA
// completion. Expiry is enforced; last activity is deliberately not
// refreshed, so a failed code attempt leaves the session untouched.
func (s *SessionService) ValidateForMFA(ctx context.Context, token string) (*models.Session, error) {
	session, err := s.find(ctx, token)
	if err != nil {
		return nil, err
	}

	if session.ExpiredAt(s.now()) {
		return nil, ErrSessionExpired
	}

	return session, nil
}

// MarkVerified transitions the session forward to verified and refreshes
// last activity. Re-invocation on an already verified session is harmless.
// Only a successful MFA check may call this.
func (s *SessionService) MarkVerified(ctx context.Context, session *models.Session) error {
	if session == nil {
		return ErrSessionNotFound
	}

	now := s.now()
	if err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", session.ID).
		Updates(map[string]any{
			"mfa_state":        models.MFAStateVerified,
			"last_activity_at": now,
		}).Error; err != nil {
		return fmt.Errorf("session service: mark verified: %w", err)
	}

	session.MFAState = models.MFAStateVerified
	session.LastActivityAt = now
	return nil
}

// Expire force-expires a single session (logout-equivalent).
func (s *SessionService) Expire(ctx context.Context, session *models.Session) error {
	if session == nil {
		return ErrSessionNotFound
	}

	now := s.now()
	if err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND expires_at > ?", session.ID, now).
		Update("expires_at", now).Error; err != nil {
		return fmt.Errorf("session service: expire: %w", err)
	}

	session.ExpiresAt = now
	metrics.ActiveSessions.Dec()
	return nil
}

// ExpireAllForUser sets expiry to now for every live session of the user.
// Used after a successful password reset to invalidate all other logins.
func (s *SessionService) ExpireAllForUser(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("session service: user id is required")
	}

	now := s.now()
	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("user_id = ? AND expires_at > ?", userID, now).
		Update("expires_at", now)
	if result.Error != nil {
		return 0, fmt.Errorf("session service: expire all: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// CleanupExpired removes dead sessions from the store.
func (s *SessionService) CleanupExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.now()).
		Delete(&models.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("session service: cleanup: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *SessionService) find(ctx context.Context, token string) (*models.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrSessionNotFound
	}

	var session models.Session
	err := s.db.WithContext(ctx).Where("token = ?", token).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session service: find session: %w", err)
	}
	return &session, nil
}

func (s *SessionService) lockUser(userID string) func() {
	s.mu.Lock()
	m, ok := s.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[userID] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}
