package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer identifies tokens minted by this service.
const DefaultIssuer = "keyfold"

// TokenConfig bundles the configuration required to build a TokenService.
type TokenConfig struct {
	Issuer string
	Clock  func() time.Time
}

// SessionClaims is the payload of a signed session token. It carries only
// the opaque session identifier; everything else lives in the store.
type SessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// TokenService issues and validates per-organization signed session tokens.
// Every organization signs with its own key, so the key is a parameter of
// each call rather than service state.
type TokenService struct {
	issuer string
	now    func() time.Time
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg TokenConfig) *TokenService {
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = DefaultIssuer
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &TokenService{issuer: issuer, now: now}
}

// Sign issues an HS256 token binding the session identifier, valid for ttl.
func (s *TokenService) Sign(key []byte, sessionID string, ttl time.Duration) (string, error) {
	if len(key) == 0 {
		return "", errors.New("token: signing key is required")
	}
	if sessionID == "" {
		return "", errors.New("token: session id is required")
	}
	if ttl <= 0 {
		return "", errors.New("token: ttl must be positive")
	}

	now := s.now()
	claims := &SessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Parse validates a signed token against the organization key and returns
// the embedded session identifier.
func (s *TokenService) Parse(key []byte, tokenString string) (string, error) {
	if len(key) == 0 || tokenString == "" {
		return "", errors.New("token: key and token are required")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuer(s.issuer),
	)

	var claims SessionClaims
	if _, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}); err != nil {
		return "", fmt.Errorf("token: parse: %w", err)
	}

	if claims.SessionID == "" {
		return "", errors.New("token: missing session claim")
	}

	return claims.SessionID, nil
}
