package mfa

import (
	"context"
	cryptoRand "crypto/rand"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/internal/vault"
	"github.com/keyfold/keyfold/pkg/crypto"
)

const (
	defaultIssuer          = "Keyfold"
	defaultBackupCodeCount = 10
	defaultQRCodeSize      = 256

	totpPeriod = 30
	totpSkew   = 1 // accept one time-step either side
)

// ErrInvalidCode is returned when a submitted code does not verify. Wrong
// codes never change stored state.
var ErrInvalidCode = errors.New("mfa: invalid code")

// ErrNotEnrolled indicates the user has no pending or confirmed TOTP seed.
var ErrNotEnrolled = errors.New("mfa: not enrolled")

// Option allows customising the service.
type Option func(*Service)

// WithIssuer overrides the issuer string encoded in provisioning URIs.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = issuer
		}
	}
}

// WithBackupCodeCount overrides the number of backup codes generated.
func WithBackupCodeCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.backupCodes = count
		}
	}
}

// WithClock injects a custom clock, primarily for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Service manages TOTP enrollment and verification. Seeds are stored
// encrypted with the owning organization's data key and are only trusted
// once the user has confirmed possession with a valid code.
type Service struct {
	db      *gorm.DB
	keyring *vault.Keyring

	issuer      string
	backupCodes int
	qrCodeSize  int
	now         func() time.Time
}

// NewService constructs an MFA service backed by the provided database.
func NewService(db *gorm.DB, keyring *vault.Keyring, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, errors.New("mfa: db is required")
	}
	if keyring == nil {
		return nil, errors.New("mfa: keyring is required")
	}

	service := &Service{
		db:          db,
		keyring:     keyring,
		issuer:      defaultIssuer,
		backupCodes: defaultBackupCodeCount,
		qrCodeSize:  defaultQRCodeSize,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// Enrollment is the result of BeginSetup. The raw secret and backup codes
// are shown to the user exactly once.
type Enrollment struct {
	Secret          string
	ProvisioningURI string
	BackupCodes     []string
}

// BeginSetup provisions a new TOTP seed for the user, stored encrypted but
// unconfirmed. MFA is not enabled until ConfirmSetup succeeds. Re-invocation
// replaces any unconfirmed pending seed.
func (s *Service) BeginSetup(ctx context.Context, user *models.User, org *models.Organization) (*Enrollment, error) {
	if user == nil || org == nil {
		return nil, errors.New("mfa: user and organization are required")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("mfa: generate key: %w", err)
	}

	sealed, err := s.keyring.EncryptForOrg(org, []byte(key.Secret()))
	if err != nil {
		return nil, fmt.Errorf("mfa: encrypt seed: %w", err)
	}

	plainCodes := make([]string, s.backupCodes)
	hashedCodes := make([]string, s.backupCodes)
	for i := range plainCodes {
		code, err := generateBackupCode()
		if err != nil {
			return nil, fmt.Errorf("mfa: generate backup code: %w", err)
		}
		hash, err := crypto.HashPassword(code)
		if err != nil {
			return nil, fmt.Errorf("mfa: hash backup code: %w", err)
		}
		plainCodes[i] = code
		hashedCodes[i] = hash
	}

	codesJSON, err := json.Marshal(hashedCodes)
	if err != nil {
		return nil, fmt.Errorf("mfa: marshal backup codes: %w", err)
	}

	var secret models.MFASecret
	err = s.db.WithContext(ctx).Where("user_id = ?", user.ID).First(&secret).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		secret = models.MFASecret{
			UserID:      user.ID,
			Secret:      sealed,
			Confirmed:   false,
			BackupCodes: datatypes.JSON(codesJSON),
		}
		if err := s.db.WithContext(ctx).Create(&secret).Error; err != nil {
			return nil, fmt.Errorf("mfa: create secret: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("mfa: load secret: %w", err)
	default:
		secret.Secret = sealed
		secret.Confirmed = false
		secret.BackupCodes = datatypes.JSON(codesJSON)
		secret.LastUsedAt = nil
		if err := s.db.WithContext(ctx).Save(&secret).Error; err != nil {
			return nil, fmt.Errorf("mfa: update secret: %w", err)
		}
	}

	return &Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.String(),
		BackupCodes:     plainCodes,
	}, nil
}

// ConfirmSetup verifies the submitted code against the pending seed and, on
// success, marks the seed confirmed and enables MFA for the user. On failure
// the pending seed is left in place so the user may retry.
func (s *Service) ConfirmSetup(ctx context.Context, user *models.User, org *models.Organization, code string) error {
	secret, err := s.loadSecret(ctx, user.ID)
	if err != nil {
		return err
	}

	if !s.validate(org, secret, code) {
		return ErrInvalidCode
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(secret).Update("confirmed", true).Error; err != nil {
			return err
		}
		return tx.Model(&models.User{}).Where("id = ?", user.ID).
			Update("mfa_enabled", true).Error
	})
	if err != nil {
		return fmt.Errorf("mfa: confirm setup: %w", err)
	}

	user.MFAEnabled = true
	return nil
}

// Verify checks a submitted code against the user's confirmed seed. The
// caller decides what a success means (marking the session verified and
// recording access history).
func (s *Service) Verify(ctx context.Context, user *models.User, org *models.Organization, code string) error {
	secret, err := s.loadSecret(ctx, user.ID)
	if err != nil {
		return err
	}
	if !secret.Confirmed {
		return ErrNotEnrolled
	}

	if !s.validate(org, secret, code) {
		return ErrInvalidCode
	}

	now := s.now()
	if err := s.db.WithContext(ctx).Model(secret).Update("last_used_at", &now).Error; err != nil {
		return fmt.Errorf("mfa: update last used: %w", err)
	}
	return nil
}

// UseBackupCode validates and consumes a single backup code as an MFA
// fallback. Consumed codes cannot be replayed.
func (s *Service) UseBackupCode(ctx context.Context, user *models.User, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, ErrInvalidCode
	}

	secret, err := s.loadSecret(ctx, user.ID)
	if err != nil {
		return false, err
	}
	if !secret.Confirmed {
		return false, ErrNotEnrolled
	}

	var hashedCodes []string
	if err := json.Unmarshal(secret.BackupCodes, &hashedCodes); err != nil {
		return false, fmt.Errorf("mfa: unmarshal backup codes: %w", err)
	}

	consumed := false
	for i, stored := range hashedCodes {
		if crypto.VerifyPassword(stored, code) {
			hashedCodes = append(hashedCodes[:i], hashedCodes[i+1:]...)
			consumed = true
			break
		}
	}

	if !consumed {
		return false, nil
	}

	encoded, err := json.Marshal(hashedCodes)
	if err != nil {
		return false, fmt.Errorf("mfa: marshal backup codes: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(secret).
		Update("backup_codes", datatypes.JSON(encoded)).Error; err != nil {
		return false, fmt.Errorf("mfa: update backup codes: %w", err)
	}

	return true, nil
}

// QRCode renders a provisioning URI as a PNG for authenticator apps.
func (s *Service) QRCode(enrollment *Enrollment) ([]byte, error) {
	if enrollment == nil || enrollment.ProvisioningURI == "" {
		return nil, errors.New("mfa: enrollment is required")
	}
	return qrcode.Encode(enrollment.ProvisioningURI, qrcode.Medium, s.qrCodeSize)
}

func (s *Service) validate(org *models.Organization, secret *models.MFASecret, code string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}

	seed, err := s.keyring.DecryptForOrg(org, secret.Secret)
	if err != nil {
		// Fail closed: an unreadable seed behaves like a wrong code.
		return false
	}

	ok, err := totp.ValidateCustom(code, string(seed), s.now(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func (s *Service) loadSecret(ctx context.Context, userID string) (*models.MFASecret, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrNotEnrolled
	}

	var secret models.MFASecret
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&secret).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, fmt.Errorf("mfa: load secret: %w", err)
	}
	return &secret, nil
}

func generateBackupCode() (string, error) {
	buf := make([]byte, 5)
	if _, err := cryptoRand.Read(buf); err != nil {
		return "", err
	}
	return base32.StdEncoding.EncodeToString(buf)[:8], nil
}
