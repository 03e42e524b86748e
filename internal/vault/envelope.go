package vault

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/keyfold/keyfold/internal/models"
	"github.com/keyfold/keyfold/pkg/crypto"
)

// Mode selects how per-organization keys are wrapped at rest.
type Mode string

const (
	// ModeAESGCM wraps organization keys with an Argon2id-derived master key.
	ModeAESGCM Mode = "aes-gcm"
	// ModePassthrough stores organization keys base64 encoded without a
	// master key, for development and test environments where no key
	// management infrastructure is available. The call contract is identical.
	ModePassthrough Mode = "passthrough"
)

const (
	orgKeyLength      = 32
	defaultSaltLength = 16
)

// ErrDecryptFailed is returned for any unwrap or decrypt failure. Callers on
// the authorization path must treat it as an authorization failure and never
// surface the underlying detail.
var ErrDecryptFailed = errors.New("vault: decrypt failed")

// Keyring implements the two-level envelope scheme: the master key wraps each
// organization's signing and data keys; per-user secrets are sealed with the
// unwrapped organization data key.
type Keyring struct {
	mode   Mode
	master []byte
}

// Option configures the keyring.
type Option func(*keyringConfig)

type keyringConfig struct {
	salt   []byte
	params crypto.Argon2Parameters
}

// WithSalt overrides the salt used for master key derivation.
func WithSalt(salt []byte) Option {
	cp := make([]byte, len(salt))
	copy(cp, salt)
	return func(cfg *keyringConfig) {
		cfg.salt = cp
	}
}

// WithArgon2Parameters overrides the KDF cost parameters.
func WithArgon2Parameters(params crypto.Argon2Parameters) Option {
	return func(cfg *keyringConfig) {
		cfg.params = params
	}
}

// NewKeyring builds a keyring for the given mode. The master secret is
// required in ModeAESGCM and ignored in ModePassthrough.
func NewKeyring(mode Mode, masterSecret []byte, opts ...Option) (*Keyring, error) {
	switch mode {
	case ModePassthrough:
		return &Keyring{mode: mode}, nil
	case ModeAESGCM:
	default:
		return nil, fmt.Errorf("vault: unknown mode %q", mode)
	}

	if len(masterSecret) == 0 {
		return nil, errors.New("vault: master secret is required")
	}

	cfg := keyringConfig{params: crypto.DefaultArgon2Params()}
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(cfg.salt) == 0 {
		cfg.salt = deriveSalt(masterSecret)
	} else if len(cfg.salt) < defaultSaltLength {
		return nil, fmt.Errorf("vault: salt must be at least %d bytes (got %d)", defaultSaltLength, len(cfg.salt))
	}

	master, err := crypto.DeriveKeyArgon2id(masterSecret, cfg.salt, cfg.params)
	if err != nil {
		return nil, fmt.Errorf("vault: derive master key: %w", err)
	}

	return &Keyring{mode: mode, master: master}, nil
}

// Mode returns the configured wrapping mode.
func (k *Keyring) Mode() Mode {
	return k.mode
}

// NewOrgKeys generates fresh signing and data keys for an organization and
// returns them wrapped for storage.
func (k *Keyring) NewOrgKeys() (signingKey, dataKey string, err error) {
	raw, err := crypto.RandomKey(orgKeyLength)
	if err != nil {
		return "", "", fmt.Errorf("vault: generate signing key: %w", err)
	}
	signingKey, err = k.WrapKey(raw)
	if err != nil {
		return "", "", err
	}

	raw, err = crypto.RandomKey(orgKeyLength)
	if err != nil {
		return "", "", fmt.Errorf("vault: generate data key: %w", err)
	}
	dataKey, err = k.WrapKey(raw)
	if err != nil {
		return "", "", err
	}

	return signingKey, dataKey, nil
}

// WrapKey seals a raw organization key with the master key.
func (k *Keyring) WrapKey(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("vault: key material is empty")
	}
	if k.mode == ModePassthrough {
		return base64.StdEncoding.EncodeToString(raw), nil
	}
	return crypto.Encrypt(raw, k.master)
}

// UnwrapKey opens a wrapped organization key.
func (k *Keyring) UnwrapKey(ciphertext string) ([]byte, error) {
	if ciphertext == "" {
		return nil, ErrDecryptFailed
	}
	if k.mode == ModePassthrough {
		raw, err := base64.StdEncoding.DecodeString(ciphertext)
		if err != nil {
			return nil, ErrDecryptFailed
		}
		return raw, nil
	}
	raw, err := crypto.Decrypt(ciphertext, k.master)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return raw, nil
}

// UnwrapSigningKey returns the organization's token signing key in the clear.
func (k *Keyring) UnwrapSigningKey(org *models.Organization) ([]byte, error) {
	if org == nil {
		return nil, ErrDecryptFailed
	}
	return k.UnwrapKey(org.SigningKey)
}

// EncryptForOrg seals a per-user secret with the organization's data key.
func (k *Keyring) EncryptForOrg(org *models.Organization, plaintext []byte) (string, error) {
	key, err := k.UnwrapKey(org.DataKey)
	if err != nil {
		return "", err
	}
	sealed, err := crypto.Encrypt(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("vault: encrypt secret: %w", err)
	}
	return sealed, nil
}

// DecryptForOrg opens a per-user secret sealed with the organization's data
// key. Any failure collapses to ErrDecryptFailed.
func (k *Keyring) DecryptForOrg(org *models.Organization, ciphertext string) ([]byte, error) {
	key, err := k.UnwrapKey(org.DataKey)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.Decrypt(ciphertext, key)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return raw, nil
}

func deriveSalt(masterSecret []byte) []byte {
	sum := sha256.Sum256(masterSecret)
	return sum[:defaultSaltLength]
}
