package app

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/keyfold/keyfold/pkg/crypto"
)

const vaultMasterKeyBytes = 32

// ApplyRuntimeDefaults ensures critical secrets are populated even when no
// configuration file is supplied. It returns a map describing which keys were
// generated so callers can log the event without exposing values.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	generated := make(map[string]bool)

	if strings.TrimSpace(cfg.Vault.MasterKey) == "" {
		raw, err := crypto.RandomKey(vaultMasterKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("generate vault master key: %w", err)
		}
		cfg.Vault.MasterKey = hex.EncodeToString(raw)
		generated["vault.master_key"] = true
	}

	return generated, nil
}
