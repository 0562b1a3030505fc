package security

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/zalando/go-keyring"
	"go.uber.org/zap"

	"parley/internal/config"
)

const (
	keyringService = "parley"
	vaultFileName  = "vault.json"

	// SecretRef in a config value means "look this up in the key store".
	SecretRef = "[keyring]"
)

// ErrSecretNotFound is returned when neither the OS keyring nor the vault
// holds a secret.
var ErrSecretNotFound = errors.New("secret not found")

// KeyStore manages secure storage of API keys and bot tokens.
// Primary: OS keyring. Fallback: password-encrypted vault file.
type KeyStore struct {
	useKeyring bool
	vault      *Vault // nil without a vault password
	logger     *zap.Logger
}

// NewKeyStore opens the key store rooted at dataDir.
func NewKeyStore(dataDir string, cfg config.SecurityConfig, logger *zap.Logger) (*KeyStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ks := &KeyStore{useKeyring: cfg.Keyring, logger: logger.Named("keystore")}
	if cfg.VaultPassword != "" {
		v, err := OpenVault(filepath.Join(dataDir, vaultFileName), cfg.VaultPassword)
		if err != nil {
			return nil, err
		}
		ks.vault = v
	}
	return ks, nil
}

// Set stores a secret, preferring the OS keyring.
func (ks *KeyStore) Set(name, value string) error {
	if ks.useKeyring {
		err := keyring.Set(keyringService, name, value)
		if err == nil {
			return nil
		}
		ks.logger.Debug("keyring unavailable, using vault", zap.String("secret", name), zap.Error(err))
	}
	if ks.vault == nil {
		return fmt.Errorf("store %s: no keyring and no vault password", name)
	}
	return ks.vault.Set(name, value)
}

// Get retrieves a secret.
func (ks *KeyStore) Get(name string) (string, error) {
	if ks.useKeyring {
		if val, err := keyring.Get(keyringService, name); err == nil {
			return val, nil
		}
	}
	if ks.vault != nil {
		val, ok, err := ks.vault.Get(name)
		if err != nil {
			return "", err
		}
		if ok {
			return val, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

// Delete removes a secret from both backends.
func (ks *KeyStore) Delete(name string) error {
	if ks.useKeyring {
		_ = keyring.Delete(keyringService, name)
	}
	if ks.vault != nil {
		return ks.vault.Delete(name)
	}
	return nil
}

// ProviderSecret is the key-store name of a provider's API key.
func ProviderSecret(provider string) string { return "provider/" + provider }

const (
	TelegramSecret = "telegram/token"
	BraveSecret    = "retrieval/brave"
)

// Resolve replaces every SecretRef value in cfg with the stored secret. A
// missing provider key leaves the key empty so the provider is disabled;
// a missing bot token is an error.
func (ks *KeyStore) Resolve(cfg *config.Config) error {
	for name, p := range cfg.LLM.Providers {
		if p.APIKey != SecretRef {
			continue
		}
		val, err := ks.Get(ProviderSecret(name))
		if err != nil {
			ks.logger.Warn("provider key not found", zap.String("provider", name), zap.Error(err))
			val = ""
		}
		p.APIKey = val
		cfg.LLM.Providers[name] = p
	}
	if cfg.Retrieval.BraveAPIKey == SecretRef {
		val, err := ks.Get(BraveSecret)
		if err != nil {
			ks.logger.Warn("brave key not found", zap.Error(err))
		}
		cfg.Retrieval.BraveAPIKey = val
	}
	if tg := cfg.Channels.Telegram; tg != nil && tg.Token == SecretRef {
		val, err := ks.Get(TelegramSecret)
		if err != nil {
			return fmt.Errorf("telegram token: %w", err)
		}
		tg.Token = val
	}
	return nil
}

// MaskKey returns a masked version of an API key for display.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:3] + "..." + key[len(key)-4:]
}
