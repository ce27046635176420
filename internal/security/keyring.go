package security

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name of every keyring entry.
const KeyringService = "micro-repl"

// ErrKeyringUnavailable is returned when the OS keyring cannot be used.
var ErrKeyringUnavailable = errors.New("keyring not available")

const probeKey = "__micro_repl_probe__"

// KeyringStore keeps device secrets in the OS keyring (macOS Keychain,
// Secret Service, Windows Credential Manager). Values are base64 encoded
// so arbitrary bytes survive every backend.
type KeyringStore struct {
	mu      sync.RWMutex
	enabled bool
}

// NewKeyringStore probes the keyring and disables the store if it is
// missing, as on headless machines.
func NewKeyringStore() *KeyringStore {
	ks := &KeyringStore{enabled: true}
	if err := keyring.Set(KeyringService, probeKey, "probe"); err != nil {
		slog.Debug("keyring not available", slog.String("error", err.Error()))
		ks.enabled = false
		return ks
	}
	_ = keyring.Delete(KeyringService, probeKey)
	return ks
}

// IsEnabled reports whether the keyring is in use.
func (ks *KeyringStore) IsEnabled() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.enabled
}

// SetEnabled turns keyring use on or off.
func (ks *KeyringStore) SetEnabled(enabled bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.enabled = enabled
}

// Get returns the secret stored under key, or "" if there is none.
func (ks *KeyringStore) Get(key string) (string, error) {
	if !ks.IsEnabled() {
		return "", ErrKeyringUnavailable
	}
	encoded, err := keyring.Get(KeyringService, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("keyring get %s: %w", key, err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("keyring decode %s: %w", key, err)
	}
	return string(raw), nil
}

// Set stores secret under key.
func (ks *KeyringStore) Set(key, secret string) error {
	if !ks.IsEnabled() {
		return ErrKeyringUnavailable
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(secret))
	if err := keyring.Set(KeyringService, key, encoded); err != nil {
		return fmt.Errorf("keyring set %s: %w", key, err)
	}
	slog.Debug("stored secret in keyring", slog.String("entry", key))
	return nil
}

// Delete removes key. A missing entry is not an error.
func (ks *KeyringStore) Delete(key string) error {
	if !ks.IsEnabled() {
		return ErrKeyringUnavailable
	}
	err := keyring.Delete(KeyringService, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", key, err)
	}
	return nil
}

// WebREPLKey names the entry holding a device's WebREPL password.
func WebREPLKey(device string) string { return "webrepl:" + device }

// SSHPassphraseKey names the entry holding a private key's passphrase.
func SSHPassphraseKey(keyPath string) string { return "ssh-passphrase:" + keyPath }

// SSHPasswordKey names the entry holding a bridge host password.
func SSHPasswordKey(user, host string) string { return "ssh-password:" + user + "@" + host }

// Secrets resolves a secret from an environment variable first and the
// keyring second.
type Secrets struct {
	Keyring *KeyringStore
	Getenv  func(string) string
}

// Lookup returns the value of env if set, else the keyring entry key.
// A disabled keyring yields "".
func (s Secrets) Lookup(env, key string) (string, error) {
	if env != "" && s.Getenv != nil {
		if v := s.Getenv(env); v != "" {
			return v, nil
		}
	}
	if s.Keyring == nil || !s.Keyring.IsEnabled() || key == "" {
		return "", nil
	}
	return s.Keyring.Get(key)
}
