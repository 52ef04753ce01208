// Package keychain stores build secrets in the OS credential store.
package keychain

import (
	"errors"
	"fmt"
	"slices"

	"github.com/99designs/keyring"
)

// serviceName is the service identifier used for all buildrun secrets.
const serviceName = "buildrun"

// Sentinel errors for keychain operations.
var (
	ErrNotFound       = errors.New("secret not found")
	ErrInvalidName    = errors.New("invalid secret name")
	ErrUnknownBackend = errors.New("unknown keyring backend")
)

// Backends lists the backend names Config.Backend accepts.
var Backends = []string{
	string(keyring.KeychainBackend),
	string(keyring.SecretServiceBackend),
	string(keyring.KWalletBackend),
	string(keyring.KeyCtlBackend),
	string(keyring.WinCredBackend),
	string(keyring.PassBackend),
	string(keyring.FileBackend),
}

// Keychain provides named secret storage.
type Keychain interface {
	// Set stores a secret, replacing any previous value.
	Set(name, secret string) error

	// Get retrieves a secret.
	// Returns ErrNotFound if the secret does not exist.
	Get(name string) (string, error)

	// Delete removes a secret.
	// Returns nil if the secret does not exist.
	Delete(name string) error

	// List returns the stored secret names, sorted.
	List() ([]string, error)
}

// Config selects and configures the keyring backend.
type Config struct {
	// Backend is one of Backends. Empty picks the platform default.
	Backend string

	// FileDir holds the encrypted files of the file backend.
	FileDir string

	// Password returns the passphrase of the file backend.
	Password func(prompt string) (string, error)
}

type keychain struct {
	ring keyring.Keyring
}

// Open opens the configured keyring.
func Open(cfg Config) (Keychain, error) {
	kc := keyring.Config{
		ServiceName:              serviceName,
		KeychainName:             "login",
		KeychainTrustApplication: true,
		LibSecretCollectionName:  "login",
		KWalletAppID:             serviceName,
		KWalletFolder:            serviceName,
		FileDir:                  cfg.FileDir,
		PassPrefix:               serviceName,
	}
	if cfg.Password != nil {
		kc.FilePasswordFunc = cfg.Password
	}
	if cfg.Backend != "" {
		if !slices.Contains(Backends, cfg.Backend) {
			return nil, fmt.Errorf("%w: %q (valid: %v)", ErrUnknownBackend, cfg.Backend, Backends)
		}
		kc.AllowedBackends = []keyring.BackendType{keyring.BackendType(cfg.Backend)}
	}

	ring, err := keyring.Open(kc)
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return New(ring), nil
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring) Keychain {
	return &keychain{ring: ring}
}

func (k *keychain) Set(name, secret string) error {
	if name == "" {
		return ErrInvalidName
	}
	err := k.ring.Set(keyring.Item{
		Key:         name,
		Data:        []byte(secret),
		Label:       "buildrun - " + name,
		Description: "buildrun build secret",
	})
	if err != nil {
		return fmt.Errorf("store secret %s: %w", name, err)
	}
	return nil
}

func (k *keychain) Get(name string) (string, error) {
	if name == "" {
		return "", ErrInvalidName
	}
	item, err := k.ring.Get(name)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	return string(item.Data), nil
}

func (k *keychain) Delete(name string) error {
	err := k.ring.Remove(name)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("remove secret %s: %w", name, err)
	}
	return nil
}

func (k *keychain) List() ([]string, error) {
	keys, err := k.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	slices.Sort(keys)
	return keys, nil
}

// Resolve looks up every secret in refs, a map of environment variable to
// secret name, and returns the variables with their values.
func Resolve(k Keychain, refs map[string]string) (map[string]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if k == nil {
		return nil, errors.New("build uses secrets but no keyring is available")
	}

	out := make(map[string]string, len(refs))
	for env, name := range refs {
		value, err := k.Get(name)
		if err != nil {
			return nil, fmt.Errorf("secret for %s: %w", env, err)
		}
		out[env] = value
	}
	return out, nil
}
