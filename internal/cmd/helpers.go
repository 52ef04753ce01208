package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmgilman/buildrun/internal/catalog"
	"github.com/jmgilman/buildrun/internal/config"
	"github.com/jmgilman/buildrun/internal/keychain"
	"github.com/jmgilman/buildrun/internal/logging"
	"github.com/jmgilman/buildrun/internal/prompt"
)

// keyringPasswordEnv supplies the file backend passphrase without a prompt.
const keyringPasswordEnv = "BUILDRUN_KEYRING_PASSWORD"

// newKeychain is replaced in tests.
var newKeychain = openKeychain

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, config.DefaultDataDir), nil
}

// historyPath returns the history file from config, or the default if config is nil.
func historyPath(ctx context.Context) (string, error) {
	if cfg := ConfigFromContext(ctx); cfg != nil {
		return cfg.Storage.History, nil
	}
	dataDir, err := defaultDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "history.json"), nil
}

// logsDir returns the logs directory from config, or the default if config is nil.
func logsDir(ctx context.Context) (string, error) {
	if cfg := ConfigFromContext(ctx); cfg != nil {
		return cfg.Storage.Logs, nil
	}
	dataDir, err := defaultDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "logs"), nil
}

func openStore(ctx context.Context) (catalog.Store, error) {
	path, err := historyPath(ctx)
	if err != nil {
		return nil, fmt.Errorf("get history path: %w", err)
	}
	return catalog.NewStore(path), nil
}

func openLogs(ctx context.Context) (*logging.PathManager, error) {
	dir, err := logsDir(ctx)
	if err != nil {
		return nil, fmt.Errorf("get logs directory: %w", err)
	}
	return logging.NewPathManager(dir), nil
}

// openKeychain opens the keyring selected by the secrets configuration.
func openKeychain(ctx context.Context, p prompt.Prompter) (keychain.Keychain, error) {
	kc := keychain.Config{Password: keyringPassword(p)}
	if cfg := ConfigFromContext(ctx); cfg != nil {
		kc.Backend = cfg.Secrets.Backend
		kc.FileDir = cfg.Secrets.FileDir
	} else {
		dataDir, err := defaultDataDir()
		if err != nil {
			return nil, err
		}
		kc.FileDir = filepath.Join(dataDir, "keyring")
	}
	return keychain.Open(kc)
}

// keyringPassword reads the file backend passphrase from the environment,
// falling back to a prompt.
func keyringPassword(p prompt.Prompter) func(string) (string, error) {
	return func(title string) (string, error) {
		if pw, ok := os.LookupEnv(keyringPasswordEnv); ok {
			return pw, nil
		}
		pw, err := p.Secret(title)
		if errors.Is(err, prompt.ErrNotInteractive) {
			return "", fmt.Errorf("keyring passphrase required: set %s", keyringPasswordEnv)
		}
		return pw, err
	}
}

// formatDuration renders d the way finish lines do.
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
