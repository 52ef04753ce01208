// Package config provides configuration management for buildrun.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"golang.org/x/text/encoding/htmlindex"
	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultConfigDir  = ".config/buildrun"
	DefaultConfigFile = "config.yaml"
	DefaultDataDir    = ".local/share/buildrun"
)

const defaultHistoryKeep = 200

// Sentinel errors for configuration operations.
var (
	ErrInvalidKey      = errors.New("invalid configuration key")
	ErrInvalidEncoding = errors.New("invalid encoding")
	ErrInvalidFormat   = errors.New("invalid log format")
	ErrInvalidValue    = errors.New("invalid value")
	ErrNoEditor        = errors.New("$EDITOR environment variable not set")
)

// validFormats contains the allowed log formats (unexported).
var validFormats = map[string]bool{
	"text": true,
	"json": true,
}

// secretBackends mirrors the oneof rule on SecretsConfig.Backend.
var secretBackends = []string{"keychain", "secret-service", "kwallet", "keyctl", "wincred", "pass", "file"}

// validKeys is built once from Config struct reflection.
var validKeys = buildValidKeys()

// validate is the shared validator instance.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	//nolint:errcheck // registration only fails for an empty tag
	v.RegisterValidation("encoding", func(fl validator.FieldLevel) bool {
		_, err := htmlindex.Get(fl.Field().String())
		return err == nil
	})
	return v
}

// Config represents the full buildrun configuration.
type Config struct {
	Default  DefaultConfig     `mapstructure:"default" validate:"required"`
	BuildEnv map[string]string `mapstructure:"build_env" validate:"dive,keys,required,excludesall==,endkeys"`
	Helper   HelperConfig      `mapstructure:"helper"`
	Storage  StorageConfig     `mapstructure:"storage" validate:"required"`
	Log      LogConfig         `mapstructure:"log"`
	Metrics  MetricsConfig     `mapstructure:"metrics"`
	Watch    WatchConfig       `mapstructure:"watch"`
	Secrets  SecretsConfig     `mapstructure:"secrets"`
}

// DefaultConfig holds values used when a build does not set them.
type DefaultConfig struct {
	Encoding string `mapstructure:"encoding" validate:"required,encoding"`
	Quiet    bool   `mapstructure:"quiet"`
	Shell    string `mapstructure:"shell"`
}

// HelperConfig locates the Windows helper executable.
type HelperConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig holds storage location configuration.
type StorageConfig struct {
	History string `mapstructure:"history" validate:"required"`
	Logs    string `mapstructure:"logs" validate:"required"`
	Keep    int    `mapstructure:"keep" validate:"gte=0"`
}

// LogConfig controls diagnostic logging.
type LogConfig struct {
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// MetricsConfig controls metric export.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// WatchConfig controls --watch.
type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce" validate:"gte=0"`
	Ignore   []string      `mapstructure:"ignore"`
}

// SecretsConfig selects the keyring holding build secrets. An empty backend
// uses the platform's credential store.
type SecretsConfig struct {
	Backend string `mapstructure:"backend" validate:"omitempty,oneof=keychain secret-service kwallet keyctl wincred pass file"`
	FileDir string `mapstructure:"file_dir"`
}

// Validate checks the configuration for errors using struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// Loader provides configuration loading and saving.
type Loader struct {
	v       *viper.Viper
	path    string
	homeDir string
}

// NewLoader creates a new configuration loader.
func NewLoader() (*Loader, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home directory: %w", err)
	}

	configPath := filepath.Join(home, DefaultConfigDir, DefaultConfigFile)

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("BUILDRUN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	//nolint:errcheck // BindEnv only fails with zero arguments
	v.BindEnv("default.encoding", "BUILDRUN_ENCODING")
	//nolint:errcheck // BindEnv only fails with zero arguments
	v.BindEnv("helper.path", "BUILDRUN_HELPER")
	//nolint:errcheck // BindEnv only fails with zero arguments
	v.BindEnv("log.format", "BUILDRUN_LOG_FORMAT")
	//nolint:errcheck // BindEnv only fails with zero arguments
	v.BindEnv("secrets.backend", "BUILDRUN_KEYRING_BACKEND")

	l := &Loader{
		v:       v,
		path:    configPath,
		homeDir: home,
	}

	l.setDefaults()

	return l, nil
}

// setDefaults sets all default configuration values using Viper.
func (l *Loader) setDefaults() {
	l.v.SetDefault("default.encoding", "utf-8")
	l.v.SetDefault("default.quiet", false)
	l.v.SetDefault("default.shell", "")
	l.v.SetDefault("build_env", map[string]string{})
	l.v.SetDefault("helper.path", "")
	l.v.SetDefault("storage.history", "~/"+DefaultDataDir+"/history.json")
	l.v.SetDefault("storage.logs", "~/"+DefaultDataDir+"/logs")
	l.v.SetDefault("storage.keep", defaultHistoryKeep)
	l.v.SetDefault("log.format", "text")
	l.v.SetDefault("metrics.textfile", "")
	l.v.SetDefault("watch.debounce", "200ms")
	l.v.SetDefault("watch.ignore", []string{".git", "node_modules"})
	l.v.SetDefault("secrets.backend", "")
	l.v.SetDefault("secrets.file_dir", "~/"+DefaultDataDir+"/keyring")
}

// Load reads the configuration file, creating defaults if it doesn't exist.
func (l *Loader) Load() (*Config, error) {
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		if err := l.createDefault(); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	env, err := l.readBuildEnv()
	if err != nil {
		return nil, err
	}
	cfg.BuildEnv = env

	cfg.Storage.History = l.expandPath(cfg.Storage.History)
	cfg.Storage.Logs = l.expandPath(cfg.Storage.Logs)
	cfg.Metrics.Textfile = l.expandPath(cfg.Metrics.Textfile)
	cfg.Helper.Path = l.expandPath(cfg.Helper.Path)
	cfg.Secrets.FileDir = l.expandPath(cfg.Secrets.FileDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// readBuildEnv reads build_env straight from the file. Viper folds map keys
// to lower case, which would rename environment variables.
func (l *Loader) readBuildEnv() (map[string]string, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var raw struct {
		BuildEnv map[string]string `yaml:"build_env"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse build_env: %w", err)
	}
	if raw.BuildEnv == nil {
		raw.BuildEnv = make(map[string]string)
	}
	return raw.BuildEnv, nil
}

// Path returns the configuration file path.
func (l *Loader) Path() string {
	return l.path
}

// Get returns a configuration value by dot-notation key.
func (l *Loader) Get(key string) (any, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return l.v.Get(key), nil
}

// All returns the merged configuration as a nested map.
func (l *Loader) All() map[string]any {
	return l.v.AllSettings()
}

// Set sets a configuration value by dot-notation key and writes the file.
func (l *Loader) Set(key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	if name, ok := strings.CutPrefix(key, "build_env."); ok {
		return l.setBuildEnv(name, value)
	}

	parsed, err := parseValue(key, value)
	if err != nil {
		return err
	}

	l.v.Set(key, parsed)
	return l.v.WriteConfig()
}

// setBuildEnv edits the file directly so the variable keeps its case.
func (l *Loader) setBuildEnv(name, value string) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	doc := make(map[string]any)
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	env, _ := doc["build_env"].(map[string]any)
	if env == nil {
		env = make(map[string]any)
	}
	env[name] = value
	doc["build_env"] = env

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(l.path, out, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return l.v.ReadInConfig()
}

// parseValue checks value against the type of key and converts it.
func parseValue(key, value string) (any, error) {
	switch key {
	case "default.encoding":
		if _, err := htmlindex.Get(value); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidEncoding, value)
		}
	case "log.format":
		if !validFormats[value] {
			return nil, fmt.Errorf("%w: %s (valid: text, json)", ErrInvalidFormat, value)
		}
	case "default.quiet":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %q is not a boolean", ErrInvalidValue, key, value)
		}
		return b, nil
	case "storage.keep":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %s: %q is not a non-negative integer", ErrInvalidValue, key, value)
		}
		return n, nil
	case "watch.debounce":
		if _, err := time.ParseDuration(value); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
		}
	case "secrets.backend":
		if value != "" && !slices.Contains(secretBackends, value) {
			return nil, fmt.Errorf("%w: %s: %q (valid: %s)", ErrInvalidValue, key, value, strings.Join(secretBackends, ", "))
		}
	case "watch.ignore":
		var patterns []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
		return patterns, nil
	}
	return value, nil
}

// createDefault writes the default configuration file using Viper.
func (l *Loader) createDefault() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	return l.v.SafeWriteConfigAs(l.path)
}

// expandPath replaces ~ with the home directory.
func (l *Loader) expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(l.homeDir, path[2:])
	}
	if path == "~" {
		return l.homeDir
	}
	return path
}

// ValidateKey checks if a key is a valid configuration key.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	if validKeys[key] {
		return nil
	}

	// build_env.<NAME> addresses a single variable.
	if name, ok := strings.CutPrefix(key, "build_env."); ok && name != "" && !strings.Contains(name, ".") {
		return nil
	}

	return fmt.Errorf("%w: %s", ErrInvalidKey, key)
}

// buildValidKeys builds the set of valid keys from Config struct using reflection.
func buildValidKeys() map[string]bool {
	keys := make(map[string]bool)
	addKeysFromType(reflect.TypeOf(Config{}), "", keys)
	return keys
}

// addKeysFromType recursively adds keys from a struct type.
func addKeysFromType(t reflect.Type, prefix string, keys map[string]bool) {
	for i := range t.NumField() {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		keys[key] = true

		// Recurse into nested structs (but not maps or durations)
		if field.Type.Kind() == reflect.Struct {
			addKeysFromType(field.Type, key, keys)
		}
	}
}
