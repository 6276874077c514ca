package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "campuslink"
	// configFileName is the persisted configuration file.
	configFileName = "config.toml"
	// envFileName is an optional dotenv overlay next to the config file.
	envFileName = ".env"
)

const (
	TransportWebsocket = "websocket"
	TransportNATS      = "nats"
)

const (
	DefaultReconcileInterval   = 30 * time.Second
	DefaultRingTimeout         = 45 * time.Second
	DefaultOutboxFlushInterval = time.Minute
	DefaultOutboxMaxAttempts   = 3
	DefaultRateLimitMaxSends   = 20
	DefaultRateLimitWindow     = 10 * time.Second
	DefaultRateLimitCooldown   = 30 * time.Second
	DefaultStoreTimeout        = 15 * time.Second
	DefaultStatusAddr          = "127.0.0.1:9464"
	DefaultEventRetention      = 90 * 24 * time.Hour
)

// Duration is a time.Duration stored as text ("30s") in TOML.
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// Config contains persistent client settings.
type Config struct {
	DeviceID   string `toml:"device_id"`
	DeviceName string `toml:"device_name"`
	KeysDir    string `toml:"keys_dir"`

	Identity  IdentityConfig  `toml:"identity"`
	Transport TransportConfig `toml:"transport"`
	Store     StoreConfig     `toml:"store"`
	Outbox    OutboxConfig    `toml:"outbox"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Calls     CallsConfig     `toml:"calls"`
	Push      PushConfig      `toml:"push"`
	Security  SecurityConfig  `toml:"security"`
	Log       LogConfig       `toml:"log"`
	Status    StatusConfig    `toml:"status"`
}

// IdentityConfig holds the session token issued by the authentication service.
type IdentityConfig struct {
	Token string `toml:"token"`
}

// TransportConfig selects the realtime provider.
type TransportConfig struct {
	Kind string `toml:"kind"`
	URL  string `toml:"url"`
	// Discover resolves the gateway over mDNS when URL is empty.
	Discover bool `toml:"discover"`
}

// StoreConfig points at the message-store service.
type StoreConfig struct {
	URL     string   `toml:"url"`
	Timeout Duration `toml:"timeout"`
}

type OutboxConfig struct {
	MaxAttempts   int      `toml:"max_attempts"`
	FlushInterval Duration `toml:"flush_interval"`
}

// RateLimitConfig controls the local send governor. RedisURL shares state across devices.
type RateLimitConfig struct {
	MaxSends int      `toml:"max_sends"`
	Window   Duration `toml:"window"`
	Cooldown Duration `toml:"cooldown"`
	RedisURL string   `toml:"redis_url"`
}

type ReconcileConfig struct {
	Interval Duration `toml:"interval"`
}

type CallsConfig struct {
	RingTimeout Duration `toml:"ring_timeout"`
}

type PushConfig struct {
	DeviceToken string `toml:"device_token"`
	Platform    string `toml:"platform"`
}

// SecurityConfig bounds how long key exchange and fingerprint events are kept locally.
type SecurityConfig struct {
	EventRetention Duration `toml:"event_retention"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type StatusConfig struct {
	Addr string `toml:"addr"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CAMPUSLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("CAMPUSLINK_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.toml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.toml from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes config.toml to disk.
func Save(path string, cfg *Config) error {
	raw, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config
// with environment overrides applied. Overrides are never written back.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}
	loadDotEnv(dataDir)

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		cfg = &Config{}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, cfgPath, nil
}

// DataDir returns the directory holding the config file.
func DataDir(cfgPath string) string {
	return filepath.Dir(cfgPath)
}

func loadDotEnv(dataDir string) {
	// Missing files are expected; existing env vars win over both.
	_ = godotenv.Load(filepath.Join(dataDir, envFileName))
	_ = godotenv.Load()
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CAMPUSLINK_TOKEN"); v != "" {
		cfg.Identity.Token = v
	}
	if v := os.Getenv("CAMPUSLINK_TRANSPORT_URL"); v != "" {
		cfg.Transport.URL = v
	}
	if v := os.Getenv("CAMPUSLINK_TRANSPORT_KIND"); v != "" {
		cfg.Transport.Kind = v
	}
	if v := os.Getenv("CAMPUSLINK_STORE_URL"); v != "" {
		cfg.Store.URL = v
	}
	if v := os.Getenv("CAMPUSLINK_REDIS_URL"); v != "" {
		cfg.RateLimit.RedisURL = v
	}
	if v := os.Getenv("CAMPUSLINK_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *Duration, value time.Duration) {
		if field.Duration <= 0 {
			field.Duration = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.DeviceID, uuid.NewString())
	deviceName := "Campuslink Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}
	setString(&cfg.DeviceName, deviceName)
	setString(&cfg.KeysDir, filepath.Join(dataDir, "keys"))

	if kind := normalizeTransportKind(cfg.Transport.Kind); kind != cfg.Transport.Kind {
		cfg.Transport.Kind = kind
		updated = true
	}

	setDuration(&cfg.Store.Timeout, DefaultStoreTimeout)
	setInt(&cfg.Outbox.MaxAttempts, DefaultOutboxMaxAttempts)
	setDuration(&cfg.Outbox.FlushInterval, DefaultOutboxFlushInterval)
	setInt(&cfg.RateLimit.MaxSends, DefaultRateLimitMaxSends)
	setDuration(&cfg.RateLimit.Window, DefaultRateLimitWindow)
	setDuration(&cfg.RateLimit.Cooldown, DefaultRateLimitCooldown)
	setDuration(&cfg.Reconcile.Interval, DefaultReconcileInterval)
	setDuration(&cfg.Calls.RingTimeout, DefaultRingTimeout)
	setDuration(&cfg.Security.EventRetention, DefaultEventRetention)
	setString(&cfg.Log.Level, "info")
	setString(&cfg.Log.Format, "console")
	setString(&cfg.Status.Addr, DefaultStatusAddr)

	return updated
}

func normalizeTransportKind(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case TransportNATS:
		return TransportNATS
	default:
		return TransportWebsocket
	}
}
