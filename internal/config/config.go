// Package config loads service settings from defaults, an optional TOML
// file, an optional .env file and the process environment, in that order of
// increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"Freshka/internal/storage"
)

const (
	DefaultConfigPath = "config/catalog.toml"

	minTokenSecretLen = 32
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Admin   AdminConfig   `toml:"admin"`
	Catalog CatalogConfig `toml:"catalog"`
	Metrics MetricsConfig `toml:"metrics"`
	Log     LogConfig     `toml:"log"`
}

type ServerConfig struct {
	Port           string `toml:"port"`
	APIPrefix      string `toml:"api_prefix"`
	MaxBodyBytes   int64  `toml:"max_body_bytes"`
	MaxUploadBytes int64  `toml:"max_upload_bytes"`
}

type StorageConfig struct {
	Driver     string `toml:"driver"` // memory, dir, sqlite, postgres
	Dir        string `toml:"dir"`
	DSN        string `toml:"dsn"`
	CatalogKey string `toml:"catalog_key"`
	SeedFile   string `toml:"seed_file"`
}

type AdminConfig struct {
	User          string   `toml:"user"`
	Password      string   `toml:"password"`      // compared exactly
	PasswordHash  string   `toml:"password_hash"` // bcrypt; replaces password
	TokenSecret   string   `toml:"token_secret"`
	TokenTTL      Duration `toml:"token_ttl"`
	GuardProducts bool     `toml:"guard_products"`
}

type CatalogConfig struct {
	PlaceholderImage string `toml:"placeholder_image"`
	PublicBaseURL    string `toml:"public_base_url"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Token   string `toml:"token"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration read from TOML strings such as "15m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8082",
			APIPrefix:      "/api",
			MaxBodyBytes:   1 << 20,
			MaxUploadBytes: 10 << 20,
		},
		Storage: StorageConfig{
			Driver:     storage.DriverMemory,
			Dir:        "data",
			CatalogKey: "products.json",
		},
		Admin: AdminConfig{
			TokenTTL: Duration(15 * time.Minute),
		},
		Catalog: CatalogConfig{
			PlaceholderImage: "/images/placeholder.png",
		},
		Metrics: MetricsConfig{Enabled: true},
		Log:     LogConfig{Level: "info"},
	}
}

// Load builds the configuration. Missing TOML and .env files are not errors.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.APIPrefix, "API_PREFIX")
	setString(&c.Storage.Driver, "STORAGE_DRIVER")
	setString(&c.Storage.Dir, "STORAGE_DIR")
	setString(&c.Storage.DSN, "DATABASE_URL")
	setString(&c.Storage.CatalogKey, "CATALOG_KEY")
	setString(&c.Storage.SeedFile, "SEED_FILE")
	setString(&c.Admin.User, "ADMIN_USER")
	setString(&c.Admin.Password, "ADMIN_PASS")
	setString(&c.Admin.PasswordHash, "ADMIN_PASS_HASH")
	setString(&c.Admin.TokenSecret, "ADMIN_TOKEN_SECRET")
	setString(&c.Catalog.PlaceholderImage, "PLACEHOLDER_IMAGE")
	setString(&c.Catalog.PublicBaseURL, "PUBLIC_BASE_URL")
	setString(&c.Metrics.Token, "METRICS_TOKEN")
	setString(&c.Log.Level, "LOG_LEVEL")

	if v := os.Getenv("ADMIN_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: ADMIN_TOKEN_TTL: %w", err)
		}
		c.Admin.TokenTTL = Duration(d)
	}
	if err := setBool(&c.Admin.GuardProducts, "GUARD_PRODUCTS"); err != nil {
		return err
	}
	if err := setBool(&c.Metrics.Enabled, "METRICS_ENABLED"); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case storage.DriverMemory, storage.DriverDir:
	case storage.DriverSQLite, storage.DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("config: storage driver %q requires a dsn", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}

	if c.Storage.Driver == storage.DriverDir && c.Storage.Dir == "" {
		return errors.New("config: storage driver \"dir\" requires a dir")
	}
	if strings.TrimSpace(c.Storage.CatalogKey) == "" {
		return errors.New("config: catalog_key must not be empty")
	}
	if c.Admin.Password != "" && c.Admin.PasswordHash != "" {
		return errors.New("config: set either admin password or password_hash, not both")
	}
	if c.Admin.PasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(c.Admin.PasswordHash)); err != nil {
			return fmt.Errorf("config: admin password_hash: %w", err)
		}
	}
	if c.Admin.TokenSecret != "" && len(c.Admin.TokenSecret) < minTokenSecretLen {
		return fmt.Errorf("config: admin token secret must be at least %d chars", minTokenSecretLen)
	}
	if c.Admin.TokenSecret != "" && c.Admin.TokenTTL.Duration() <= 0 {
		return errors.New("config: admin token ttl must be positive")
	}
	return nil
}

func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Driver: c.Storage.Driver,
		Dir:    c.Storage.Dir,
		DSN:    c.Storage.DSN,
	}
}

// TokenTTL is zero when bearer tokens are disabled.
func (c *Config) TokenTTL() time.Duration {
	if c.Admin.TokenSecret == "" {
		return 0
	}
	return c.Admin.TokenTTL.Duration()
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}
