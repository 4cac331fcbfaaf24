package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/warp/residence-registry/assets"
)

// DefaultEnvFiles are loaded, when present, before the environment is read.
var DefaultEnvFiles = []string{".env", ".env.local"}

type AssetOptions struct {
	Root             string `env:"ASSET_ROOT" envDefault:"./data/assets"`
	URLPrefix        string `env:"ASSET_URL_PREFIX" envDefault:"/assets"`
	MaxImageBytes    int64  `env:"ASSET_MAX_IMAGE_BYTES" envDefault:"5242880"`
	MaxDocumentBytes int64  `env:"ASSET_MAX_DOCUMENT_BYTES" envDefault:"10485760"`
}

func (a AssetOptions) Limits() assets.Limits {
	return assets.Limits{PrimaryImage: a.MaxImageBytes, Document: a.MaxDocumentBytes}
}

type Config struct {
	Port        string   `env:"PORT" envDefault:"8080"`
	DBDriver    string   `env:"DB_DRIVER" envDefault:"sqlite3"`
	DBPath      string   `env:"DB_PATH" envDefault:"registry.db"`
	DatabaseURL string   `env:"DATABASE_URL"`
	SeedFile    string   `env:"SEED_FILE"`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	Assets AssetOptions
}

// LoadEnv loads the env files that exist and returns how many it found.
func LoadEnv(envFiles []string) (int, error) {
	existing := make([]string, 0, len(envFiles))
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// Load reads env files, then the environment, then validates.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = DefaultEnvFiles
	}
	if _, err := LoadEnv(envFiles); err != nil {
		return nil, fmt.Errorf("config: load env files: %w", err)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case "sqlite3":
		if strings.TrimSpace(c.DBPath) == "" {
			errs = append(errs, errors.New("DB_PATH is required for sqlite3"))
		}
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be 'sqlite3' or 'postgres', got '%s'", c.DBDriver))
	}
	if c.Assets.MaxImageBytes <= 0 {
		errs = append(errs, fmt.Errorf("ASSET_MAX_IMAGE_BYTES must be positive, got %d", c.Assets.MaxImageBytes))
	}
	if c.Assets.MaxDocumentBytes <= 0 {
		errs = append(errs, fmt.Errorf("ASSET_MAX_DOCUMENT_BYTES must be positive, got %d", c.Assets.MaxDocumentBytes))
	}
	if !strings.HasPrefix(c.Assets.URLPrefix, "/") || c.Assets.URLPrefix == "/" {
		errs = append(errs, fmt.Errorf("ASSET_URL_PREFIX must be an absolute sub-path, got '%s'", c.Assets.URLPrefix))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// DSN is the connection string for the configured driver.
func (c *Config) DSN() string {
	if c.DBDriver == "postgres" {
		return c.DatabaseURL
	}
	return c.DBPath
}
