// Package config loads blobcache settings from the environment, optionally
// seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/IvanBrykalov/blobcache/internal/logging"
	"github.com/IvanBrykalov/blobcache/policy"
	"github.com/IvanBrykalov/blobcache/policy/ghost"
	"github.com/IvanBrykalov/blobcache/policy/slru"
	"github.com/IvanBrykalov/blobcache/redisindex"
)

// Admission policy names.
const (
	PolicyFast    = "fast"
	PolicyClassic = "classic"
	PolicyGhost   = "ghost"
)

const defaultGhostSize = 1024

// Config is the full process configuration.
type Config struct {
	CacheDir  string `env:"BLOBCACHE_DIR" envDefault:"./blobcache"`
	Capacity  int    `env:"BLOBCACHE_CAPACITY" envDefault:"0"`            // max cached blobs, 0 = unbounded
	MaxBytes  int64  `env:"BLOBCACHE_MAX_BYTES" envDefault:"10737418240"` // 10 GiB
	Policy    string `env:"BLOBCACHE_POLICY" envDefault:"fast"`           // fast | classic | ghost
	GhostSize int    `env:"BLOBCACHE_GHOST_SIZE" envDefault:"0"`          // 0 = Capacity, or 1024 if unbounded
	Verify    bool   `env:"BLOBCACHE_VERIFY" envDefault:"false"`          // hash blobs on Put
	IndexName string `env:"BLOBCACHE_REDIS_INDEX" envDefault:"blobcache"` // key prefix of the shared index

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"text"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	Redis redisindex.Config
}

// Load reads the given .env files (or ./.env if none are given and it
// exists), parses the environment into a Config and validates it. Variables
// already set in the environment win over .env values.
func Load(paths ...string) (Config, error) {
	if err := godotenv.Load(paths...); err != nil {
		if len(paths) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, errors.Join(ErrLoadingEnv, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.CacheDir == "" {
		errs = append(errs, fmt.Errorf("%w: BLOBCACHE_DIR is empty", ErrInvalidConfig))
	}
	if c.Capacity < 0 || c.Capacity == 1 {
		errs = append(errs, fmt.Errorf("%w: BLOBCACHE_CAPACITY must be 0 or >= 2, got %d", ErrInvalidConfig, c.Capacity))
	}
	if c.MaxBytes < 0 || c.MaxBytes == 1 {
		errs = append(errs, fmt.Errorf("%w: BLOBCACHE_MAX_BYTES must be 0 or >= 2, got %d", ErrInvalidConfig, c.MaxBytes))
	}
	switch c.Policy {
	case PolicyFast, PolicyClassic, PolicyGhost:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown BLOBCACHE_POLICY %q", ErrInvalidConfig, c.Policy))
	}
	if c.GhostSize < 0 {
		errs = append(errs, fmt.Errorf("%w: BLOBCACHE_GHOST_SIZE must be >= 0", ErrInvalidConfig))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}
	if c.LogFormat != string(logging.FormatJSON) && c.LogFormat != string(logging.FormatText) {
		errs = append(errs, fmt.Errorf("%w: LOG_FORMAT must be json or text, got %q", ErrInvalidConfig, c.LogFormat))
	}
	return errors.Join(errs...)
}

// Admission returns the admission policy named by Policy.
func (c Config) Admission() policy.Policy[string] {
	switch c.Policy {
	case PolicyClassic:
		return slru.Classic[string]()
	case PolicyGhost:
		n := c.GhostSize
		if n == 0 {
			n = c.Capacity
		}
		if n == 0 {
			n = defaultGhostSize
		}
		return ghost.New[string](n)
	default:
		return slru.FastAdmit[string]()
	}
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c Config) Logger(service string) *slog.Logger {
	lvl, _ := logging.ParseLevel(c.LogLevel)
	return logging.New(
		logging.WithLevel(lvl),
		logging.WithFormat(logging.Format(c.LogFormat)),
		logging.WithService(service),
	)
}
