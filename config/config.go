// Package config loads the answer-cache configuration from YAML with
// environment variable overrides. Durations accept human-friendly strings
// such as "24h", "7d", and "30d".
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all answer-cache configuration.
type Config struct {
	Redis      RedisConfig      `yaml:"redis"`
	Permanent  PermanentConfig  `yaml:"permanent"`
	Promotion  PromotionConfig  `yaml:"promotion"`
	Validation ValidationConfig `yaml:"validation"`
	LogLevel   string           `yaml:"log_level"`
}

// RedisConfig controls the ephemeral tier. Leave Addr empty to run without
// Redis; the in-memory ephemeral tier is used instead.
type RedisConfig struct {
	Addr         string   `yaml:"addr"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	TTL          Duration `yaml:"ttl"`
	CounterTTL   Duration `yaml:"counter_ttl"`
	QueryTimeout Duration `yaml:"query_timeout"`
	Prefix       string   `yaml:"prefix"`
}

// PermanentConfig controls the durable tier.
type PermanentConfig struct {
	DBPath      string   `yaml:"db_path"`
	DegradedTTL Duration `yaml:"degraded_ttl"`
}

// PromotionConfig controls when answers move between tiers.
type PromotionConfig struct {
	Threshold int64 `yaml:"threshold"`
}

// ValidationConfig controls document drift detection. DocumentsDir points
// at the corpus root when the built-in directory source is used; leave it
// empty when the surrounding pipeline supplies its own document source.
type ValidationConfig struct {
	DBPath       string `yaml:"db_path"`
	DocumentsDir string `yaml:"documents_dir"`
}

// Duration is a time.Duration that unmarshals from strings like "24h" or
// "30d".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := str2duration.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "config: invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns a Config with production defaults: 24h ephemeral TTL,
// 30-day counters, promotion at 5 lookups.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			TTL:          Duration(24 * time.Hour),
			CounterTTL:   Duration(30 * 24 * time.Hour),
			QueryTimeout: Duration(5 * time.Second),
		},
		Permanent: PermanentConfig{
			DBPath:      "data/cache/popular.db",
			DegradedTTL: Duration(time.Hour),
		},
		Promotion: PromotionConfig{Threshold: 5},
		Validation: ValidationConfig{
			DBPath: "data/cache/validation.db",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file on top of the defaults, then applies
// environment overrides. A missing file is not an error; env-only setups
// are common in containers.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Wrap(err, "config: read file")
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "config: parse yaml")
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from ANSWERCACHE_* environment
// variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv("ANSWERCACHE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("ANSWERCACHE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("ANSWERCACHE_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "config: ANSWERCACHE_REDIS_DB")
		}
		c.Redis.DB = n
	}
	if v := os.Getenv("ANSWERCACHE_PERMANENT_DB"); v != "" {
		c.Permanent.DBPath = v
	}
	if v := os.Getenv("ANSWERCACHE_VALIDATION_DB"); v != "" {
		c.Validation.DBPath = v
	}
	if v := os.Getenv("ANSWERCACHE_DOCUMENTS_DIR"); v != "" {
		c.Validation.DocumentsDir = v
	}
	if v := os.Getenv("ANSWERCACHE_PROMOTION_THRESHOLD"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "config: ANSWERCACHE_PROMOTION_THRESHOLD")
		}
		c.Promotion.Threshold = n
	}
	if v := os.Getenv("ANSWERCACHE_TTL"); v != "" {
		d, err := str2duration.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "config: ANSWERCACHE_TTL")
		}
		c.Redis.TTL = Duration(d)
	}
	if v := os.Getenv("ANSWERCACHE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}
