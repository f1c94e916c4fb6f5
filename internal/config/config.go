// Package config loads the process configuration: a YAML file for the
// stable deployment shape, with environment-variable overrides for the
// knobs operators most often turn per invocation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schemahub/ingest/internal/models"
)

type Config struct {
	Source      string   `yaml:"source"`
	Products    []string `yaml:"products"`
	Mode        string   `yaml:"mode"`
	ExchangeURL string   `yaml:"exchange_url"`

	ProductWorkers    int     `yaml:"product_workers"`
	ChunkWorkers      int     `yaml:"chunk_workers"`
	PageLimit         int     `yaml:"page_limit"`
	FlushTrades       int     `yaml:"flush_trades"`
	FlushBytes        int     `yaml:"flush_bytes"`
	Rate              float64 `yaml:"rate"`
	BurstMultiplier   float64 `yaml:"burst_multiplier"`
	CutoffMinutes     int     `yaml:"cutoff_minutes"`
	MaxAttempts       int     `yaml:"max_attempts"`
	RunTimeoutMinutes int     `yaml:"run_timeout_minutes"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	Prefix          string `yaml:"prefix"`

	// CheckpointDir switches the watermark store to the local
	// filesystem backend; empty means checkpoints live in the object
	// store under Prefix.
	CheckpointDir string `yaml:"checkpoint_dir"`

	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
	LockTTLSeconds   int `yaml:"lock_ttl_seconds"`
}

// Load reads path (optional: empty path means env/defaults only),
// applies environment overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	strVar(&c.Source, "SCHEMAHUB_SOURCE")
	strVar(&c.Mode, "SCHEMAHUB_MODE")
	strVar(&c.ExchangeURL, "SCHEMAHUB_EXCHANGE_URL")
	strVar(&c.RedisAddr, "SCHEMAHUB_REDIS_ADDR")
	strVar(&c.RedisPassword, "SCHEMAHUB_REDIS_PASSWORD")
	strVar(&c.Bucket, "SCHEMAHUB_BUCKET")
	strVar(&c.Region, "SCHEMAHUB_REGION")
	strVar(&c.Endpoint, "SCHEMAHUB_ENDPOINT")
	strVar(&c.AccessKeyID, "AWS_ACCESS_KEY_ID")
	strVar(&c.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	strVar(&c.Prefix, "SCHEMAHUB_PREFIX")
	strVar(&c.CheckpointDir, "SCHEMAHUB_CHECKPOINT_DIR")

	intVar(&c.ProductWorkers, "SCHEMAHUB_PRODUCT_WORKERS")
	intVar(&c.ChunkWorkers, "SCHEMAHUB_CHUNK_WORKERS")
	intVar(&c.PageLimit, "SCHEMAHUB_PAGE_LIMIT")
	intVar(&c.FlushTrades, "SCHEMAHUB_FLUSH_TRADES")
	intVar(&c.FlushBytes, "SCHEMAHUB_FLUSH_BYTES")
	intVar(&c.CutoffMinutes, "SCHEMAHUB_CUTOFF_MINUTES")
	intVar(&c.MaxAttempts, "SCHEMAHUB_MAX_ATTEMPTS")
	intVar(&c.RunTimeoutMinutes, "SCHEMAHUB_RUN_TIMEOUT_MINUTES")
	floatVar(&c.Rate, "SCHEMAHUB_RATE")
	floatVar(&c.BurstMultiplier, "SCHEMAHUB_BURST_MULTIPLIER")

	if v := os.Getenv("SCHEMAHUB_PRODUCTS"); v != "" {
		c.Products = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Products = append(c.Products, p)
			}
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = string(models.ModeIncremental)
	}
	if c.ProductWorkers == 0 {
		c.ProductWorkers = 2
	}
	if c.ChunkWorkers == 0 {
		c.ChunkWorkers = 15
	}
	if c.PageLimit == 0 {
		c.PageLimit = 1000
	}
	if c.FlushTrades == 0 {
		c.FlushTrades = 100_000
	}
	if c.Rate == 0 {
		c.Rate = 10
	}
	if c.BurstMultiplier == 0 {
		c.BurstMultiplier = 1.5
	}
	if c.CutoffMinutes == 0 {
		c.CutoffMinutes = 45
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.Prefix == "" {
		c.Prefix = "schemahub"
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 3
	}
	if c.CooldownSeconds == 0 {
		c.CooldownSeconds = 300
	}
	if c.LockTTLSeconds == 0 {
		c.LockTTLSeconds = 60
	}
}

func (c *Config) validate() error {
	if c.Source == "" {
		return fmt.Errorf("config: source is required")
	}
	if len(c.Products) == 0 {
		return fmt.Errorf("config: at least one product is required")
	}
	if c.ExchangeURL == "" {
		return fmt.Errorf("config: exchange_url is required")
	}
	switch models.Mode(c.Mode) {
	case models.ModeIncremental, models.ModeFullRefresh:
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if c.PageLimit > 1000 {
		return fmt.Errorf("config: page_limit %d exceeds the upstream maximum of 1000", c.PageLimit)
	}
	return nil
}

func (c *Config) ModeValue() models.Mode { return models.Mode(c.Mode) }

func (c *Config) Cutoff() time.Duration {
	if c.CutoffMinutes < 0 {
		return 0 // explicit negative disables the cold-start bound
	}
	return time.Duration(c.CutoffMinutes) * time.Minute
}

func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutMinutes) * time.Minute
}

func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func strVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intVar(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func floatVar(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
