// Package config loads server settings from the environment. A .env file,
// when present, is loaded first and never overrides variables already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every setting of the server.
type Config struct {
	// --- HTTP ---
	Port     string `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// --- Storage ---
	// Empty DatabaseURL selects the in-memory stores.
	DatabaseURL string        `envconfig:"DATABASE_URL"`
	RedisURL    string        `envconfig:"REDIS_URL"`
	CacheTTL    time.Duration `envconfig:"CACHE_TTL" default:"30s"`
	LocalPath   string        `envconfig:"LOCAL_STORE_PATH" default:"data/guest"`

	// --- Identity ---
	JWTSecret string `envconfig:"JWT_SECRET"`

	// --- Economy ---
	Timezone        string        `envconfig:"TIMEZONE" default:"UTC"`
	ResetInterval   time.Duration `envconfig:"RESET_INTERVAL" default:"30s"`
	RemoteTimeout   time.Duration `envconfig:"REMOTE_TIMEOUT" default:"5s"`
	WriteQueueSize  int           `envconfig:"WRITE_QUEUE_SIZE" default:"64"`
	SettleAfter     time.Duration `envconfig:"SETTLE_AFTER" default:"30s"`
	BonusThreshold  int64         `envconfig:"BONUS_THRESHOLD" default:"100"`
	BonusSpins      int64         `envconfig:"BONUS_SPINS" default:"50"`
	CoinsPerToken   int64         `envconfig:"COINS_PER_TOKEN" default:"100"`
	StarterSpins    int64         `envconfig:"STARTER_SPINS" default:"10"`
	RewardTablePath string        `envconfig:"REWARD_TABLE_PATH"`

	// --- Referral ---
	ReferralJoinBonus  int64 `envconfig:"REFERRAL_JOIN_BONUS" default:"500"`
	ReferralLevelBonus int64 `envconfig:"REFERRAL_LEVEL_BONUS" default:"50"`

	// --- Leaderboard ---
	BotPrefix string `envconfig:"LEADERBOARD_BOT_PREFIX" default:"bot_"`

	// --- Rate limiting ---
	RateLimitPerMinute float64 `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`
	RateLimitBurst     int     `envconfig:"RATE_LIMIT_BURST" default:"20"`
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT must be set")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}
	if c.ResetInterval <= 0 || c.ResetInterval > time.Minute {
		return errors.New("RESET_INTERVAL must be in (0, 1m]")
	}
	if c.RemoteTimeout <= 0 {
		return errors.New("REMOTE_TIMEOUT must be > 0")
	}
	if c.WriteQueueSize <= 0 {
		return errors.New("WRITE_QUEUE_SIZE must be > 0")
	}
	if c.SettleAfter <= 0 {
		return errors.New("SETTLE_AFTER must be > 0")
	}
	if c.BonusThreshold <= 0 || c.BonusSpins <= 0 {
		return errors.New("BONUS_THRESHOLD and BONUS_SPINS must be > 0")
	}
	if c.CoinsPerToken <= 0 {
		return errors.New("COINS_PER_TOKEN must be > 0")
	}
	if c.StarterSpins < 0 {
		return errors.New("STARTER_SPINS must be >= 0")
	}
	if c.ReferralJoinBonus <= 0 || c.ReferralLevelBonus <= 0 {
		return errors.New("referral bonuses must be > 0")
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		return errors.New("rate limits must be >= 0")
	}
	if c.RedisURL != "" && c.DatabaseURL == "" {
		return errors.New("REDIS_URL requires DATABASE_URL")
	}
	return nil
}

// Load reads envFile if it exists, then the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
