// Package config loads the service configuration from the environment and an
// optional .env file using Viper.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime knob. Durations accept Go duration strings
// ("15m", "120h").
type Config struct {
	HTTPAddr    string `mapstructure:"HTTP_ADDR"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// ProductName appears in the wallet sign-in message.
	ProductName string `mapstructure:"PRODUCT_NAME"`
	Env         string `mapstructure:"APP_ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	// SigningKeyFile is a PEM-encoded P-256 private key. Empty generates an
	// ephemeral key, which is refused when APP_ENV=prod.
	SigningKeyFile string `mapstructure:"SIGNING_KEY_FILE"`
	EventsTopic    string `mapstructure:"EVENTS_TOPIC"`

	SessionTimeout       time.Duration `mapstructure:"SESSION_TIMEOUT"`
	MaxAttempts          int           `mapstructure:"MAX_ATTEMPTS"`
	SessionSweepInterval time.Duration `mapstructure:"SESSION_SWEEP_INTERVAL"`

	EventIdleTimeout    time.Duration `mapstructure:"EVENT_IDLE_TIMEOUT"`
	EventSweepInterval  time.Duration `mapstructure:"EVENT_SWEEP_INTERVAL"`
	MaxEventsPerSession int           `mapstructure:"MAX_EVENTS_PER_SESSION"`

	NonceTTL       time.Duration `mapstructure:"NONCE_TTL"`
	WalletTokenTTL time.Duration `mapstructure:"WALLET_TOKEN_TTL"`
	AccessTTL      time.Duration `mapstructure:"ACCESS_TTL"`
	RefreshTTL     time.Duration `mapstructure:"REFRESH_TTL"`

	RecentIdentityTTL time.Duration `mapstructure:"RECENT_IDENTITY_TTL"`
	LookupRetries     int           `mapstructure:"LOOKUP_RETRIES"`

	SignInRateMax       int           `mapstructure:"SIGNIN_RATE_MAX"`
	SignInRateWindow    time.Duration `mapstructure:"SIGNIN_RATE_WINDOW"`
	ChallengeRateMax    int           `mapstructure:"CHALLENGE_RATE_MAX"`
	ChallengeRateWindow time.Duration `mapstructure:"CHALLENGE_RATE_WINDOW"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing .env is fine

	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":9000")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("PRODUCT_NAME", "Narratives")
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SIGNING_KEY_FILE", "")
	v.SetDefault("EVENTS_TOPIC", "authflow.events")

	v.SetDefault("SESSION_TIMEOUT", "15m")
	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("SESSION_SWEEP_INTERVAL", "5m")

	v.SetDefault("EVENT_IDLE_TIMEOUT", "5m")
	v.SetDefault("EVENT_SWEEP_INTERVAL", "1m")
	v.SetDefault("MAX_EVENTS_PER_SESSION", 50)

	v.SetDefault("NONCE_TTL", "5m")
	v.SetDefault("WALLET_TOKEN_TTL", "5m")
	v.SetDefault("ACCESS_TTL", "5m")
	v.SetDefault("REFRESH_TTL", "120h")

	v.SetDefault("RECENT_IDENTITY_TTL", "30s")
	v.SetDefault("LOOKUP_RETRIES", 1)

	v.SetDefault("SIGNIN_RATE_MAX", 10)
	v.SetDefault("SIGNIN_RATE_WINDOW", "1m")
	v.SetDefault("CHALLENGE_RATE_MAX", 20)
	v.SetDefault("CHALLENGE_RATE_WINDOW", "1m")
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.MaxAttempts < 1 {
		return errors.New("config: MAX_ATTEMPTS must be at least 1")
	}
	if c.MaxEventsPerSession < 1 {
		return errors.New("config: MAX_EVENTS_PER_SESSION must be at least 1")
	}
	if c.LookupRetries < 0 {
		return errors.New("config: LOOKUP_RETRIES must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"SESSION_TIMEOUT":    c.SessionTimeout,
		"EVENT_IDLE_TIMEOUT": c.EventIdleTimeout,
		"NONCE_TTL":          c.NonceTTL,
		"WALLET_TOKEN_TTL":   c.WalletTokenTTL,
		"ACCESS_TTL":         c.AccessTTL,
		"REFRESH_TTL":        c.RefreshTTL,
	} {
		if d <= 0 {
			return errors.New("config: " + name + " must be positive")
		}
	}
	if c.IsProd() && c.SigningKeyFile == "" {
		return errors.New("config: SIGNING_KEY_FILE must be set when APP_ENV=prod")
	}
	return nil
}

// IsProd reports whether APP_ENV selects production behaviour.
func (c *Config) IsProd() bool {
	return c.Env == "prod" || c.Env == "production"
}
