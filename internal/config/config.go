// Package config loads the service configuration from the environment and an
// optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Port is the HTTP listen port.
	Port string `mapstructure:"PORT"`
	// DatabaseURL is the Postgres DSN. Required.
	DatabaseURL string `mapstructure:"DB_DSN"`
	// RedisAddr enables the presence mirror and durable escalations when set.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	Env           string `mapstructure:"APP_ENV"`

	ResponseWindow      string `mapstructure:"DISPATCH_RESPONSE_WINDOW"`
	SessionDefaultGrace string `mapstructure:"SESSION_DEFAULT_GRACE"`
	UnvalidatedTTL      string `mapstructure:"SESSION_UNVALIDATED_TTL"`
	StaffStaleAfter     string `mapstructure:"STAFF_STALE_AFTER"`
	Retention           string `mapstructure:"ASSIGNMENT_RETENTION"`
	SweepEvery          string `mapstructure:"SWEEP_INTERVAL"`

	RateLimitPerMinute int `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst     int `mapstructure:"RATE_LIMIT_BURST"`

	PubNubPublishKey   string `mapstructure:"PUBNUB_PUBLISH_KEY"`
	PubNubSubscribeKey string `mapstructure:"PUBNUB_SUBSCRIBE_KEY"`
	PubNubSecretKey    string `mapstructure:"PUBNUB_SECRET_KEY"`
	PubNubUserID       string `mapstructure:"PUBNUB_USER_ID"`

	EscalationConcurrency int `mapstructure:"ESCALATION_CONCURRENCY"`
}

// Load reads .env when present, then the environment. Environment variables
// override .env values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()

	v.SetDefault("PORT", "8090")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("DISPATCH_RESPONSE_WINDOW", "10s")
	v.SetDefault("SESSION_DEFAULT_GRACE", "10s")
	v.SetDefault("SESSION_UNVALIDATED_TTL", "5m")
	v.SetDefault("STAFF_STALE_AFTER", "10m")
	v.SetDefault("ASSIGNMENT_RETENTION", "1h")
	v.SetDefault("SWEEP_INTERVAL", "30s")
	v.SetDefault("RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("RATE_LIMIT_BURST", 60)
	v.SetDefault("PUBNUB_PUBLISH_KEY", "")
	v.SetDefault("PUBNUB_SUBSCRIBE_KEY", "")
	v.SetDefault("PUBNUB_SECRET_KEY", "")
	v.SetDefault("PUBNUB_USER_ID", "dispatch-service")
	v.SetDefault("ESCALATION_CONCURRENCY", 5)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port == "" {
		return errors.New("config: PORT must be set")
	}
	durations := map[string]string{
		"DISPATCH_RESPONSE_WINDOW": c.ResponseWindow,
		"SESSION_DEFAULT_GRACE":    c.SessionDefaultGrace,
		"SESSION_UNVALIDATED_TTL":  c.UnvalidatedTTL,
		"STAFF_STALE_AFTER":        c.StaffStaleAfter,
		"ASSIGNMENT_RETENTION":     c.Retention,
		"SWEEP_INTERVAL":           c.SweepEvery,
	}
	for key, raw := range durations {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", key)
		}
	}
	// Open staff connections refresh presence every 30s.
	if d, _ := time.ParseDuration(c.StaffStaleAfter); d < time.Minute {
		return errors.New("config: STAFF_STALE_AFTER must be at least 1m")
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		return errors.New("config: rate limits must not be negative")
	}
	if c.EscalationConcurrency <= 0 {
		return errors.New("config: ESCALATION_CONCURRENCY must be positive")
	}
	return nil
}

// Production reports whether APP_ENV selects production logging.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// PubNubEnabled reports whether both PubNub keys are configured.
func (c *Config) PubNubEnabled() bool {
	return c.PubNubPublishKey != "" && c.PubNubSubscribeKey != ""
}

func (c *Config) DispatchResponseWindow() time.Duration {
	return parse(c.ResponseWindow, 10*time.Second)
}

func (c *Config) SessionGrace() time.Duration {
	return parse(c.SessionDefaultGrace, 10*time.Second)
}

func (c *Config) SessionUnvalidatedTTL() time.Duration {
	return parse(c.UnvalidatedTTL, 5*time.Minute)
}

func (c *Config) StaffStaleTTL() time.Duration {
	return parse(c.StaffStaleAfter, 10*time.Minute)
}

func (c *Config) RetentionPeriod() time.Duration {
	return parse(c.Retention, time.Hour)
}

func (c *Config) SweepInterval() time.Duration {
	return parse(c.SweepEvery, 30*time.Second)
}

func parse(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
