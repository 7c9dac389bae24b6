// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	Port        string        `env:"PORT" envDefault:"8080" validate:"required,numeric"`
	LogLevel    string        `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error"`
	AdminToken  string        `env:"ADMIN_TOKEN"`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"20s" validate:"gt=0"`

	// RequestTimeout caps one API call including retries; 0 disables it
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"45s" validate:"gte=0"`

	Jira  JiraConfig  `envPrefix:"JIRA_"`
	Cache CacheConfig `envPrefix:"CACHE_"`
	Retry RetryConfig `envPrefix:"RETRY_"`
}

// JiraConfig holds the upstream Jira connection
type JiraConfig struct {
	BaseURL     string `env:"BASE_URL,required" validate:"url"`
	Email       string `env:"EMAIL" validate:"omitempty,email"`
	APIToken    string `env:"API_TOKEN"`
	Project     string `env:"PROJECT"`
	ProposalJQL string `env:"PROPOSAL_JQL"`
}

// CacheConfig controls the request cache. PruneSchedule is a cron spec
// (e.g. "@every 10m"); empty disables pruning.
type CacheConfig struct {
	Duration      time.Duration `env:"DURATION" envDefault:"5m" validate:"gte=0"`
	PruneSchedule string        `env:"PRUNE_SCHEDULE"`
	PruneMaxAge   time.Duration `env:"PRUNE_MAX_AGE" envDefault:"30m" validate:"gte=0"`
}

// RetryConfig controls backoff for upstream reads
type RetryConfig struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"3" validate:"min=1,max=10"`
	BaseDelay   time.Duration `env:"BASE_DELAY" envDefault:"500ms" validate:"gte=0"`
	MaxDelay    time.Duration `env:"MAX_DELAY" envDefault:"5s" validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// HasAdmin returns true if the cache admin endpoints are enabled
func (c *Config) HasAdmin() bool {
	return c.AdminToken != ""
}

// PruneEnabled returns true if a cache prune job should be scheduled
func (c *Config) PruneEnabled() bool {
	return c.Cache.PruneSchedule != "" && c.Cache.PruneMaxAge > 0
}

// Validate checks field constraints and the combinations between them
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Jira.Email != "" && c.Jira.APIToken == "" {
		return errors.New("JIRA_EMAIL is set but JIRA_API_TOKEN is empty")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("RETRY_BASE_DELAY (%s) must not exceed RETRY_MAX_DELAY (%s)", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if c.Cache.PruneSchedule != "" {
		if _, err := cron.ParseStandard(c.Cache.PruneSchedule); err != nil {
			return fmt.Errorf("invalid CACHE_PRUNE_SCHEDULE %q: %w", c.Cache.PruneSchedule, err)
		}
	}
	return nil
}
