package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateAPI()...)
	errors = append(errors, c.validateLimiter()...)
	errors = append(errors, c.validateRetry()...)
	errors = append(errors, c.validateBreaker()...)
	errors = append(errors, c.validateScoring()...)
	errors = append(errors, c.validateSearch()...)
	errors = append(errors, c.validateRedis()...)
	errors = append(errors, c.validateNATS()...)
	errors = append(errors, c.validateServers()...)
	errors = append(errors, c.validateAlerts()...)
	errors = append(errors, c.validatePins()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	validEnvs := map[string]bool{"development": true, "staging": true, "production": true}
	if !validEnvs[c.App.Environment] {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: development, staging, production", c.App.Environment),
		})
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.App.LogLevel)] {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: fmt.Sprintf("Invalid log level '%s'. Must be one of: trace, debug, info, warn, error", c.App.LogLevel),
		})
	}

	if c.App.LogFormat != "json" && c.App.LogFormat != "console" {
		errors = append(errors, ValidationError{
			Field:   "app.log_format",
			Message: fmt.Sprintf("Invalid log format '%s'. Must be json or console", c.App.LogFormat),
		})
	}

	return errors
}

func (c *Config) validateAPI() ValidationErrors {
	var errors ValidationErrors

	if c.API.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "api.base_url",
			Message: "Stats service base URL is required",
		})
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "api.base_url",
			Message: fmt.Sprintf("Invalid base URL '%s'. Must be an absolute http(s) URL", c.API.BaseURL),
		})
	}

	if c.API.Timeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "api.timeout",
			Message: "Timeout cannot be negative",
		})
	}

	if err := c.StatsClientConfig().Request.Validate(); err != nil {
		errors = append(errors, ValidationError{
			Field:   "api.take_profits",
			Message: err.Error(),
		})
	}

	return errors
}

func (c *Config) validateLimiter() ValidationErrors {
	if err := c.LimiterSettings().Validate(); err != nil {
		return ValidationErrors{{Field: "limiter", Message: err.Error()}}
	}
	return nil
}

func (c *Config) validateRetry() ValidationErrors {
	var errors ValidationErrors

	if c.Retry.MaxRateLimitAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "retry.max_rate_limit_attempts",
			Message: "Must be at least 1",
		})
	}
	if c.Retry.TransientRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "retry.transient_retries",
			Message: "Cannot be negative",
		})
	}
	if c.Retry.RateLimitMaxDelay < c.Retry.RateLimitBaseDelay {
		errors = append(errors, ValidationError{
			Field:   "retry.rate_limit_max_delay",
			Message: fmt.Sprintf("Max delay %s is below base delay %s", c.Retry.RateLimitMaxDelay, c.Retry.RateLimitBaseDelay),
		})
	}

	return errors
}

func (c *Config) validateBreaker() ValidationErrors {
	var errors ValidationErrors

	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		errors = append(errors, ValidationError{
			Field:   "breaker.failure_ratio",
			Message: fmt.Sprintf("Failure ratio %.2f must be in (0, 1]", c.Breaker.FailureRatio),
		})
	}
	if c.Breaker.MinRequests == 0 {
		errors = append(errors, ValidationError{
			Field:   "breaker.min_requests",
			Message: "Must be at least 1",
		})
	}
	if c.Breaker.OpenTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "breaker.open_timeout",
			Message: "Must be positive",
		})
	}

	return errors
}

func (c *Config) validateScoring() ValidationErrors {
	var errors ValidationErrors

	if err := c.ScoringSettings().Validate(); err != nil {
		errors = append(errors, ValidationError{
			Field:   "scoring",
			Message: err.Error(),
		})
	}
	if c.Scoring.MinTotalTokens < 0 {
		errors = append(errors, ValidationError{
			Field:   "scoring.min_total_tokens",
			Message: "Cannot be negative",
		})
	}
	if c.Cache.Capacity < 1 {
		errors = append(errors, ValidationError{
			Field:   "cache.capacity",
			Message: "Cache capacity must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateSearch() ValidationErrors {
	var errors ValidationErrors

	if err := c.OptimizerSettings().Validate(); err != nil {
		errors = append(errors, ValidationError{
			Field:   "optimizer",
			Message: err.Error(),
		})
	}
	if err := c.ChainSettings().Validate(); err != nil {
		errors = append(errors, ValidationError{
			Field:   "chain",
			Message: err.Error(),
		})
	}

	return errors
}

func (c *Config) validateRedis() ValidationErrors {
	var errors ValidationErrors

	if !c.Redis.Enabled {
		return nil
	}

	if c.Redis.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "redis.host",
			Message: "Redis host is required",
		})
	}

	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Redis.Port),
		})
	}

	if c.Redis.KeyPrefix == "" {
		errors = append(errors, ValidationError{
			Field:   "redis.key_prefix",
			Message: "Key prefix is required",
		})
	}

	return errors
}

func (c *Config) validateNATS() ValidationErrors {
	var errors ValidationErrors

	if !c.NATS.Enabled {
		return nil
	}

	if c.NATS.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL is required",
		})
	} else if !strings.HasPrefix(c.NATS.URL, "nats://") {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL must start with 'nats://'",
		})
	}

	if c.NATS.Prefix != "" && !strings.HasSuffix(c.NATS.Prefix, ".") {
		errors = append(errors, ValidationError{
			Field:   "nats.prefix",
			Message: "Subject prefix must end with '.'",
		})
	}

	return errors
}

func (c *Config) validateServers() ValidationErrors {
	var errors ValidationErrors

	if c.Monitoring.EnableMetrics {
		if c.Monitoring.PrometheusPort < 1 || c.Monitoring.PrometheusPort > 65535 {
			errors = append(errors, ValidationError{
				Field:   "monitoring.prometheus_port",
				Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Monitoring.PrometheusPort),
			})
		}
		if c.Monitoring.UpdateInterval <= 0 {
			errors = append(errors, ValidationError{
				Field:   "monitoring.update_interval",
				Message: "Must be positive",
			})
		}
	}

	if c.Control.Enabled {
		if c.Control.Port < 1 || c.Control.Port > 65535 {
			errors = append(errors, ValidationError{
				Field:   "control.port",
				Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Control.Port),
			})
		}
		if c.Monitoring.EnableMetrics && c.Control.Port == c.Monitoring.PrometheusPort {
			errors = append(errors, ValidationError{
				Field:   "control.port",
				Message: fmt.Sprintf("Port %d is already used by monitoring.prometheus_port", c.Control.Port),
			})
		}
	}

	return errors
}

func (c *Config) validateAlerts() ValidationErrors {
	var errors ValidationErrors

	if !c.Alerts.Enabled || !c.Alerts.Telegram.Enabled {
		return nil
	}
	if c.Alerts.Telegram.BotToken == "" {
		errors = append(errors, ValidationError{
			Field:   "alerts.telegram.bot_token",
			Message: "Bot token is required when Telegram alerts are enabled",
		})
	}
	if len(c.Alerts.Telegram.ChatIDs) == 0 {
		errors = append(errors, ValidationError{
			Field:   "alerts.telegram.chat_ids",
			Message: "At least one chat ID is required when Telegram alerts are enabled",
		})
	}

	return errors
}

func (c *Config) validatePins() ValidationErrors {
	var errors ValidationErrors

	seen := make(map[string]bool, len(c.Pins))
	for i, p := range c.Pins {
		field := fmt.Sprintf("pins[%d]", i)
		if p.Name == "" {
			errors = append(errors, ValidationError{Field: field, Message: "Pin name is required"})
			continue
		}
		if seen[p.Name] {
			errors = append(errors, ValidationError{Field: field, Message: fmt.Sprintf("Parameter '%s' is pinned twice", p.Name)})
		}
		seen[p.Name] = true
	}

	if len(errors) == 0 {
		if _, err := c.PinSet(); err != nil {
			errors = append(errors, ValidationError{Field: "pins", Message: err.Error()})
		}
	}

	if c.BaselineFile != "" {
		if _, err := os.Stat(c.BaselineFile); err != nil {
			errors = append(errors, ValidationError{
				Field:   "baseline_file",
				Message: fmt.Sprintf("Baseline file '%s' is not readable: %v", c.BaselineFile, err),
			})
		}
	}

	return errors
}

// ValidateAndLoad loads and validates configuration
// configPath can be empty to use default config locations
func ValidateAndLoad(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
