package config

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ValidatorOptions contains options for startup validation
type ValidatorOptions struct {
	VerifyConnectivity bool // Check stats service, Redis and NATS reachability
	Timeout            time.Duration
}

// DefaultValidatorOptions returns default validator options for startup
func DefaultValidatorOptions() ValidatorOptions {
	return ValidatorOptions{
		VerifyConnectivity: true,
		Timeout:            5 * time.Second,
	}
}

// Validator handles configuration validation at startup
type Validator struct {
	config  *Config
	options ValidatorOptions
}

// NewValidator creates a new startup validator
func NewValidator(config *Config, options ValidatorOptions) *Validator {
	return &Validator{
		config:  config,
		options: options,
	}
}

// ValidateStartup checks environment requirements and, when enabled, that
// every configured dependency answers. Call before starting a search.
func (v *Validator) ValidateStartup(ctx context.Context) error {
	log.Info().Msg("Validating configuration...")

	if err := v.validateProductionRequirements(); err != nil {
		return fmt.Errorf("production requirements validation failed: %w", err)
	}

	if v.options.VerifyConnectivity {
		if err := v.checkStatsConnectivity(ctx); err != nil {
			return fmt.Errorf("stats service connectivity check failed: %w", err)
		}
		if v.config.Redis.Enabled {
			if err := v.checkRedisConnectivity(ctx); err != nil {
				return fmt.Errorf("redis connectivity check failed: %w", err)
			}
		}
		if v.config.NATS.Enabled {
			if err := v.checkNATSConnectivity(); err != nil {
				return fmt.Errorf("nats connectivity check failed: %w", err)
			}
		}
	}

	log.Info().Msg("Configuration validation completed successfully")
	return nil
}

// validateProductionRequirements checks production-specific requirements
func (v *Validator) validateProductionRequirements() error {
	env := strings.ToLower(v.config.App.Environment)
	if env != "production" && env != "prod" {
		log.Debug().Str("environment", env).Msg("Non-production environment detected, skipping production requirements")
		return nil
	}

	var errors []string

	if !strings.HasPrefix(v.config.API.BaseURL, "https://") {
		errors = append(errors, "Stats service must be reached over https in production")
	}

	if v.config.Control.Enabled && v.config.Control.Host == "0.0.0.0" && len(v.config.Control.AllowedOrigins) == 0 {
		errors = append(errors, "Control server listens on all interfaces without allowed_origins")
	}

	if v.config.Redis.Enabled && isPlaceholderValue(v.config.Redis.Password) {
		errors = append(errors, "Redis password cannot be a placeholder value in production")
	}

	if v.config.Alerts.Enabled && v.config.Alerts.Telegram.Enabled && isPlaceholderValue(v.config.Alerts.Telegram.BotToken) {
		errors = append(errors, "Telegram bot token cannot be a placeholder value in production")
	}

	if v.config.App.LogFormat != "json" {
		log.Warn().Str("format", v.config.App.LogFormat).Msg("Non-JSON log format in production")
	}

	if len(errors) > 0 {
		var errMsg strings.Builder
		errMsg.WriteString("production requirements not met:\n\n")
		for i, err := range errors {
			errMsg.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err))
		}
		return fmt.Errorf("%s", errMsg.String())
	}

	log.Info().Msg("Production requirements validated successfully")
	return nil
}

// checkStatsConnectivity confirms the stats service answers HTTP. Any status
// code counts; only transport failures fail the check.
func (v *Validator) checkStatsConnectivity(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, v.options.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, v.config.API.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w (check network connectivity)", v.config.API.BaseURL, err)
	}
	defer resp.Body.Close()

	log.Info().
		Str("base_url", v.config.API.BaseURL).
		Int("status", resp.StatusCode).
		Msg("Stats service connectivity verified")

	return nil
}

// checkRedisConnectivity tests Redis connection with timeout
func (v *Validator) checkRedisConnectivity(ctx context.Context) error {
	connCtx, cancel := context.WithTimeout(ctx, v.options.Timeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:     v.config.Redis.GetRedisAddr(),
		Password: v.config.Redis.Password,
		DB:       v.config.Redis.DB,
	})
	defer client.Close()

	if err := client.Ping(connCtx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	log.Info().
		Str("addr", v.config.Redis.GetRedisAddr()).
		Int("db", v.config.Redis.DB).
		Msg("Redis connectivity check passed")

	return nil
}

// checkNATSConnectivity opens and closes a NATS connection
func (v *Validator) checkNATSConnectivity() error {
	nc, err := nats.Connect(v.config.NATS.URL, nats.Timeout(v.options.Timeout))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	nc.Close()

	log.Info().Str("url", v.config.NATS.URL).Msg("NATS connectivity check passed")
	return nil
}

// isPlaceholderValue checks if a value is likely a placeholder
func isPlaceholderValue(value string) bool {
	lowerValue := strings.ToLower(value)
	placeholders := []string{
		"changeme",
		"change_me",
		"password",
		"placeholder",
		"your_",
		"example",
	}
	if lowerValue == "" {
		return false
	}
	for _, p := range placeholders {
		if strings.Contains(lowerValue, p) {
			return true
		}
	}
	return false
}
