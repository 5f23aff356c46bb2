package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/randomizedcoder/go-phpunit-supervisor/internal/fallback"
	"github.com/randomizedcoder/go-phpunit-supervisor/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or every problem joined with errors.Join.
func Validate(cfg *Config) error {
	var errs []error

	// A runtime is required, either on the command line or in the run file
	if strings.TrimSpace(cfg.Runtime) == "" {
		errs = append(errs, ValidationError{
			Field:   "runtime",
			Message: "test runner command is required (pass it after -- or use --run-file)",
		})
	}

	for k := range cfg.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			errs = append(errs, ValidationError{
				Field:   "env",
				Message: fmt.Sprintf("invalid variable name %q", k),
			})
		}
	}

	if _, err := fallback.ParseMode(cfg.FallbackMode); err != nil {
		errs = append(errs, ValidationError{
			Field:   "fallback_mode",
			Message: err.Error(),
		})
	}

	if cfg.FallbackMode == string(fallback.ModeAPI) && cfg.APITimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "api_timeout",
			Message: "must be positive when fallback mode is api",
		})
	}

	// Timeout of zero disables the run limit
	if cfg.Timeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "timeout",
			Message: "must not be negative",
		})
	}

	if cfg.Repeat < 1 {
		errs = append(errs, ValidationError{
			Field:   "repeat",
			Message: "must be at least 1",
		})
	}

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	if !logging.ValidLevel(cfg.LogLevel) {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be debug, info, warn or error (got %q)", cfg.LogLevel),
		})
	}

	if cfg.ReportsEnabled() && cfg.KafkaTopic == "" {
		errs = append(errs, ValidationError{
			Field:   "kafka_topic",
			Message: "required when kafka brokers are set",
		})
	}
	for _, b := range cfg.KafkaBrokers {
		if err := validateBroker(b); err != nil {
			errs = append(errs, ValidationError{
				Field:   "kafka_brokers",
				Message: err.Error(),
			})
		}
	}

	// Return combined errors
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// validateBroker checks a host:port broker address.
func validateBroker(addr string) error {
	if strings.Contains(addr, "://") {
		return fmt.Errorf("broker %q must be host:port, not a URL", addr)
	}
	i := strings.LastIndex(addr, ":")
	if i <= 0 || i == len(addr)-1 {
		return fmt.Errorf("broker %q must be host:port", addr)
	}
	return nil
}
