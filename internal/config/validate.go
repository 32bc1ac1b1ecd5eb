package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "SCHEDCORE_DATABASE_URL",
			Message: "required",
		})
	}

	if cfg.RunnerMode != ModeSingle && cfg.RunnerMode != ModeDistributed {
		errs = append(errs, ValidationError{
			Field:   "SCHEDCORE_RUNNER_MODE",
			Message: fmt.Sprintf("must be 'single' or 'distributed', got %q", cfg.RunnerMode),
		})
	}

	if cfg.RunnerMode == ModeDistributed && cfg.NATSUrl == "" {
		errs = append(errs, ValidationError{
			Field:   "SCHEDCORE_NATS_URL",
			Message: "required in distributed mode",
		})
	}

	switch cfg.FeatureGate {
	case GateOff, GateStatic, GateRedis:
	default:
		errs = append(errs, ValidationError{
			Field:   "SCHEDCORE_FEATURE_GATE",
			Message: fmt.Sprintf("must be 'off', 'static' or 'redis', got %q", cfg.FeatureGate),
		})
	}

	if cfg.FeatureGate == GateRedis && cfg.RedisAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "SCHEDCORE_REDIS_ADDR",
			Message: "required when the feature gate is 'redis'",
		})
	}

	errs = append(errs, validateDuration("SCHEDCORE_POLL_INTERVAL", cfg.PollIntervalStr)...)
	errs = append(errs, validateDuration("SCHEDCORE_TICK_INTERVAL", cfg.TickIntervalStr)...)
	errs = append(errs, validateDuration("SCHEDCORE_DB_OP_TIMEOUT", cfg.DBOpTimeoutStr)...)
	errs = append(errs, validateDuration("SCHEDCORE_DB_CONN_MAX_LIFETIME", cfg.DBConnMaxLifetimeStr)...)
	errs = append(errs, validateDuration("SCHEDCORE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeoutStr)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDuration(field, value string) ValidationErrors {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return ValidationErrors{{
			Field:   field,
			Message: fmt.Sprintf("invalid duration: %v", err),
		}}
	}
	if d <= 0 {
		return ValidationErrors{{
			Field:   field,
			Message: "must be positive",
		}}
	}
	return nil
}
