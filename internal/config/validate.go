package config

import (
	"fmt"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedDrivers = map[string]bool{
	"sqlite3": true,
	"pgx":     true,
	"memory":  true,
}

// Validate checks a Config for structural and semantic errors. It returns a
// slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, ValidationError{Field: "server.port", Message: "must be between 1 and 65535"})
	}
	if !recognizedDrivers[cfg.Database.Driver] {
		errs = append(errs, ValidationError{
			Field:   "database.driver",
			Message: fmt.Sprintf("unrecognized driver %q (want sqlite3, pgx, or memory)", cfg.Database.Driver),
		})
	}
	if cfg.Database.Driver == "pgx" && cfg.Database.DSN == "" {
		errs = append(errs, ValidationError{Field: "database.dsn", Message: "is required for the pgx driver"})
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unrecognized level %q", cfg.Logging.Level),
		})
	}

	for _, d := range []struct {
		field string
		value string
	}{
		{"engine.approval_poll", cfg.Engine.ApprovalPoll},
		{"engine.approval_timeout", cfg.Engine.ApprovalTimeout},
		{"engine.agent_poll", cfg.Engine.AgentPoll},
		{"engine.agent_timeout", cfg.Engine.AgentTimeout},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, ValidationError{Field: d.field, Message: fmt.Sprintf("invalid duration %q", d.value)})
		}
	}

	return errs
}

// Duration parses a config duration string, returning fallback when the
// string is empty or malformed. Validate reports malformed values; this keeps
// runtime behavior defined regardless.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
