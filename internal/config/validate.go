package config

import (
	"fmt"
	"strings"
)

// ValidationError holds details about a configuration validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, e := range errs {
		msgs = append(msgs, "  - "+e.Error())
	}
	return fmt.Sprintf("validation failed with %d error(s):\n%s", len(errs), strings.Join(msgs, "\n"))
}

// HasErrors returns true if there are any validation errors.
func (errs ValidationErrors) HasErrors() bool {
	return len(errs) > 0
}

func (errs *ValidationErrors) add(field, format string, args ...any) {
	*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks a loaded config and reports every problem at once.
func Validate(cfg *Config) ValidationErrors {
	var errs ValidationErrors

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs.add("server.port", "must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout < 0 || cfg.Server.WriteTimeout < 0 {
		errs.add("server", "timeouts must not be negative")
	}

	if cfg.Project.MetadataDir == "" {
		errs.add("project.metadataDir", "is required")
	}
	if cfg.Project.RuntimeDir == "" {
		errs.add("project.runtimeDir", "is required")
	}

	if cfg.Worker.Binary == "" {
		errs.add("worker.binary", "is required")
	}
	if cfg.Worker.MaxRuntime < 0 {
		errs.add("worker.maxRuntime", "must not be negative")
	}
	if cfg.Worker.StopGracePeriod <= 0 {
		errs.add("worker.stopGracePeriod", "must be positive")
	}

	if cfg.Preflight.GeneratorTimeout <= 0 {
		errs.add("preflight.generatorTimeout", "must be positive")
	}
	if len(cfg.Preflight.GeneratorCommand) > 0 && cfg.Preflight.PromptArtifact != "" &&
		!strings.Contains(cfg.Preflight.PromptArtifact, "{phase}") {
		errs.add("preflight.promptArtifact", "must contain {phase}")
	}

	hb := cfg.Heartbeat
	if hb.Interval <= 0 {
		errs.add("heartbeat.interval", "must be positive")
	}
	if hb.StaleThreshold <= hb.Interval {
		errs.add("heartbeat.staleThreshold", "must exceed heartbeat.interval (%s)", hb.Interval)
	}
	if hb.BroadcastInterval <= 0 {
		errs.add("heartbeat.broadcastInterval", "must be positive")
	}
	if hb.ConnectionTimeout <= hb.BroadcastInterval {
		errs.add("heartbeat.connectionTimeout", "must exceed heartbeat.broadcastInterval (%s)", hb.BroadcastInterval)
	}
	if hb.WatchdogInterval <= 0 {
		errs.add("heartbeat.watchdogInterval", "must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs.add("logging.level", "must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs.add("logging.format", "must be one of: json, text")
	}

	return errs
}
