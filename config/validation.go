package config

import (
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap/zapcore"
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult holds the result of config validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Validate checks the config for invalid values.
func (c *Config) Validate() ValidationResult {
	var errors []ValidationError

	errors = append(errors, validateBackend(&c.Backend)...)
	errors = append(errors, validatePolling(&c.Polling)...)
	errors = append(errors, validateErrorFeed(&c.ErrorFeed)...)
	errors = append(errors, validateAlerts(&c.Alerts)...)
	errors = append(errors, validateServer(&c.Server)...)
	errors = append(errors, validateLog(&c.Log)...)

	return ValidationResult{
		Valid:  len(errors) == 0,
		Errors: errors,
	}
}

func validateBackend(b *BackendConfig) []ValidationError {
	var errors []ValidationError

	u, err := url.Parse(b.BaseURL)
	if b.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "backend.base_url",
			Message: "must be an absolute URL",
		})
	}

	if b.RequestTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "backend.request_timeout",
			Message: "must be positive",
		})
	}

	if b.MaxBodyBytes < 1024 {
		errors = append(errors, ValidationError{
			Field:   "backend.max_body_bytes",
			Message: "must be at least 1024",
		})
	}

	return errors
}

func validatePolling(p *PollingConfig) []ValidationError {
	var errors []ValidationError

	if p.Interval < 100*time.Millisecond {
		errors = append(errors, ValidationError{
			Field:   "polling.interval",
			Message: "must be at least 100ms",
		})
	}

	if p.IndexMin < 0 {
		errors = append(errors, ValidationError{
			Field:   "polling.index_min",
			Message: "must be non-negative",
		})
	}

	if p.IndexMax < p.IndexMin {
		errors = append(errors, ValidationError{
			Field:   "polling.index_max",
			Message: "must be greater than or equal to index_min",
		})
	}

	if p.Anomalies && (p.AnomalyEventTypes.Energy == "" || p.AnomalyEventTypes.Solar == "") {
		errors = append(errors, ValidationError{
			Field:   "polling.anomaly_event_types",
			Message: "energy and solar are required when anomalies are polled",
		})
	}

	for name, d := range p.SourceIntervals {
		if d < 100*time.Millisecond {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("polling.source_intervals.%s", name),
				Message: "must be at least 100ms",
			})
		}
	}

	return errors
}

func validateErrorFeed(e *ErrorFeedConfig) []ValidationError {
	var errors []ValidationError

	if e.TTL <= 0 {
		errors = append(errors, ValidationError{
			Field:   "error_feed.ttl",
			Message: "must be positive",
		})
	}

	if e.MaxEntries < 1 {
		errors = append(errors, ValidationError{
			Field:   "error_feed.max_entries",
			Message: "must be at least 1",
		})
	}

	return errors
}

func validateAlerts(a *AlertsConfig) []ValidationError {
	var errors []ValidationError

	if a.MinInterval < 0 {
		errors = append(errors, ValidationError{
			Field:   "alerts.min_interval",
			Message: "must be non-negative",
		})
	}

	if a.Burst < 1 {
		errors = append(errors, ValidationError{
			Field:   "alerts.burst",
			Message: "must be at least 1",
		})
	}

	return errors
}

func validateServer(s *ServerConfig) []ValidationError {
	var errors []ValidationError

	if s.Enabled && (s.Port < 1 || s.Port > 65535) {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Message: "must be between 1 and 65535",
		})
	}

	return errors
}

func validateLog(l *LogConfig) []ValidationError {
	var errors []ValidationError

	if _, err := zapcore.ParseLevel(l.Level); err != nil {
		errors = append(errors, ValidationError{
			Field:   "log.level",
			Message: "must be one of debug, info, warn, error",
		})
	}

	return errors
}
