package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "worker.request_timeout_seconds")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// envKeyRegex matches a portable environment variable name
var envKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// mimeSubtypeRegex matches the subtype half of an image content type
var mimeSubtypeRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.+-]*$`)

// minLineBytes keeps max_line_bytes above the size of any handshake line
const minLineBytes = 1024

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateWorker()...)
	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateUpload()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateWorker validates the WorkerConfig
func (c *Config) validateWorker() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Worker.ScriptPath) == "" {
		errors = append(errors, ValidationError{
			Field:   "worker.script_path",
			Value:   c.Worker.ScriptPath,
			Message: "is required",
		})
	}

	for _, p := range []struct{ field, path string }{
		{"worker.base_dir", c.Worker.BaseDir},
		{"worker.script_path", c.Worker.ScriptPath},
		{"worker.interpreter", c.Worker.Interpreter},
		{"worker.model_dir", c.Worker.ModelDir},
	} {
		if strings.ContainsRune(p.path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   p.field,
				Value:   p.path,
				Message: "path contains invalid null character",
			})
		}
	}

	for i, kv := range c.Worker.Env {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !envKeyRegex.MatchString(key) {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("worker.env[%d]", i),
				Value:   kv,
				Message: "must be KEY=VALUE with a valid variable name",
			})
		}
	}

	if c.Worker.HandshakeTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "worker.handshake_timeout_seconds",
			Value:   c.Worker.HandshakeTimeoutSeconds,
			Message: "must be positive",
		})
	}

	if c.Worker.RequestTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "worker.request_timeout_seconds",
			Value:   c.Worker.RequestTimeoutSeconds,
			Message: "must be positive",
		})
	}

	if c.Worker.StopGraceSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "worker.stop_grace_seconds",
			Value:   c.Worker.StopGraceSeconds,
			Message: "must be non-negative",
		})
	}

	if c.Worker.MaxLineBytes < minLineBytes {
		errors = append(errors, ValidationError{
			Field:   "worker.max_line_bytes",
			Value:   c.Worker.MaxLineBytes,
			Message: fmt.Sprintf("must be at least %d", minLineBytes),
		})
	}

	return errors
}

// validateServer validates the ServerConfig
func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if addr := c.Server.ListenAddr(); addr == "" {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "is required",
		})
	} else if _, _, err := net.SplitHostPort(addr); err != nil {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must be host:port or a port number",
		})
	}

	if c.Server.MaxConcurrent < 0 {
		errors = append(errors, ValidationError{
			Field:   "server.max_concurrent",
			Value:   c.Server.MaxConcurrent,
			Message: "must be non-negative (0 = unlimited)",
		})
	}

	if c.Server.ShutdownTimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "server.shutdown_timeout_seconds",
			Value:   c.Server.ShutdownTimeoutSeconds,
			Message: "must be non-negative",
		})
	}

	for i, origin := range c.Server.AllowedOrigins {
		if !isOrigin(origin) {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("server.allowed_origins[%d]", i),
				Value:   origin,
				Message: "must be an http(s) origin without a path",
			})
		}
	}

	if c.Server.FrontendURL != "" && !isOrigin(c.Server.FrontendURL) {
		errors = append(errors, ValidationError{
			Field:   "server.frontend_url",
			Value:   c.Server.FrontendURL,
			Message: "must be an http(s) origin without a path",
		})
	}

	return errors
}

func isOrigin(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != "" && (u.Path == "" || u.Path == "/") && u.RawQuery == ""
}

// validateUpload validates the UploadConfig
func (c *Config) validateUpload() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Upload.Dir) == "" {
		errors = append(errors, ValidationError{
			Field:   "upload.dir",
			Value:   c.Upload.Dir,
			Message: "is required",
		})
	}

	if c.Upload.MaxBytes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "upload.max_bytes",
			Value:   c.Upload.MaxBytes,
			Message: "must be positive",
		})
	}

	if len(c.Upload.AllowedTypes) == 0 {
		errors = append(errors, ValidationError{
			Field:   "upload.allowed_types",
			Value:   c.Upload.AllowedTypes,
			Message: "must list at least one image type",
		})
	}
	if c.Upload.StaleAfterSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "upload.stale_after_seconds",
			Value:   c.Upload.StaleAfterSeconds,
			Message: "must be non-negative",
		})
	}

	for i, sub := range c.Upload.AllowedTypes {
		if !mimeSubtypeRegex.MatchString(sub) {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("upload.allowed_types[%d]", i),
				Value:   sub,
				Message: "must be a lowercase image subtype such as \"png\"",
			})
		}
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
