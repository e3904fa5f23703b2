package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "supervisor.max_attempts")
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
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// branchNameRegex validates branch prefix and protected branch characters
var branchNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_./-]*$`)

// roleRegex keeps roles usable inside branch names and agent ids
var roleRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidExporters returns the list of valid telemetry exporters
func ValidExporters() []string {
	return []string{"stdout", "none"}
}

// Validate checks the Config for invalid values and returns all validation errors found.
// Lane globs and shared-prefix containment are checked by the lane resolver,
// which needs the compiled matchers anyway.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateLanes()...)
	errors = append(errors, c.validateBranch()...)
	errors = append(errors, c.validateSupervisor()...)
	errors = append(errors, c.validateWorker()...)
	errors = append(errors, c.validateVerify()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateTelemetry()...)
	errors = append(errors, c.validatePaths()...)

	return errors
}

func (c *Config) validateLanes() []ValidationError {
	var errors []ValidationError

	seen := make(map[string]bool)
	for i, lane := range c.Lanes {
		field := fmt.Sprintf("lanes[%d]", i)
		if !roleRegex.MatchString(lane.Role) {
			errors = append(errors, ValidationError{
				Field:   field + ".role",
				Value:   lane.Role,
				Message: "must start with a lowercase letter and contain only lowercase letters, digits, or underscores",
			})
		} else if seen[lane.Role] {
			errors = append(errors, ValidationError{
				Field:   field + ".role",
				Value:   lane.Role,
				Message: "duplicate role",
			})
		}
		seen[lane.Role] = true

		if len(lane.Paths) == 0 {
			errors = append(errors, ValidationError{
				Field:   field + ".paths",
				Value:   lane.Paths,
				Message: "must list at least one path",
			})
		}
		for _, p := range lane.Paths {
			if strings.TrimSpace(p) == "" {
				errors = append(errors, ValidationError{
					Field:   field + ".paths",
					Value:   lane.Paths,
					Message: "paths cannot be empty strings",
				})
				break
			}
		}
	}

	for _, p := range c.Shared {
		if strings.TrimSpace(p) == "" {
			errors = append(errors, ValidationError{
				Field:   "shared",
				Value:   c.Shared,
				Message: "prefixes cannot be empty strings",
			})
			break
		}
	}

	return errors
}

func (c *Config) validateBranch() []ValidationError {
	var errors []ValidationError

	if c.Branch.Prefix == "" {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "cannot be empty",
		})
	} else if !branchNameRegex.MatchString(c.Branch.Prefix) || strings.Contains(c.Branch.Prefix, "..") {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "must start with a letter and contain only alphanumeric characters, hyphens, underscores, dots, or slashes",
		})
	}

	// Git branch names have length limits
	const maxBranchPrefixLength = 50
	if len(c.Branch.Prefix) > maxBranchPrefixLength {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", maxBranchPrefixLength),
		})
	}

	if c.Branch.Protected == "" {
		errors = append(errors, ValidationError{
			Field:   "branch.protected",
			Value:   c.Branch.Protected,
			Message: "cannot be empty",
		})
	} else if !branchNameRegex.MatchString(c.Branch.Protected) {
		errors = append(errors, ValidationError{
			Field:   "branch.protected",
			Value:   c.Branch.Protected,
			Message: "is not a valid branch name",
		})
	}

	if c.Branch.Prefix != "" && strings.HasPrefix(c.Branch.Protected, c.Branch.Prefix+"/") {
		errors = append(errors, ValidationError{
			Field:   "branch.protected",
			Value:   c.Branch.Protected,
			Message: "must not live under branch.prefix",
		})
	}

	return errors
}

func (c *Config) validateSupervisor() []ValidationError {
	var errors []ValidationError
	s := c.Supervisor

	if s.PollInterval < 100*time.Millisecond {
		errors = append(errors, ValidationError{
			Field:   "supervisor.poll_interval",
			Value:   s.PollInterval,
			Message: "must be at least 100ms",
		})
	}
	if s.StaleTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "supervisor.stale_timeout",
			Value:   s.StaleTimeout,
			Message: "must be positive",
		})
	} else if s.StaleTimeout < s.PollInterval {
		errors = append(errors, ValidationError{
			Field:   "supervisor.stale_timeout",
			Value:   s.StaleTimeout,
			Message: "must not be shorter than supervisor.poll_interval",
		})
	}
	if s.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "supervisor.max_attempts",
			Value:   s.MaxAttempts,
			Message: "must be at least 1",
		})
	}
	if s.MaxTestRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "supervisor.max_test_retries",
			Value:   s.MaxTestRetries,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateWorker() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Worker.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "worker.command",
			Value:   c.Worker.Command,
			Message: "cannot be empty",
		})
	}
	for _, kv := range c.Worker.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			errors = append(errors, ValidationError{
				Field:   "worker.env",
				Value:   kv,
				Message: "entries must have the form KEY=VALUE",
			})
		}
	}

	return errors
}

func (c *Config) validateVerify() []ValidationError {
	var errors []ValidationError

	if c.Verify.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "verify.timeout",
			Value:   c.Verify.Timeout,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
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

	const maxLogSizeMB = 1000
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

func (c *Config) validateTelemetry() []ValidationError {
	var errors []ValidationError

	if c.Telemetry.Enabled && !slices.Contains(ValidExporters(), c.Telemetry.Exporter) {
		errors = append(errors, ValidationError{
			Field:   "telemetry.exporter",
			Value:   c.Telemetry.Exporter,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidExporters(), ", ")),
		})
	}

	return errors
}

func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	check := func(field, path string) {
		if path == "" {
			return
		}
		if strings.ContainsRune(path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   path,
				Message: "path contains invalid null character",
			})
		}
		const maxPathLength = 4096
		if len(path) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   path,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}

	check("paths.state_dir", c.Paths.StateDir)
	check("paths.worktree_dir", c.Paths.WorktreeDir)
	check("archive.path", c.Archive.Path)

	return errors
}
