package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"xlwatch/internal/codec"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning reports a non-fatal issue. Watched roots may not exist yet.
func (e *ValidationError) IsWarning() bool {
	warningFields := []string{
		"watch.roots",
		"watch.monitor_only",
		"watch.scan_roots",
		"baseline.manual_targets",
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) && strings.Contains(e.Message, "does not exist") {
			return true
		}
	}
	return false
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is makes errors.Is(errs, ErrInvalidConfig) hold.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && e.HasErrors()
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ValidateConfig checks every section. The returned error, when non-nil,
// is a ValidationErrors that may hold warnings only; callers check
// HasErrors before refusing to start.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateWatch(&c.Watch)...)
	errs = append(errs, validatePolling(&c.Polling)...)
	errs = append(errs, validateBaseline(&c.Baseline)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateRuntime(&c.Runtime)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validatePaths(field string, paths []string) ValidationErrors {
	var errs ValidationErrors
	for i, path := range paths {
		name := fmt.Sprintf("%s[%d]", field, i)
		if strings.TrimSpace(path) == "" {
			errs = append(errs, ValidationError{Field: name, Message: "path cannot be empty"})
			continue
		}
		if _, err := os.Stat(expandPath(path)); os.IsNotExist(err) {
			errs = append(errs, ValidationError{
				Field:   name,
				Message: fmt.Sprintf("path %s does not exist", path),
			})
		}
	}
	return errs
}

func validateWatch(w *WatchConfig) ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, validatePaths("watch.roots", w.Roots)...)
	errs = append(errs, validatePaths("watch.monitor_only", w.MonitorOnly)...)
	errs = append(errs, validatePaths("watch.scan_roots", w.ScanRoots)...)

	for i, ext := range w.Extensions {
		ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
		if ext == "" || strings.ContainsAny(ext, `/\*?`) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("watch.extensions[%d]", i),
				Message: fmt.Sprintf("invalid extension %q", w.Extensions[i]),
			})
		}
	}

	if w.PollIntervalMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "watch.poll_interval_ms",
			Message: "poll interval must be at least 100ms",
		})
	}
	if w.SettleMs < 0 || w.SettleMs > 60000 {
		errs = append(errs, ValidationError{
			Field:   "watch.settle_ms",
			Message: "settle window must be between 0 and 60000ms",
		})
	}
	return errs
}

func validatePolling(p *PollingConfig) ValidationErrors {
	var errs ValidationErrors
	if p.IntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "polling.interval_sec",
			Message: "polling interval must be at least 1 second",
		})
	}
	if p.DedupWindowMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "polling.dedup_window_ms",
			Message: "dedup window cannot be negative",
		})
	}
	if p.FileTimeoutSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "polling.file_timeout_sec",
			Message: "file timeout cannot be negative",
		})
	}
	return errs
}

func validateBaseline(b *BaselineConfig) ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, validatePaths("baseline.manual_targets", b.ManualTargets)...)

	// An unavailable format is downgraded at startup; an unknown one is a typo.
	if _, err := codec.ParseFormat(b.CompressionFormat); err != nil {
		errs = append(errs, ValidationError{
			Field:   "baseline.compression_format",
			Message: fmt.Sprintf("unknown format %q (valid: %s)", b.CompressionFormat, formatList()),
		})
	}

	if b.UseLocalCache && b.CacheDir == "" {
		errs = append(errs, ValidationError{
			Field:   "baseline.cache_dir",
			Message: "cache directory is required when use_local_cache is set",
		})
	}
	if b.MaxFileSize < 0 {
		errs = append(errs, ValidationError{
			Field:   "baseline.max_file_size",
			Message: "max file size cannot be negative",
		})
	}
	if b.MaxScanCells < 0 {
		errs = append(errs, ValidationError{
			Field:   "baseline.max_scan_cells",
			Message: "max scan cells cannot be negative",
		})
	}

	r := b.Retry
	if r.MaxAttempts < 1 || r.MaxAttempts > 100 {
		errs = append(errs, ValidationError{
			Field:   "baseline.retry.max_attempts",
			Message: "max attempts must be between 1 and 100",
		})
	}
	if r.InitialDelayMs < 0 || r.MaxDelayMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "baseline.retry",
			Message: "retry delays cannot be negative",
		})
	}
	if r.MaxDelayMs > 0 && r.MaxDelayMs < r.InitialDelayMs {
		errs = append(errs, ValidationError{
			Field:   "baseline.retry.max_delay_ms",
			Message: "max delay cannot be less than initial delay",
		})
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		errs = append(errs, ValidationError{
			Field:   "baseline.retry.multiplier",
			Message: "multiplier must be at least 1",
		})
	}
	return errs
}

func formatList() string {
	var names []string
	for _, f := range codec.Formats() {
		names = append(names, string(f))
	}
	return strings.Join(names, ", ")
}

func validateStorage(s *StorageConfig) ValidationErrors {
	if strings.TrimSpace(s.Path) == "" {
		return ValidationErrors{{Field: "storage.path", Message: "database path is required"}}
	}
	return nil
}

func validateRuntime(r *RuntimeConfig) ValidationErrors {
	var errs ValidationErrors
	if r.Workers < 1 || r.Workers > 64 {
		errs = append(errs, ValidationError{
			Field:   "runtime.workers",
			Message: "workers must be between 1 and 64",
		})
	}
	if r.MemoryLimitMB < 0 {
		errs = append(errs, ValidationError{
			Field:   "runtime.memory_limit_mb",
			Message: "memory limit cannot be negative",
		})
	}
	if r.MemoryLimitMB > 0 && r.MemoryCheckSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "runtime.memory_check_sec",
			Message: "memory check interval must be at least 1 second",
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "discard":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output writes to a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file, both, discard)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}
	return errs
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
