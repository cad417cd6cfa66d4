// Package config handles configuration loading, validation, and management for xlwatch.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"xlwatch/internal/logging"
	"xlwatch/internal/retry"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete monitor configuration. The monitor takes a
// Clone at startup and never sees later edits.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Watch configuration for folder monitoring.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Polling configuration for the active polling coordinator.
	Polling PollingConfig `toml:"polling" json:"polling" yaml:"polling"`

	// Compare configuration for diffing and event filtering.
	Compare CompareConfig `toml:"compare" json:"compare" yaml:"compare"`

	// Baseline configuration for creating and storing snapshots.
	Baseline BaselineConfig `toml:"baseline" json:"baseline" yaml:"baseline"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Runtime configuration for workers and memory.
	Runtime RuntimeConfig `toml:"runtime" json:"runtime" yaml:"runtime"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// WatchConfig holds folder watching configuration.
type WatchConfig struct {
	// Roots are scanned at startup (when scan_all is set) and watched.
	Roots []string `toml:"roots" json:"roots" yaml:"roots"`

	// MonitorOnly roots are watched but never scanned at startup.
	MonitorOnly []string `toml:"monitor_only" json:"monitor_only" yaml:"monitor_only"`

	// ScanRoots override Roots as the startup scan set.
	ScanRoots []string `toml:"scan_roots" json:"scan_roots" yaml:"scan_roots"`

	// ScanAll baselines every supported file under the scan roots at startup.
	ScanAll bool `toml:"scan_all" json:"scan_all" yaml:"scan_all"`

	// Recursive watches subdirectories.
	Recursive bool `toml:"recursive" json:"recursive" yaml:"recursive"`

	// Extensions are the spreadsheet file extensions to watch.
	Extensions []string `toml:"extensions" json:"extensions" yaml:"extensions"`

	// ForcePolling uses the polling backend for every root.
	ForcePolling bool `toml:"force_polling" json:"force_polling" yaml:"force_polling"`

	// PollIntervalMs is the polling backend's scan interval.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// SettleMs coalesces bursts of raw notifications per file.
	SettleMs int `toml:"settle_ms" json:"settle_ms" yaml:"settle_ms"`
}

// PollingConfig holds active polling configuration.
type PollingConfig struct {
	// IntervalSec is the time between polling cycles.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`

	// DedupWindowMs is how long a push event suppresses a polled one.
	DedupWindowMs int `toml:"dedup_window_ms" json:"dedup_window_ms" yaml:"dedup_window_ms"`

	// FileTimeoutSec is the per-file processing time after which a warning
	// is logged. Zero disables the warning.
	FileTimeoutSec int `toml:"file_timeout_sec" json:"file_timeout_sec" yaml:"file_timeout_sec"`
}

// CompareConfig holds diffing and filtering configuration.
type CompareConfig struct {
	// FormulaOnly reports formula changes only.
	FormulaOnly bool `toml:"formula_only" json:"formula_only" yaml:"formula_only"`

	// Whitelist restricts delivered events to these authors. Empty allows all.
	Whitelist []string `toml:"whitelist" json:"whitelist" yaml:"whitelist"`
}

// BaselineConfig holds baseline creation configuration.
type BaselineConfig struct {
	// ManualTargets are baselined at startup.
	ManualTargets []string `toml:"manual_targets" json:"manual_targets" yaml:"manual_targets"`

	// CompressionFormat is one of none, gzip, zstd, lz4.
	CompressionFormat string `toml:"compression_format" json:"compression_format" yaml:"compression_format"`

	// UseLocalCache copies each file into CacheDir before parsing.
	UseLocalCache bool `toml:"use_local_cache" json:"use_local_cache" yaml:"use_local_cache"`

	// CacheDir is the local cache directory.
	CacheDir string `toml:"cache_dir" json:"cache_dir" yaml:"cache_dir"`

	// MaxFileSize skips larger files. Zero disables the limit.
	MaxFileSize int64 `toml:"max_file_size" json:"max_file_size" yaml:"max_file_size"`

	// MaxScanCells bounds the per-sheet formula scan.
	MaxScanCells int `toml:"max_scan_cells" json:"max_scan_cells" yaml:"max_scan_cells"`

	// Retry controls load attempts for locked or partially written files.
	Retry RetryConfig `toml:"retry" json:"retry" yaml:"retry"`
}

// RetryConfig holds the bounded retry policy.
type RetryConfig struct {
	MaxAttempts    int     `toml:"max_attempts" json:"max_attempts" yaml:"max_attempts"`
	InitialDelayMs int     `toml:"initial_delay_ms" json:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMs     int     `toml:"max_delay_ms" json:"max_delay_ms" yaml:"max_delay_ms"`
	Multiplier     float64 `toml:"multiplier" json:"multiplier" yaml:"multiplier"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// RuntimeConfig holds worker and memory settings.
type RuntimeConfig struct {
	// Workers is the number of concurrent comparison passes.
	Workers int `toml:"workers" json:"workers" yaml:"workers"`

	// MemoryLimitMB pauses processing while the heap exceeds it. Zero disables.
	MemoryLimitMB int `toml:"memory_limit_mb" json:"memory_limit_mb" yaml:"memory_limit_mb"`

	// MemoryCheckSec is the memory sampling interval.
	MemoryCheckSec int `toml:"memory_check_sec" json:"memory_check_sec" yaml:"memory_check_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file", "both" or "discard".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`

	// JournalPath, when set, receives a JSON-lines record of every
	// delivered change event.
	JournalPath string `toml:"journal_path" json:"journal_path" yaml:"journal_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dataDir := PlatformDataDir()
	return &Config{
		Version: Version,
		Watch: WatchConfig{
			Recursive:      true,
			Extensions:     []string{".xlsx", ".xlsm", ".xltx", ".xltm"},
			PollIntervalMs: 2000,
			SettleMs:       500,
		},
		Polling: PollingConfig{
			IntervalSec:    30,
			DedupWindowMs:  2000,
			FileTimeoutSec: 120,
		},
		Baseline: BaselineConfig{
			CompressionFormat: "zstd",
			CacheDir:          PlatformCacheDir(),
			MaxFileSize:       200 * 1024 * 1024,
			MaxScanCells:      1_000_000,
			Retry: RetryConfig{
				MaxAttempts:    5,
				InitialDelayMs: 500,
				MaxDelayMs:     8000,
				Multiplier:     2,
			},
		},
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, "baselines.db"),
		},
		Runtime: RuntimeConfig{
			Workers:        4,
			MemoryCheckSec: 5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(logging.StateDir(), "xlwatch.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// Validate checks the configuration and returns ValidationErrors when any
// field is unusable.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured paths need.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dirs := []string{filepath.Dir(c.Storage.Path)}
	if c.Baseline.UseLocalCache && c.Baseline.CacheDir != "" {
		dirs = append(dirs, c.Baseline.CacheDir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. Variables are prefixed with XLWATCH_. List values are
// separated by the platform path list separator.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("XLWATCH_WATCH_ROOTS"); v != "" {
		c.Watch.Roots = filepath.SplitList(v)
	}
	if v, ok := envBool("XLWATCH_FORCE_POLLING"); ok {
		c.Watch.ForcePolling = v
	}
	if v, ok := envBool("XLWATCH_SCAN_ALL"); ok {
		c.Watch.ScanAll = v
	}
	if v, ok := envBool("XLWATCH_FORMULA_ONLY"); ok {
		c.Compare.FormulaOnly = v
	}
	if v := os.Getenv("XLWATCH_WHITELIST"); v != "" {
		c.Compare.Whitelist = splitComma(v)
	}
	if v := os.Getenv("XLWATCH_COMPRESSION_FORMAT"); v != "" {
		c.Baseline.CompressionFormat = v
	}
	if v := os.Getenv("XLWATCH_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v, err := strconv.Atoi(os.Getenv("XLWATCH_WORKERS")); err == nil {
		c.Runtime.Workers = v
	}
	if v, err := strconv.Atoi(os.Getenv("XLWATCH_MEMORY_LIMIT_MB")); err == nil {
		c.Runtime.MemoryLimitMB = v
	}
	if v := os.Getenv("XLWATCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("XLWATCH_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// envBool reads a boolean variable. Unset or unparsable values report false
// for ok.
func envBool(name string) (value, ok bool) {
	raw, set := os.LookupEnv(name)
	if !set {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:  c.Version,
		Watch:    c.Watch,
		Polling:  c.Polling,
		Compare:  c.Compare,
		Baseline: c.Baseline,
		Storage:  c.Storage,
		Runtime:  c.Runtime,
		Logging:  c.Logging,
	}
	clone.Watch.Roots = append([]string(nil), c.Watch.Roots...)
	clone.Watch.MonitorOnly = append([]string(nil), c.Watch.MonitorOnly...)
	clone.Watch.ScanRoots = append([]string(nil), c.Watch.ScanRoots...)
	clone.Watch.Extensions = append([]string(nil), c.Watch.Extensions...)
	clone.Compare.Whitelist = append([]string(nil), c.Compare.Whitelist...)
	clone.Baseline.ManualTargets = append([]string(nil), c.Baseline.ManualTargets...)
	return clone
}

// EffectiveScanRoots returns the roots scanned at startup: ScanRoots when
// set, otherwise Roots.
func (c *Config) EffectiveScanRoots() []string {
	if len(c.Watch.ScanRoots) > 0 {
		return c.Watch.ScanRoots
	}
	return c.Watch.Roots
}

// PollInterval returns the polling backend interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Watch.PollIntervalMs) * time.Millisecond
}

// Settle returns the watcher settle window.
func (c *Config) Settle() time.Duration {
	return time.Duration(c.Watch.SettleMs) * time.Millisecond
}

// PollingInterval returns the active polling cycle interval.
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.Polling.IntervalSec) * time.Second
}

// DedupWindow returns the push/poll dedup window.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Polling.DedupWindowMs) * time.Millisecond
}

// FileTimeout returns the per-file processing warning threshold.
func (c *Config) FileTimeout() time.Duration {
	return time.Duration(c.Polling.FileTimeoutSec) * time.Second
}

// RetryPolicy returns the load retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	r := c.Baseline.Retry
	return retry.Policy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: time.Duration(r.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(r.MaxDelayMs) * time.Millisecond,
		Multiplier:   r.Multiplier,
	}
}

// LocalCacheDir returns the cache directory, or "" when the local cache
// is disabled.
func (c *Config) LocalCacheDir() string {
	if !c.Baseline.UseLocalCache {
		return ""
	}
	return c.Baseline.CacheDir
}

// LogConfig converts the logging section into a logging.Config.
func (c *Config) LogConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Logging.Output
	if c.Logging.FilePath != "" {
		lc.FilePath = c.Logging.FilePath
	}
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxBackups = c.Logging.MaxBackups
	lc.MaxAge = c.Logging.MaxAgeDays
	lc.Compress = c.Logging.Compress
	return lc, nil
}
