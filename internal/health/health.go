// Package health runs component checks for the status report: the
// baseline store, the watched folders, free disk space next to the
// database and heap usage against the configured limit.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Component represents a health-checkable component.
type Component struct {
	Name     string
	Critical bool // failure makes the overall status unhealthy
	Check    Check
	Timeout  time.Duration
}

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
	}
}

// Register registers a health check component.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = 5 * time.Second
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a simple health check function.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// Check runs all registered checks concurrently. A check that panics or
// outlives its timeout is reported unhealthy.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			result := run(ctx, comp)

			rmu.Lock()
			results[comp.Name] = result
			rmu.Unlock()

			c.mu.Lock()
			c.results[comp.Name] = result
			c.mu.Unlock()
		}(comp)
	}
	wg.Wait()
	return results
}

func run(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: checkCtx.Err().Error()}
	}
	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// OverallStatus aggregates the last results. A failing critical component
// makes the whole unhealthy; any other failure degrades it.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown := false
	hasDegraded := false
	for name, result := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}
		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}

	switch {
	case hasUnknown:
		return StatusUnknown
	case hasDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Report is a point-in-time view of every component.
type Report struct {
	Status     Status                 `json:"status"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs every check and aggregates the results.
func (c *Checker) Report(ctx context.Context) Report {
	components := c.Check(ctx)
	return Report{
		Status:     c.OverallStatus(),
		Components: components,
		Timestamp:  time.Now(),
	}
}

// Names returns the component names of r in sorted order.
func (r Report) Names() []string {
	names := make([]string, 0, len(r.Components))
	for name := range r.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DatabaseCheck reports whether ping succeeds.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "database connection failed",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "database connection ok"}
	}
}

// SchemaCheck reports unhealthy when the store schema is behind or missing
// tables. status returns the applied version, the latest known version and
// the missing tables.
func SchemaCheck(status func(ctx context.Context) (version, latest int, missing []string, err error)) Check {
	return func(ctx context.Context) CheckResult {
		version, latest, missing, err := status(ctx)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "cannot read schema", Error: err.Error()}
		}
		details := map[string]any{"version": version, "latest": latest}
		if len(missing) > 0 {
			details["missing_tables"] = missing
			return CheckResult{Status: StatusUnhealthy, Message: "schema incomplete", Details: details}
		}
		if version != latest {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("schema at version %d, want %d", version, latest),
				Details: details,
			}
		}
		return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("schema version %d", version), Details: details}
	}
}

// FoldersCheck reports missing folders. An empty list is degraded since
// nothing is being watched.
func FoldersCheck(paths []string) Check {
	return func(ctx context.Context) CheckResult {
		if len(paths) == 0 {
			return CheckResult{Status: StatusDegraded, Message: "no folders configured"}
		}
		var missing []string
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil || !info.IsDir() {
				missing = append(missing, p)
			}
		}
		details := map[string]any{"folders": len(paths)}
		if len(missing) > 0 {
			details["missing"] = missing
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d of %d folders unavailable", len(missing), len(paths)),
				Details: details,
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "all folders available", Details: details}
	}
}

// ErrDiskStatsUnsupported is returned on platforms without free space stats.
var ErrDiskStatsUnsupported = errors.New("health: disk stats unsupported")

// DiskSpaceCheck reports degraded when the filesystem holding path has less
// than minFreeBytes available.
func DiskSpaceCheck(path string, minFreeBytes uint64) Check {
	return func(ctx context.Context) CheckResult {
		free, err := freeBytes(path)
		if errors.Is(err, ErrDiskStatsUnsupported) {
			return CheckResult{Status: StatusHealthy, Message: "disk stats unavailable on this platform"}
		}
		if err != nil {
			return CheckResult{Status: StatusDegraded, Message: "cannot read disk stats", Error: err.Error()}
		}
		details := map[string]any{"path": path, "free_bytes": free, "min_free_bytes": minFreeBytes}
		if free < minFreeBytes {
			return CheckResult{Status: StatusDegraded, Message: "low disk space", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Message: "disk space ok", Details: details}
	}
}

// MemoryCheck compares the heap with limitMB. A zero limit always passes.
func MemoryCheck(limitMB int) Check {
	return func(ctx context.Context) CheckResult {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		details := map[string]any{
			"heap_alloc_mb": mem.HeapAlloc >> 20,
			"num_gc":        mem.NumGC,
			"goroutines":    runtime.NumGoroutine(),
		}
		if limitMB > 0 {
			details["limit_mb"] = limitMB
			if mem.HeapAlloc > uint64(limitMB)<<20 {
				return CheckResult{Status: StatusDegraded, Message: "heap above memory limit", Details: details}
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "memory ok", Details: details}
	}
}
