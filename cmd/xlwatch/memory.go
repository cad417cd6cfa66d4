package main

import (
	"context"
	"runtime"
	"time"

	"xlwatch/internal/logging"
	"xlwatch/internal/monitor"
)

// pauser is the part of the monitor the memory watch drives.
type pauser interface {
	Pause()
	Resume()
}

var _ pauser = (*monitor.Monitor)(nil)

// watchMemory pauses the pipeline between files while the heap is above
// limitMB and resumes it once the heap is back under the limit.
func watchMemory(ctx context.Context, p pauser, limitMB int, every time.Duration, logger *logging.Logger) {
	if every <= 0 {
		every = 5 * time.Second
	}
	limit := uint64(limitMB) << 20

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	paused := false
	for {
		select {
		case <-ctx.Done():
			if paused {
				p.Resume()
			}
			return
		case <-ticker.C:
		}

		if paused {
			// Idle workers allocate nothing, so the periodic GC may be far
			// off; collect before deciding whether to resume.
			runtime.GC()
			if heap := heapAlloc(); heap <= limit {
				logger.Info("memory back under limit, resuming",
					"heap_mb", heap>>20, "limit_mb", limitMB)
				p.Resume()
				paused = false
			}
			continue
		}

		if heapAlloc() <= limit {
			continue
		}
		// Give the collector one chance before pausing.
		runtime.GC()
		if heap := heapAlloc(); heap > limit {
			logger.Warn("memory limit exceeded, pausing",
				"heap_mb", heap>>20, "limit_mb", limitMB)
			p.Pause()
			paused = true
		}
	}
}

func heapAlloc() uint64 {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return mem.HeapAlloc
}
