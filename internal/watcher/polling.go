package watcher

import (
	"os"
	"time"
)

// scanTree stats every matching file under root.
func (w *Watcher) scanTree(root string, recursive bool) map[string]fileState {
	state := make(map[string]fileState)
	files, err := ListFiles(root, recursive, w.filter)
	if err != nil {
		return state
	}
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		state[path] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	return state
}

// seedPolling records the current tree so only later changes are reported.
func (w *Watcher) seedPolling(root string, recursive bool) {
	state := w.scanTree(root, recursive)
	w.mu.Lock()
	w.pollState[root] = state
	w.mu.Unlock()
}

func (w *Watcher) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.pollOnce(now)
		}
	}
}

// pollOnce compares each polling root against its last known state. The
// tree walk runs without the lock.
func (w *Watcher) pollOnce(now time.Time) {
	type target struct {
		root      string
		recursive bool
	}

	// Phase 1: collect polling roots
	var targets []target
	w.mu.Lock()
	for root, f := range w.folders {
		if f.Backend == BackendPolling {
			targets = append(targets, target{root: root, recursive: f.Recursive})
		}
	}
	w.mu.Unlock()

	for _, t := range targets {
		if w.stopping() {
			return
		}

		// Phase 2: walk and stat (slow I/O)
		current := w.scanTree(t.root, t.recursive)

		// Phase 3: diff against the previous state and store the new one
		w.mu.Lock()
		prev := w.pollState[t.root]
		w.pollState[t.root] = current
		w.mu.Unlock()

		for path, cur := range current {
			old, ok := prev[path]
			switch {
			case !ok:
				w.record(path, OpCreate, t.root, BackendPolling, now)
			case !old.modTime.Equal(cur.modTime) || old.size != cur.size:
				w.record(path, OpModify, t.root, BackendPolling, now)
			}
		}
		for path := range prev {
			if _, ok := current[path]; !ok {
				w.record(path, OpDelete, t.root, BackendPolling, now)
			}
		}
	}
}
