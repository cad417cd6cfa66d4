package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// addNative adds root (and its subdirectories when recursive) to the
// fsnotify watch set, creating the fsnotify watcher on first use.
func (w *Watcher) addNative(root string, recursive bool) error {
	dirs, err := listDirs(root, recursive)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.stopping() {
		w.mu.Unlock()
		return errors.New("watcher stopped")
	}
	fsw := w.fsWatcher
	startLoop := false
	if fsw == nil {
		fsw, err = fsnotify.NewWatcher()
		if err != nil {
			w.mu.Unlock()
			return fmt.Errorf("create fsnotify watcher: %w", err)
		}
		w.fsWatcher = fsw
		if w.started {
			startLoop = true
			w.wg.Add(1)
		}
	}
	w.mu.Unlock()

	if startLoop {
		go w.nativeLoop(fsw)
	}

	var added []string
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			for _, d := range added {
				_ = fsw.Remove(d)
			}
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		added = append(added, dir)
	}

	w.mu.Lock()
	for _, d := range added {
		w.nativeDirs[d] = root
	}
	w.mu.Unlock()
	return nil
}

func (w *Watcher) nativeLoop(fsw *fsnotify.Watcher) {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-fsw.Events:
			if !ok {
				w.loseAllNative(errors.New("fsnotify event channel closed"))
				return
			}
			w.handleNative(fsw, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				w.loseAllNative(errors.New("fsnotify error channel closed"))
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.loseAllNative(err)
				continue
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handleNative(fsw *fsnotify.Watcher, event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	now := time.Now()

	// A watched root that disappears takes its native watch with it.
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.mu.Lock()
		f, isRoot := w.folders[path]
		native := isRoot && f.Backend == BackendNative
		w.mu.Unlock()
		if native {
			w.fallback(path, fmt.Errorf("watched root %s", event.Op))
			return
		}
	}

	root, ok := w.rootFor(path)
	if !ok {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			w.addCreatedDir(fsw, root, path, now)
			return
		}
	}

	if !w.filter.Match(path) {
		return
	}

	var op Op
	switch {
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		op = OpMove
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	default:
		return
	}
	w.record(path, op, root, BackendNative, now)
}

// addCreatedDir extends a recursive native root with a new directory and
// reports spreadsheets that arrived inside it before the watch was added.
func (w *Watcher) addCreatedDir(fsw *fsnotify.Watcher, root, dir string, now time.Time) {
	w.mu.Lock()
	f, ok := w.folders[root]
	recursive := ok && f.Recursive && f.Backend == BackendNative
	w.mu.Unlock()
	if !recursive {
		return
	}

	dirs, err := listDirs(dir, true)
	if err != nil {
		w.logger.Warn("cannot list new directory", "dir", dir, "error", err)
		return
	}
	for _, d := range dirs {
		if err := fsw.Add(d); err != nil {
			w.fallback(root, fmt.Errorf("watch new directory %s: %w", d, err))
			return
		}
		w.mu.Lock()
		w.nativeDirs[d] = root
		w.mu.Unlock()
	}

	files, err := ListFiles(dir, true, w.filter)
	if err != nil {
		return
	}
	for _, file := range files {
		w.record(file, OpCreate, root, BackendNative, now)
	}
}

// loseAllNative moves every native root to polling.
func (w *Watcher) loseAllNative(cause error) {
	if w.stopping() {
		return
	}
	w.mu.Lock()
	var roots []string
	for root, f := range w.folders {
		if f.Backend == BackendNative {
			roots = append(roots, root)
		}
	}
	w.mu.Unlock()

	for _, root := range roots {
		w.fallback(root, cause)
	}
}

// fallback switches root from the native backend to polling. The polling
// baseline is taken from the current tree.
func (w *Watcher) fallback(root string, cause error) {
	w.mu.Lock()
	f, ok := w.folders[root]
	if !ok || f.Backend == BackendPolling {
		w.mu.Unlock()
		return
	}
	var dirs []string
	for dir, r := range w.nativeDirs {
		if r == root {
			dirs = append(dirs, dir)
			delete(w.nativeDirs, dir)
		}
	}
	recursive := f.Recursive
	w.folders[root] = &Folder{Root: root, Recursive: recursive, Backend: BackendPolling}
	fsw := w.fsWatcher
	w.mu.Unlock()

	if fsw != nil {
		for _, d := range dirs {
			_ = fsw.Remove(d)
		}
	}
	w.seedPolling(root, recursive)
	w.logger.Warn("native watch lost, falling back to polling", "root", root, "cause", cause)
}
