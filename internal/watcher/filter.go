package watcher

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultExtensions are the spreadsheet formats the reader can parse.
var DefaultExtensions = []string{".xlsx", ".xlsm", ".xltx", ".xltm"}

// Filter decides which files are spreadsheets worth watching.
type Filter struct {
	exts map[string]struct{}
}

// NewFilter builds a filter for the given extensions. Entries may omit the
// leading dot; matching is case-insensitive. An empty list uses
// DefaultExtensions.
func NewFilter(exts []string) Filter {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	f := Filter{exts: make(map[string]struct{}, len(exts))}
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		f.exts[e] = struct{}{}
	}
	return f
}

// Match reports whether path is a supported spreadsheet. Office lock and
// temporary files never match.
func (f Filter) Match(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	if IsTemporary(name) {
		return false
	}
	_, ok := f.exts[filepath.Ext(name)]
	return ok
}

// IsTemporary reports whether name is an office lock or temp file.
func IsTemporary(name string) bool {
	name = strings.ToLower(filepath.Base(name))
	return strings.HasPrefix(name, "~$") ||
		strings.HasPrefix(name, ".~lock") ||
		strings.HasSuffix(name, ".tmp")
}

// ListFiles returns the matching files under root, sorted. Unreadable
// subdirectories are skipped.
func ListFiles(root string, recursive bool, f Filter) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if f.Match(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// listDirs returns root and, when recursive, every directory below it.
func listDirs(root string, recursive bool) ([]string, error) {
	if !recursive {
		return []string{root}, nil
	}
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return filepath.SkipDir
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs, err
}

// Backend is the change source chosen for a root.
type Backend int

const (
	// BackendNative uses fsnotify push notifications.
	BackendNative Backend = iota
	// BackendPolling compares stat results on a timer.
	BackendPolling
)

func (b Backend) String() string {
	if b == BackendPolling {
		return "polling"
	}
	return "native"
}

// SelectBackend picks the backend for root. Network shares and volume roots
// are polled; push notifications are unreliable there.
func SelectBackend(root string, forcePolling bool) Backend {
	if forcePolling || IsUNC(root) || IsDriveRoot(root) {
		return BackendPolling
	}
	return BackendNative
}

// IsUNC reports whether path names a network share (\\server\share).
func IsUNC(path string) bool {
	return strings.HasPrefix(path, `\\`) || strings.HasPrefix(path, "//")
}

// IsDriveRoot reports whether path is the root of a volume, such as "C:\"
// or "/".
func IsDriveRoot(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	vol := filepath.VolumeName(clean)
	rest := strings.TrimPrefix(clean, vol)
	return rest == "" || rest == string(filepath.Separator) || rest == "/"
}
