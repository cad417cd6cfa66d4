package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("round trip of %v gave %v, %v", level, parsed, err)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(JSON) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.Component != "xlwatch" {
		t.Errorf("expected component xlwatch, got %s", cfg.Component)
	}
	if !strings.Contains(cfg.FilePath, "xlwatch") {
		t.Errorf("log path %q should live under the xlwatch state dir", cfg.FilePath)
	}
	if cfg.MaxSize <= 0 || cfg.MaxAge <= 0 || cfg.MaxBackups <= 0 {
		t.Errorf("expected positive retention settings, got %+v", cfg)
	}
}

func TestStateDirHonoursXDG(t *testing.T) {
	if strings.Contains(StateDir(), "Library") || os.Getenv("LOCALAPPDATA") != "" {
		t.Skip("XDG paths apply to Linux and other Unix only")
	}
	dir := t.TempDir()
	t.Setenv("XDG_STATE_HOME", dir)
	if got := StateDir(); got != filepath.Join(dir, "xlwatch") {
		t.Errorf("StateDir() = %q", got)
	}
}

func TestJSONOutputCarriesAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{
		Level:     LevelInfo,
		Format:    FormatJSON,
		Component: "test",
		Writer:    &buf,
	})
	if err != nil {
		t.Fatalf("failed to create JSON logger: %v", err)
	}
	defer logger.Close()

	ctx := ContextWithRunID(context.Background(), "run-1")
	logger.WithContext(ctx).Info("change detected", "path", "/data/a.xlsx", "api_token", "abc")
	logger.Debug("dropped")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if rec["component"] != "test" || rec["run_id"] != "run-1" || rec["path"] != "/data/a.xlsx" {
		t.Errorf("record = %v", rec)
	}
	if rec["api_token"] != "[REDACTED]" {
		t.Errorf("api_token = %v, want redacted", rec["api_token"])
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{Level: LevelInfo, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.WithComponent("poller").Info("cycle")
	if !strings.Contains(buf.String(), "component=poller") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestRunIDContext(t *testing.T) {
	ctx := ContextWithRunID(context.Background(), "run-456")
	if got := RunIDFromContext(ctx); got != "run-456" {
		t.Errorf("expected run-456, got %q", got)
	}
	if got := RunIDFromContext(nil); got != "" { //nolint:staticcheck
		t.Errorf("expected empty string, got %q", got)
	}
	if got := RunIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"secret", true},
		{"api_key", true},
		{"auth_token", true},
		{"credential", true},
		{"private_key", true},
		{"cookie", true},
		{"path", false},
		{"author", false},
		{"key", false},
		{"number", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if got := shouldRedact(test.key); got != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, got, test.expected)
			}
		})
	}
}

func TestDiscardOutput(t *testing.T) {
	logger, err := New(&Config{Output: "discard"})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("nothing")
	Discard().Error("nothing either")
}

func TestFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "xlwatch.log")
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = logPath

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Info("hello", "path", "/data/a.xlsx")
	if err := logger.Sync(); err != nil {
		t.Errorf("sync: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("close: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "msg=hello") {
		t.Errorf("log = %q", data)
	}
}

func TestFileRotatorRotatesBySize(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	rotator, err := NewFileRotator(&Config{
		FilePath:   logPath,
		MaxSize:    1,
		MaxBackups: 3,
		MaxAge:     7,
	})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 2; i++ {
		n, err := rotator.Write(chunk)
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if n != len(chunk) {
			t.Errorf("wrote %d bytes, want %d", n, len(chunk))
		}
	}
	if err := rotator.Close(); err != nil {
		t.Fatal(err)
	}

	files, err := rotator.LogFiles()
	if err != nil {
		t.Fatalf("LogFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected current and one rotated file, got %v", files)
	}
	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Errorf("current file size = %d, want %d", info.Size(), len(chunk))
	}
}

func TestFileRotatorDailyCompressed(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "daily.log")
	rotator, err := NewFileRotator(&Config{
		FilePath:   logPath,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := rotator.Write([]byte("yesterday\n")); err != nil {
		t.Fatal(err)
	}
	tomorrow := time.Now().Add(24 * time.Hour)
	rotator.now = func() time.Time { return tomorrow }
	if _, err := rotator.Write([]byte("today\n")); err != nil {
		t.Fatal(err)
	}
	if err := rotator.Close(); err != nil {
		t.Fatal(err)
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(logPath), "daily-*.log.zst"))
	if len(matches) != 1 {
		t.Fatalf("expected one compressed file, got %v", matches)
	}
	raw, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	plain, err := dec.DecodeAll(raw, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(plain) != "yesterday\n" {
		t.Errorf("rotated content = %q", plain)
	}
}

func TestFileRotatorKeepsMaxBackups(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "keep.log")
	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 10, MaxBackups: 2})
	if err != nil {
		t.Fatal(err)
	}

	day := time.Now()
	for i := 0; i < 5; i++ {
		day = day.Add(24 * time.Hour)
		d := day
		rotator.now = func() time.Time { return d }
		if _, err := rotator.Write([]byte("line\n")); err != nil {
			t.Fatal(err)
		}
		// Let each cleanup finish before the next rotation.
		rotator.bg.Wait()
	}
	if err := rotator.Close(); err != nil {
		t.Fatal(err)
	}

	rotated, _ := rotator.rotated()
	if len(rotated) > 2 {
		t.Errorf("kept %d rotated files, want at most 2: %v", len(rotated), rotated)
	}
}

func TestJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := NewJournal(&JournalConfig{FilePath: path, MaxSize: 10, Component: "test"})
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}

	ctx := context.Background()
	if err := j.Startup(ctx, "run-1", map[string]any{"roots": 2}); err != nil {
		t.Errorf("Startup: %v", err)
	}
	if err := j.Record(ctx, Entry{Kind: EntryChange, Path: "/data/a.xlsx", Number: 7, Author: "alice"}); err != nil {
		t.Errorf("Record: %v", err)
	}
	if err := j.Record(ContextWithRunID(ctx, "run-2"), Entry{Kind: EntryError, Error: errors.New("boom").Error()}); err != nil {
		t.Errorf("Record: %v", err)
	}
	if err := j.Shutdown(ctx, "signal"); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(lines))
	}
	var entries []Entry
	for i, line := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i+1, err)
		}
		entries = append(entries, e)
	}
	if entries[1].Kind != EntryChange || entries[1].Number != 7 || entries[1].RunID != "run-1" {
		t.Errorf("change entry = %+v", entries[1])
	}
	if entries[2].RunID != "run-2" {
		t.Errorf("context run ID should win, got %q", entries[2].RunID)
	}
	if entries[3].Component != "test" || entries[3].Details["reason"] != "signal" {
		t.Errorf("shutdown entry = %+v", entries[3])
	}
}

func TestCrashHandler(t *testing.T) {
	dir := t.TempDir()
	var called int
	handler := NewCrashHandler(&CrashHandlerConfig{
		CrashDir:  dir,
		Version:   "1.0.0",
		Component: "test",
		OnCrash:   func(CrashReport) { called++ },
	})
	handler.SetRunID("run-9")

	handler.HandlePanic("test panic value", map[string]any{"path": "/data/a.xlsx"})
	handler.Recover(func() { panic("second") })

	reports, err := handler.CrashReports()
	if err != nil {
		t.Fatalf("CrashReports: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	r := reports[0]
	if r.PanicValue != "test panic value" || r.Version != "1.0.0" || r.Component != "test" || r.RunID != "run-9" {
		t.Errorf("report = %+v", r)
	}
	if r.Context["path"] != "/data/a.xlsx" {
		t.Errorf("context = %v", r.Context)
	}
	if r.StackTrace == "" {
		t.Error("missing stack trace")
	}
	if called != 2 {
		t.Errorf("OnCrash called %d times, want 2", called)
	}

	// Everything is older than a negative age.
	if err := handler.CleanupOldCrashReports(-time.Minute); err != nil {
		t.Fatal(err)
	}
	if reports, _ := handler.CrashReports(); len(reports) != 0 {
		t.Errorf("expected reports to be removed, %d left", len(reports))
	}
}
