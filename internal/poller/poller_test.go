package poller

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xlwatch/internal/runstate"
	"xlwatch/internal/watcher"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) submit(path string) {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.paths
	r.paths = nil
	sort.Strings(out)
	return out
}

func touch(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestCycleDetectsChanges(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.xlsx")
	b := filepath.Join(dir, "b.xlsx")
	touch(t, a, "a")
	touch(t, b, "b")
	touch(t, filepath.Join(dir, "ignored.txt"), "x")

	rec := &recorder{}
	p := New(Config{
		Roots:  func() []watcher.Folder { return []watcher.Folder{{Root: dir}} },
		Filter: watcher.NewFilter(nil),
		Submit: rec.submit,
	})
	ctx := context.Background()

	p.Cycle(ctx)
	assert.Empty(t, rec.take(), "first cycle only seeds")

	p.Cycle(ctx)
	assert.Empty(t, rec.take(), "nothing changed")

	touch(t, a, "a grew")
	c := filepath.Join(dir, "c.xlsx")
	touch(t, c, "c")
	require.NoError(t, os.Remove(b))

	p.Cycle(ctx)
	assert.Equal(t, []string{a, b, c}, rec.take())

	p.Cycle(ctx)
	assert.Empty(t, rec.take(), "a vanished file is reported once")

	p.mu.Lock()
	_, tracked := p.last[b]
	p.mu.Unlock()
	assert.False(t, tracked, "unbaselined deleted file is forgotten")
}

func TestCycleReportsDeletedUnbaselinedFile(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.xlsx")
	touch(t, a, "a")

	rec := &recorder{}
	p := New(Config{
		Roots:  func() []watcher.Folder { return []watcher.Folder{{Root: dir}} },
		Filter: watcher.NewFilter(nil),
		Submit: rec.submit,
	})
	ctx := context.Background()
	p.Cycle(ctx)

	require.NoError(t, os.Remove(a))
	p.Cycle(ctx)
	assert.Equal(t, []string{a}, rec.take())

	touch(t, a, "a again")
	p.Cycle(ctx)
	assert.Equal(t, []string{a}, rec.take(), "recreated file is new again")
}

func TestCycleKnownMissingFile(t *testing.T) {
	gone := filepath.Join(t.TempDir(), "gone.xlsx")
	rec := &recorder{}
	p := New(Config{
		Known:  func(context.Context) ([]string, error) { return []string{gone}, nil },
		Submit: rec.submit,
	})

	p.Cycle(context.Background())
	assert.Equal(t, []string{gone}, rec.take(), "baseline without file is submitted on the first cycle")
	p.Cycle(context.Background())
	assert.Empty(t, rec.take())
}

func TestInvalidateResubmits(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.xlsx")
	touch(t, a, "a")

	rec := &recorder{}
	p := New(Config{
		Known:  func(context.Context) ([]string, error) { return []string{a}, nil },
		Submit: rec.submit,
	})
	ctx := context.Background()
	p.Cycle(ctx)
	rec.take()

	p.Invalidate(a)
	p.Cycle(ctx)
	assert.Equal(t, []string{a}, rec.take())
}

func TestTimeoutWarnsOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	state := runstate.New(context.Background())

	p := New(Config{Timeout: 10 * time.Millisecond, State: state, Logger: logger})

	p.checkTimeout()
	assert.Empty(t, buf.String(), "nothing in progress")

	state.SetCurrent("/slow.xlsx")
	time.Sleep(20 * time.Millisecond)
	p.checkTimeout()
	p.checkTimeout()

	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("file processing exceeds timeout")))
	assert.Contains(t, buf.String(), "/slow.xlsx")
}

func TestTimeoutWarnsForEveryWorker(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	state := runstate.New(context.Background())

	p := New(Config{Timeout: 10 * time.Millisecond, State: state, Logger: logger})

	state.SetCurrent("/slow.xlsx")
	state.SetCurrent("/fast.xlsx")
	state.ClearCurrent("/fast.xlsx")
	time.Sleep(20 * time.Millisecond)
	p.checkTimeout()

	assert.Contains(t, buf.String(), "/slow.xlsx")
	assert.NotContains(t, buf.String(), "/fast.xlsx")

	state.ClearCurrent("/slow.xlsx")
	p.checkTimeout()
	p.mu.Lock()
	assert.Empty(t, p.warned)
	p.mu.Unlock()

	// A new pass of the same file warns again.
	state.SetCurrent("/slow.xlsx")
	time.Sleep(20 * time.Millisecond)
	p.checkTimeout()
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("file processing exceeds timeout")))
}

func TestStopIdempotentAndWaits(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	p := New(Config{
		Interval: 5 * time.Millisecond,
		Known: func(context.Context) ([]string, error) {
			once.Do(func() { close(started) })
			<-release
			return nil, nil
		},
	})
	p.Start(context.Background())

	<-started
	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a cycle was in progress")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	p.Stop()
}

func TestDedup(t *testing.T) {
	d := NewDedup(time.Second)
	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }

	assert.True(t, d.Allow("/a", SourcePoll), "no push yet")
	assert.True(t, d.Allow("/a", SourcePush))
	assert.False(t, d.Allow("/a", SourcePoll), "push within window")
	assert.True(t, d.Allow("/b", SourcePoll))
	assert.True(t, d.Allow("/a", SourceManual))

	now = now.Add(2 * time.Second)
	assert.True(t, d.Allow("/a", SourcePoll), "window elapsed")

	var disabled *Dedup
	assert.True(t, disabled.Allow("/a", SourcePoll))
	assert.True(t, NewDedup(0).Allow("/a", SourcePoll))
}
