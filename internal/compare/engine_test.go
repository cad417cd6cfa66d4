package compare

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xlwatch/internal/baseline"
	"xlwatch/internal/codec"
	"xlwatch/internal/identity"
	"xlwatch/internal/retry"
	"xlwatch/internal/runstate"
	"xlwatch/internal/sheet"
	"xlwatch/internal/sheet/sheettest"
	"xlwatch/internal/store"
)

type engineFixture struct {
	dir     string
	store   *store.Store
	mgr     *baseline.Manager
	counter *runstate.Counter
}

func newFixture(t *testing.T, loader baseline.Loader) *engineFixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "db", "xlwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mgr := baseline.New(baseline.Options{
		Store:  st,
		Loader: loader,
		Format: codec.FormatLZ4,
		Policy: retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1},
	})
	return &engineFixture{dir: dir, store: st, mgr: mgr, counter: &runstate.Counter{}}
}

func (f *engineFixture) engine(opts Options, wl identity.Whitelist, r identity.Resolver) *Engine {
	return NewEngine(Config{
		Baselines: f.mgr,
		Counter:   f.counter,
		Resolver:  r,
		Whitelist: wl,
		Options:   opts,
		RunID:     "run-1",
	})
}

func TestScenarioFormulaAddedWithoutBaseline(t *testing.T) {
	f := newFixture(t, nil)
	e := f.engine(Options{}, nil, nil)
	ctx := context.Background()

	path := filepath.Join(f.dir, "book.xlsx")
	sheettest.Write(t, path, sheet.Snapshot{"Sheet1": {"A1": {Formula: "=1+1"}}})

	res := e.Process(ctx, path)
	require.NoError(t, res.Err)
	require.Equal(t, OutcomeChanged, res.Outcome)

	cells := res.Event.Changes
	require.Len(t, cells, 1)
	assert.Equal(t, KindAdded, cells[0].Kind)
	assert.Equal(t, "Sheet1", cells[0].Sheet)
	assert.Equal(t, "A1", cells[0].Address)
	assert.Equal(t, "=1+1", cells[0].NewFormula)
	assert.Equal(t, int64(1), res.Event.Number)
	assert.Equal(t, "run-1", res.Event.RunID)
	assert.NotEmpty(t, res.Event.ID)

	rec, err := f.mgr.Get(ctx, path)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "=1+1", rec.Snapshot["Sheet1"]["A1"].Formula)

	history, err := f.store.EventsSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	back, err := FromRecord(history[0])
	require.NoError(t, err)
	assert.Equal(t, res.Event.Changes, back.Changes)
	assert.Equal(t, res.Event.Sheets, back.Sheets)
}

func TestScenarioFormulaChangedFormulaOnly(t *testing.T) {
	f := newFixture(t, nil)
	e := f.engine(Options{FormulaOnly: true}, nil, nil)
	ctx := context.Background()

	path := filepath.Join(f.dir, "book.xlsx")
	sheettest.Write(t, path, sheet.Snapshot{"Sheet1": {"A1": {Formula: "=1+1", Value: "2"}}})
	status, err := f.mgr.Create(ctx, path)
	require.NoError(t, err)
	require.Equal(t, baseline.StatusCreated, status)

	sheettest.Write(t, path, sheet.Snapshot{"Sheet1": {"A1": {Formula: "=2+2", Value: "2"}}})
	res := e.Process(ctx, path)
	require.NoError(t, res.Err)
	require.Equal(t, OutcomeChanged, res.Outcome)
	require.Len(t, res.Event.Changes, 1)
	assert.Equal(t, KindFormulaChanged, res.Event.Changes[0].Kind)
	assert.Equal(t, "=1+1", res.Event.Changes[0].OldFormula)
	assert.Equal(t, "=2+2", res.Event.Changes[0].NewFormula)
}

func TestFormulaOnlyIgnoresValueDelta(t *testing.T) {
	f := newFixture(t, nil)
	e := f.engine(Options{FormulaOnly: true}, nil, nil)
	ctx := context.Background()

	path := filepath.Join(f.dir, "book.xlsx")
	sheettest.Write(t, path, sheet.Snapshot{"Sheet1": {"A1": {Formula: "=NOW()", Value: "1"}}})
	_, err := f.mgr.Create(ctx, path)
	require.NoError(t, err)

	sheettest.Write(t, path, sheet.Snapshot{"Sheet1": {"A1": {Formula: "=NOW()", Value: "2"}}})
	res := e.Process(ctx, path)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeNoReportable, res.Outcome)
	assert.Nil(t, res.Event)
	assert.Equal(t, int64(0), f.counter.Current())

	rec, err := f.mgr.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "2", rec.Snapshot["Sheet1"]["A1"].Value, "baseline follows the latest content")
}

func TestNoChangeDoesNotAdvanceCounter(t *testing.T) {
	f := newFixture(t, nil)
	e := f.engine(Options{}, nil, nil)
	ctx := context.Background()

	path := filepath.Join(f.dir, "book.xlsx")
	sheettest.Write(t, path, sheet.Snapshot{"Sheet1": {"A1": {Value: "same"}}})
	_, err := f.mgr.Create(ctx, path)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res := e.Process(ctx, path)
		require.NoError(t, res.Err)
		assert.Equal(t, OutcomeUnchanged, res.Outcome)
	}

	// Rewriting identical cells changes the file bytes but not the content.
	sheettest.Write(t, path, sheet.Snapshot{"Sheet1": {"A1": {Value: "same"}}})
	res := e.Process(ctx, path)
	require.NoError(t, res.Err)
	assert.Contains(t, []Outcome{OutcomeUnchanged, OutcomeNoReportable}, res.Outcome)
	assert.Nil(t, res.Event)
	assert.Equal(t, int64(0), f.counter.Current())
}

func TestStaleBaselineRecreatedWithoutEvent(t *testing.T) {
	f := newFixture(t, nil)
	e := f.engine(Options{}, nil, nil)
	ctx := context.Background()

	content := sheet.Snapshot{"Sheet1": {"A1": {Value: "keep"}, "B2": {Formula: "=1+1", Value: "2"}}}
	path := filepath.Join(f.dir, "book.xlsx")
	sheettest.Write(t, path, content)

	payload, err := codec.Encode(content, codec.FormatNone)
	require.NoError(t, err)
	require.NoError(t, f.store.CommitBaseline(ctx, &store.Baseline{
		Path:          path,
		ContentHash:   "older-layout",
		Format:        string(codec.FormatNone),
		FormatVersion: codec.Version + 1,
		Payload:       payload,
	}, nil))

	res := e.Process(ctx, path)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeRecreated, res.Outcome)
	assert.Nil(t, res.Event)
	assert.Equal(t, int64(0), f.counter.Current(), "no event number drawn")

	rec, err := f.mgr.Get(ctx, path)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "keep", rec.Snapshot["Sheet1"]["A1"].Value)
	assert.Equal(t, "=1+1", rec.Snapshot["Sheet1"]["B2"].Formula)

	raw, err := f.store.GetBaseline(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, codec.Version, raw.FormatVersion)

	res = e.Process(ctx, path)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)

	history, err := f.store.EventsSince(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDeleteTombstonesAndReappearDiffsAgainstTombstone(t *testing.T) {
	f := newFixture(t, nil)
	e := f.engine(Options{}, nil, nil)
	ctx := context.Background()

	path := filepath.Join(f.dir, "book.xlsx")
	sheettest.Write(t, path, sheet.Snapshot{"Sheet1": {"A1": {Value: "v1"}, "B1": {Value: "keep"}}})
	_, err := f.mgr.Create(ctx, path)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	res := e.Process(ctx, path)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeTombstoned, res.Outcome)

	res = e.Process(ctx, path)
	assert.Equal(t, OutcomeGone, res.Outcome)

	sheettest.Write(t, path, sheet.Snapshot{"Sheet1": {"A1": {Value: "v2"}, "B1": {Value: "keep"}}})
	res = e.Process(ctx, path)
	require.NoError(t, res.Err)
	require.Equal(t, OutcomeChanged, res.Outcome)
	require.Len(t, res.Event.Changes, 1)
	assert.Equal(t, KindValueChanged, res.Event.Changes[0].Kind)
	assert.Equal(t, "v1", res.Event.Changes[0].OldValue)

	rec, err := f.mgr.Get(ctx, path)
	require.NoError(t, err)
	assert.False(t, rec.Deleted)
}

// flakyLoader fails every load with a transient error.
type flakyLoader struct{}

func (flakyLoader) Load(path string) (*sheet.Workbook, error) {
	return nil, fmt.Errorf("%w: %s locked", sheet.ErrTransientIO, path)
}

func TestParseFailureLeavesBaselineUntouched(t *testing.T) {
	good := newFixture(t, nil)
	ctx := context.Background()
	path := filepath.Join(good.dir, "book.xlsx")
	sheettest.Write(t, path, sheet.Snapshot{"Sheet1": {"A1": {Value: "orig"}}})
	_, err := good.mgr.Create(ctx, path)
	require.NoError(t, err)
	before, err := good.mgr.Get(ctx, path)
	require.NoError(t, err)

	locked := baseline.New(baseline.Options{
		Store:  good.store,
		Loader: flakyLoader{},
		Format: codec.FormatLZ4,
		Policy: retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1},
	})
	e := NewEngine(Config{Baselines: locked, Counter: good.counter})

	sheettest.Write(t, path, sheet.Snapshot{"Sheet1": {"A1": {Value: "edited"}}})
	res := e.Process(ctx, path)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.ErrorIs(t, res.Err, baseline.ErrSkipped)
	assert.Equal(t, int64(0), good.counter.Current())

	after, err := good.mgr.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, before.ContentHash, after.ContentHash)
	assert.Equal(t, before.Snapshot, after.Snapshot)
}

func TestWhitelistSuppression(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	wl := identity.NewWhitelist([]string{"alice"})

	resolve := func(id string) identity.Resolver {
		return identity.Func(func(context.Context, string, *sheet.Workbook) (string, bool) {
			return id, id != ""
		})
	}

	cases := []struct {
		name       string
		author     string
		suppressed bool
	}{
		{"member", "alice", false},
		{"non-member", "mallory", true},
		{"unknown", "", true},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := f.engine(Options{}, wl, resolve(tc.author))
			path := filepath.Join(f.dir, fmt.Sprintf("wl-%d.xlsx", i))
			sheettest.Write(t, path, sheet.Snapshot{"Sheet1": {"A1": {Value: "x"}}})

			res := e.Process(ctx, path)
			require.NoError(t, res.Err)
			require.Equal(t, OutcomeChanged, res.Outcome)
			assert.Equal(t, tc.suppressed, res.Event.Suppressed)
			assert.Equal(t, tc.author, res.Event.Author)

			history, err := f.store.EventsForFile(ctx, path)
			require.NoError(t, err)
			require.Len(t, history, 1, "suppressed events are still recorded")
			assert.Equal(t, tc.suppressed, history[0].Suppressed)
		})
	}
}

func TestDocPropsAuthor(t *testing.T) {
	f := newFixture(t, nil)
	e := f.engine(Options{}, nil, identity.Chain{identity.DocProps{}})

	path := filepath.Join(f.dir, "book.xlsx")
	sheettest.WriteAuthored(t, path, sheet.Snapshot{"Sheet1": {"A1": {Value: "x"}}}, "grace")

	res := e.Process(context.Background(), path)
	require.NoError(t, res.Err)
	assert.Equal(t, "grace", res.Event.Author)
	assert.False(t, res.Event.Suppressed)
}

func TestEventNumbersStrictlyIncrease(t *testing.T) {
	f := newFixture(t, nil)
	e := f.engine(Options{}, nil, nil)
	ctx := context.Background()

	const files = 6
	paths := make([]string, files)
	for i := range paths {
		paths[i] = filepath.Join(f.dir, fmt.Sprintf("f%d.xlsx", i))
		sheettest.Write(t, paths[i], sheet.Snapshot{"Sheet1": {"A1": {Value: fmt.Sprint(i)}}})
	}

	var (
		mu      sync.Mutex
		numbers []int64
		wg      sync.WaitGroup
	)
	for _, p := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			res := e.Process(ctx, p)
			if res.Event != nil {
				mu.Lock()
				numbers = append(numbers, res.Event.Number)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	require.Len(t, numbers, files)
	seen := map[int64]bool{}
	for _, n := range numbers {
		assert.False(t, seen[n], "duplicate event number %d", n)
		seen[n] = true
		assert.True(t, n >= 1 && n <= files)
	}

	history, err := f.store.EventsSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, files)
	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i].Number, history[i-1].Number)
	}
}

func TestEventEmpty(t *testing.T) {
	var nilEvent *Event
	assert.True(t, nilEvent.Empty())
	assert.True(t, (&Event{}).Empty())
	assert.False(t, (&Event{Sheets: []SheetChange{{Sheet: "S", Kind: SheetAdded}}}).Empty())
}
