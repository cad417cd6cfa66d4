package runstate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestStopTwice(t *testing.T) {
	s := New(context.Background())
	assert.False(t, s.Stopping())

	assert.True(t, s.RequestStop())
	assert.True(t, s.Stopping())
	assert.False(t, s.Forced())
	assert.Error(t, s.Context().Err())

	assert.False(t, s.RequestStop())
	assert.True(t, s.Forced())
}

func TestInProgressTracksEveryWorker(t *testing.T) {
	s := New(context.Background())
	assert.Empty(t, s.InProgress())

	s.SetCurrent("/slow.xlsx")
	time.Sleep(time.Millisecond)
	s.SetCurrent("/fast.xlsx")

	passes := s.InProgress()
	require.Len(t, passes, 2)
	assert.Equal(t, "/slow.xlsx", passes[0].Path, "oldest first")
	assert.Equal(t, "/fast.xlsx", passes[1].Path)
	assert.False(t, passes[0].Since.IsZero())

	s.ClearCurrent("/fast.xlsx")
	passes = s.InProgress()
	require.Len(t, passes, 1)
	assert.Equal(t, "/slow.xlsx", passes[0].Path, "another worker finishing leaves the slow pass")

	s.ClearCurrent("/other.xlsx")
	assert.Len(t, s.InProgress(), 1)

	s.ClearCurrent("/slow.xlsx")
	assert.Empty(t, s.InProgress())
}

func TestStoppingFollowsParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	s := New(parent)
	assert.False(t, s.Stopping())

	cancel()
	assert.True(t, s.Stopping())
	assert.False(t, s.Forced())
}

func TestPauseResume(t *testing.T) {
	s := New(context.Background())
	require.NoError(t, s.WaitIfPaused(context.Background()))

	s.Pause()
	assert.True(t, s.Paused())

	released := make(chan struct{})
	go func() {
		_ = s.WaitIfPaused(context.Background())
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("worker passed the pause point while paused")
	case <-time.After(50 * time.Millisecond):
	}

	s.Resume()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("worker not released after Resume")
	}
	assert.False(t, s.Paused())
}

func TestWaitIfPausedCancelled(t *testing.T) {
	s := New(context.Background())
	s.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitIfPaused(ctx), context.DeadlineExceeded)
}

func TestStopReleasesPause(t *testing.T) {
	s := New(context.Background())
	s.Pause()
	s.RequestStop()
	assert.False(t, s.Paused())
}

func TestCounterConcurrentUnique(t *testing.T) {
	c := &Counter{}
	c.Seed(10)
	c.Seed(3)
	assert.Equal(t, int64(10), c.Current())

	const workers, per = 8, 250
	results := make(chan int64, workers*per)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < per; j++ {
				n, err := c.Commit(func(int64) error { return nil })
				assert.NoError(t, err)
				results <- n
			}
		}()
	}
	wg.Wait()
	close(results)

	var got []int64
	for n := range results {
		got = append(got, n)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })

	require.Len(t, got, workers*per)
	for i, n := range got {
		assert.Equal(t, int64(11+i), n)
	}
	assert.Equal(t, int64(10+workers*per), c.Current())
}

func TestCounterCommitPersistsInOrder(t *testing.T) {
	c := &Counter{}

	var (
		mu        sync.Mutex
		persisted []int64
		wg        sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Commit(func(n int64) error {
				// Current never runs ahead of the commit in flight.
				assert.Equal(t, n, c.n)
				time.Sleep(time.Millisecond)
				mu.Lock()
				persisted = append(persisted, n)
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	require.Len(t, persisted, 16)
	for i, n := range persisted {
		assert.Equal(t, int64(i+1), n, "commits reach the store in number order")
	}
}

func TestCounterCommitFailureLeavesGap(t *testing.T) {
	c := &Counter{}
	n, err := c.Commit(func(int64) error { return errors.New("disk full") })
	assert.Equal(t, int64(1), n)
	assert.EqualError(t, err, "disk full")

	n, err = c.Commit(func(int64) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "failed number is not reused")
	assert.Equal(t, int64(2), c.Current())
}
