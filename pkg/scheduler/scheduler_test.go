package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               { f.stopped.Store(true) }

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers map[time.Duration]*fakeTicker
	created chan time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		tickers: make(map[time.Duration]*fakeTicker),
		created: make(chan time.Duration, 10),
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time)}
	c.tickers[d] = t
	c.created <- d
	return t
}

// tick blocks until the loop owning the ticker receives it
func (c *fakeClock) tick(d time.Duration) {
	c.mu.Lock()
	t := c.tickers[d]
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	t.ch <- now
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_RunsOnTick(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(WithClock(clock))

	var runs atomic.Int32
	s.Every("sweep", time.Minute, func(ctx context.Context) { runs.Add(1) })
	s.Start(context.Background())
	defer s.Stop()

	<-clock.created
	assert.Zero(t, runs.Load(), "nothing runs before the first tick")

	clock.tick(time.Minute)
	waitFor(t, func() bool { return runs.Load() == 1 })
	clock.tick(time.Minute)
	waitFor(t, func() bool { return runs.Load() == 2 })

	waitFor(t, func() bool { return s.Jobs()[0].Runs == 2 })
	info := s.Jobs()[0]
	assert.Equal(t, "sweep", info.Name)
	assert.Equal(t, time.Minute, info.Interval)
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(WithClock(clock))

	release := make(chan struct{})
	var runs atomic.Int32
	s.Every("slow", time.Hour, func(ctx context.Context) {
		runs.Add(1)
		<-release
	})
	s.Start(context.Background())
	defer s.Stop()
	<-clock.created

	clock.tick(time.Hour)
	waitFor(t, func() bool { return runs.Load() == 1 })

	clock.tick(time.Hour)
	waitFor(t, func() bool { return s.Jobs()[0].Skipped == 1 })
	assert.Equal(t, int32(1), runs.Load())

	close(release)
	waitFor(t, func() bool { return !s.Jobs()[0].Running })
	clock.tick(time.Hour)
	waitFor(t, func() bool { return runs.Load() == 2 })
}

func TestScheduler_StopCancelsRunningJobs(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(WithClock(clock))

	started := make(chan struct{})
	var cancelled atomic.Bool
	s.Every("long", time.Minute, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	})
	s.Start(context.Background())
	<-clock.created

	clock.tick(time.Minute)
	<-started

	s.Stop()
	assert.True(t, cancelled.Load())
	assert.True(t, clock.tickers[time.Minute].stopped.Load())

	// Idempotent
	s.Stop()
}

func TestScheduler_PanickingJobKeepsRunning(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(WithClock(clock))

	var runs atomic.Int32
	s.Every("flaky", time.Minute, func(ctx context.Context) {
		if runs.Add(1) == 1 {
			panic("boom")
		}
	})
	s.Start(context.Background())
	defer s.Stop()
	<-clock.created

	clock.tick(time.Minute)
	waitFor(t, func() bool { return s.Jobs()[0].Runs == 1 && !s.Jobs()[0].Running })
	clock.tick(time.Minute)
	waitFor(t, func() bool { return runs.Load() == 2 })
}

func TestScheduler_RegistrationRules(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(WithClock(clock))

	s.Every("a", time.Minute, func(context.Context) {})
	s.Every("a", time.Hour, func(context.Context) {})
	s.Every("zero", 0, func(context.Context) {})
	require.Len(t, s.Jobs(), 1)
	assert.Equal(t, time.Minute, s.Jobs()[0].Interval)

	_, err := s.RunNow("a")
	assert.Error(t, err, "not started")

	s.Start(context.Background())
	defer s.Stop()
	<-clock.created

	// Late registration starts immediately
	var late atomic.Int32
	s.Every("late", 5*time.Minute, func(context.Context) { late.Add(1) })
	<-clock.created
	clock.tick(5 * time.Minute)
	waitFor(t, func() bool { return late.Load() == 1 })

	ok, err := s.RunNow("late")
	require.NoError(t, err)
	assert.True(t, ok)
	waitFor(t, func() bool { return late.Load() == 2 })

	_, err = s.RunNow("missing")
	assert.Error(t, err)
}
