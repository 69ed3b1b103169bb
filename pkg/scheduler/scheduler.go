package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/log"
	"github.com/cuemby/ledgerwatch/pkg/metrics"
	"github.com/rs/zerolog"
)

// Ticker delivers ticks on C until stopped
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock abstracts time so job timing can be driven by tests
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// JobFunc is the work of a periodic job. ctx is cancelled on Stop.
type JobFunc func(ctx context.Context)

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc
	running  atomic.Bool

	mu           sync.Mutex
	runs         int
	skipped      int
	lastRun      time.Time
	lastDuration time.Duration
}

// JobInfo describes a registered job
type JobInfo struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Runs         int           `json:"runs"`
	Skipped      int           `json:"skipped"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	Running      bool          `json:"running"`
}

// Scheduler runs registered jobs on fixed intervals. A job never overlaps
// itself: a tick that arrives while the previous run is active is skipped.
type Scheduler struct {
	clock  Clock
	logger zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option customises a Scheduler
type Option func(*Scheduler)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// NewScheduler creates a new scheduler
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  realClock{},
		logger: log.WithComponent("scheduler"),
		jobs:   make(map[string]*job),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Every registers fn to run every interval. Jobs registered after Start begin
// immediately. Registering a name twice replaces nothing and is logged.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		s.logger.Error().Str("job", name).Dur("interval", interval).Msg("Ignoring job with non-positive interval")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		s.logger.Warn().Str("job", name).Msg("Job already registered")
		return
	}
	j := &job{name: name, interval: interval, fn: fn}
	s.jobs[name] = j
	if s.started && !s.stopped {
		s.startJob(j)
	}
}

// Start begins the job loops. Cancelling ctx has the same effect as Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.startJob(j)
	}
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop stops the loops, cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// startJob must be called with s.mu held
func (s *Scheduler) startJob(j *job) {
	ticker := s.clock.NewTicker(j.interval)
	s.wg.Add(1)
	go s.loop(j, ticker)
}

func (s *Scheduler) loop(j *job, ticker Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			s.trigger(j)
		case <-s.stopCh:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// trigger starts one run of j unless it is still running
func (s *Scheduler) trigger(j *job) bool {
	if !j.running.CompareAndSwap(false, true) {
		j.mu.Lock()
		j.skipped++
		j.mu.Unlock()
		metrics.ScheduledJobRuns.WithLabelValues(j.name, "skipped").Inc()
		s.logger.Debug().Str("job", j.name).Msg("Previous run still active, skipping tick")
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.running.Store(false)
		s.execute(j)
	}()
	return true
}

func (s *Scheduler) execute(j *job) {
	start := s.clock.Now()
	outcome := "completed"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			s.logger.Error().Str("job", j.name).Interface("panic", r).Msg("Job panicked")
		}
		elapsed := s.clock.Now().Sub(start)

		j.mu.Lock()
		j.runs++
		j.lastRun = start
		j.lastDuration = elapsed
		j.mu.Unlock()

		metrics.ScheduledJobRuns.WithLabelValues(j.name, outcome).Inc()
		s.logger.Debug().Str("job", j.name).Dur("duration", elapsed).Str("outcome", outcome).Msg("Job finished")
	}()

	j.fn(s.ctx)
}

// RunNow triggers a registered job outside its schedule. It returns false
// when the job is already running.
func (s *Scheduler) RunNow(name string) (bool, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	started := s.started && !s.stopped
	s.mu.Unlock()

	if !ok {
		return false, fmt.Errorf("job %q not registered", name)
	}
	if !started {
		return false, fmt.Errorf("scheduler not running")
	}
	return s.trigger(j), nil
}

// Jobs returns the registered jobs sorted by name
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		out = append(out, JobInfo{
			Name:         j.name,
			Interval:     j.interval,
			Runs:         j.runs,
			Skipped:      j.skipped,
			LastRun:      j.lastRun,
			LastDuration: j.lastDuration,
			Running:      j.running.Load(),
		})
		j.mu.Unlock()
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}
