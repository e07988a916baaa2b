// Package scheduler runs background maintenance jobs at fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ryzugai/wbl-sub000/internal/infrastructure/metrics"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Job is a unit of background work.
type Job interface {
	// Name returns the unique name of the job.
	Name() string

	// Run executes the job. The context is cancelled when the scheduler
	// stops.
	Run(ctx context.Context) error
}

// Schedule decides when a job runs next.
type Schedule interface {
	Next(t time.Time) time.Time
	String() string
}

// Every runs a job at a fixed interval.
type Every time.Duration

func (e Every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func (e Every) String() string { return "@every " + time.Duration(e).String() }

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

var (
	ErrNilJob          = errors.New("job cannot be nil")
	ErrNilSchedule     = errors.New("schedule cannot be nil")
	ErrJobExists       = errors.New("job already exists")
	ErrJobNotFound     = errors.New("job not found")
	ErrAlreadyRunning  = errors.New("scheduler is already running")
	ErrNotRunning      = errors.New("scheduler is not running")
	ErrJobStillRunning = errors.New("job is still running")
)

// Config holds scheduler dependencies.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Tick is how often due jobs are checked. Default: 1s
	Tick time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Scheduler runs registered jobs. A job never overlaps itself.
type Scheduler struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	tick    time.Duration
	now     func() time.Time

	mu      sync.Mutex
	jobs    map[string]*scheduledJob
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type scheduledJob struct {
	job      Job
	schedule Schedule
	nextRun  time.Time
	active   bool
	info     JobInfo
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	LastRun   time.Time `json:"last_run"`
	NextRun   time.Time `json:"next_run"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		logger:  logger.OrDefault(cfg.Logger).With(logger.Component("scheduler")),
		metrics: cfg.Metrics,
		tick:    cfg.Tick,
		now:     cfg.Now,
		jobs:    make(map[string]*scheduledJob),
	}
	if s.tick <= 0 {
		s.tick = time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Register adds a job. Its first run is one interval from now.
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	if job == nil {
		return ErrNilJob
	}
	if schedule == nil {
		return ErrNilSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, name)
	}
	sj := &scheduledJob{job: job, schedule: schedule, nextRun: schedule.Next(s.now())}
	sj.info = JobInfo{Name: name, Schedule: schedule.String()}
	s.jobs[name] = sj

	s.logger.Info("job registered",
		slog.String("job", name),
		slog.String("schedule", schedule.String()),
		slog.Time("next_run", sj.nextRun),
	)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start begins the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*scheduledJob
	for _, sj := range s.jobs {
		if !sj.active && !now.Before(sj.nextRun) {
			sj.active = true
			sj.nextRun = sj.schedule.Next(now)
			due = append(due, sj)
		}
	}
	s.mu.Unlock()

	for _, sj := range due {
		s.wg.Add(1)
		go func(sj *scheduledJob) {
			defer s.wg.Done()
			_ = s.run(ctx, sj)
		}(sj)
	}
}

// RunNow runs a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	sj, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if sj.active {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobStillRunning, name)
	}
	sj.active = true
	s.mu.Unlock()

	return s.run(ctx, sj)
}

// run executes a job already marked active.
func (s *Scheduler) run(ctx context.Context, sj *scheduledJob) error {
	name := sj.job.Name()
	started := s.now()

	err := sj.job.Run(ctx)
	took := s.now().Sub(started)
	s.metrics.ObserveJob(name, err, took)

	s.mu.Lock()
	sj.active = false
	sj.info.LastRun = started
	sj.info.Runs++
	sj.info.LastError = ""
	if err != nil {
		sj.info.Failures++
		sj.info.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed", slog.String("job", name), logger.Latency(took), logger.Err(err))
		return err
	}
	s.logger.Debug("job completed", slog.String("job", name), logger.Latency(took))
	return nil
}

// Jobs returns registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, sj := range s.jobs {
		info := sj.info
		info.NextRun = sj.nextRun
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
