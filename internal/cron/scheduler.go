package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"procvisor/pkg/logger"
)

// Scheduler runs registered jobs with robfig/cron.
type Scheduler struct {
	cron    *cron.Cron
	log     *zerolog.Logger
	history *History

	mu      sync.RWMutex
	jobs    map[string]*Job
	entries map[string]cron.EntryID // job name -> entry ID
	running bool
	baseCtx context.Context
	cancel  context.CancelFunc

	// Track active executions for graceful shutdown
	wg sync.WaitGroup

	// Track currently executing jobs to prevent overlapping executions
	executing sync.Map // job name -> time.Time (start time)
}

// SchedulerConfig configures the scheduler.
type SchedulerConfig struct {
	// Location for time zone handling
	Location *time.Location
	// HistoryLimit is the number of runs kept per job.
	HistoryLimit int
}

// NewScheduler creates a scheduler. config may be nil.
func NewScheduler(config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = &SchedulerConfig{}
	}
	if config.Location == nil {
		config.Location = time.Local
	}

	log := logger.Component("cron")
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(config.Location),
		cron.WithLogger(cron.PrintfLogger(log)),
	)

	return &Scheduler{
		cron:    c,
		log:     log,
		history: NewHistory(config.HistoryLimit),
		jobs:    make(map[string]*Job),
		entries: make(map[string]cron.EntryID),
	}
}

// Register adds a job. Jobs registered after Start are scheduled immediately.
func (s *Scheduler) Register(job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.Name]; ok {
		return ErrJobExists
	}
	j := job
	s.jobs[j.Name] = &j

	if s.running {
		if err := s.addEntryLocked(&j); err != nil {
			delete(s.jobs, j.Name)
			return err
		}
	}
	return nil
}

// Unregister removes a job. A run in progress is not interrupted.
func (s *Scheduler) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; !ok {
		return ErrJobNotFound
	}
	if entryID, ok := s.entries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}
	delete(s.jobs, name)
	return nil
}

// Start schedules every registered job. Runs use a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler already running")
	}

	s.baseCtx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		if err := s.addEntryLocked(job); err != nil {
			s.log.Error().Err(err).Str("job_name", job.Name).Msg("failed to register job")
			continue
		}
	}

	s.cron.Start()
	s.running = true
	s.log.Info().Int("registered_jobs", len(s.entries)).Msg("scheduler started")
	return nil
}

// Stop stops scheduling and cancels running jobs. The returned context is
// done once every in-flight run has returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	cronCtx := s.cron.Stop()
	s.cancel()
	s.running = false
	for name, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		cancel()
	}()

	s.log.Info().Msg("scheduler stopped")
	return ctx
}

// RunNow executes a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (HistoryEntry, error) {
	s.mu.RLock()
	if !s.running {
		s.mu.RUnlock()
		return HistoryEntry{}, ErrSchedulerNotRunning
	}
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return HistoryEntry{}, ErrJobNotFound
	}

	if _, loaded := s.executing.LoadOrStore(name, time.Now()); loaded {
		return HistoryEntry{}, ErrJobRunning
	}
	defer s.executing.Delete(name)

	s.wg.Add(1)
	defer s.wg.Done()

	entry := s.execute(ctx, job)
	if entry.Status == StatusFailed {
		return entry, &ExecutionFailedError{JobName: name, Attempts: entry.Attempts, Cause: errors.New(entry.Error)}
	}
	return entry, nil
}

// NextRun returns the next scheduled run time for a job.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entryID, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return time.Time{}, false
	}
	return entry.Next, true
}

// Jobs returns the registered job names in sorted order.
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// History returns the run history of all jobs.
func (s *Scheduler) History() *History {
	return s.history
}

// addEntryLocked registers a job with the cron scheduler.
// Caller must hold s.mu.
func (s *Scheduler) addEntryLocked(job *Job) error {
	entryID, err := s.cron.AddFunc(NormalizeSchedule(job.Schedule), func() {
		s.executeScheduled(job)
	})
	if err != nil {
		return &InvalidScheduleError{Schedule: job.Schedule, Err: err}
	}
	s.entries[job.Name] = entryID
	return nil
}

// executeScheduled wraps a scheduled run with overlap tracking.
func (s *Scheduler) executeScheduled(job *Job) {
	startTime := time.Now()
	if prev, loaded := s.executing.LoadOrStore(job.Name, startTime); loaded {
		s.log.Warn().
			Str("job_name", job.Name).
			Time("previous_start", prev.(time.Time)).
			Msg("skipping overlapping execution, previous run still active")
		return
	}
	defer s.executing.Delete(job.Name)

	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.RLock()
	ctx := s.baseCtx
	s.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.execute(ctx, job)
}

// execute runs the job with its timeout and retry policy and records the result.
func (s *Scheduler) execute(ctx context.Context, job *Job) HistoryEntry {
	entry := HistoryEntry{JobName: job.Name, StartedAt: time.Now()}

	var err error
	for attempt := 0; ; attempt++ {
		entry.Attempts = attempt + 1
		err = s.runOnce(ctx, job)
		if err == nil || !job.Retry.ShouldRetry(attempt, err) {
			break
		}

		s.log.Warn().Err(err).Str("job_name", job.Name).Int("attempt", entry.Attempts).
			Msg("job failed, retrying")
		if werr := job.Retry.Wait(ctx, attempt); werr != nil {
			err = werr
			break
		}
	}

	entry.Duration = time.Since(entry.StartedAt)
	if err != nil {
		entry.Status = StatusFailed
		entry.Error = err.Error()
		s.log.Error().Err(err).Str("job_name", job.Name).Int("attempts", entry.Attempts).Msg("job failed")
	} else {
		entry.Status = StatusSuccess
		s.log.Debug().Str("job_name", job.Name).Dur("duration", entry.Duration).Msg("job finished")
	}
	s.history.Add(entry)
	return entry
}

func (s *Scheduler) runOnce(ctx context.Context, job *Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, job.timeout())
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = NonRetryable(panicError{value: r})
		}
	}()
	return job.Run(ctx)
}

type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}
