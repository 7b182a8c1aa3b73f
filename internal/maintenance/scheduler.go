// Package maintenance runs named periodic housekeeping jobs (spec §9
// component P) on cron schedules, distinct from the engine's own
// millisecond-precision timer.Scheduler. The engine creates and starts
// a Scheduler but registers no jobs on it. Grounded on the teacher's
// ruleRefreshRoutine/cacheCleanupRoutine ticker pattern, generalized
// from a hardcoded ticker interval to named, independently scheduled
// jobs via robfig/cron/v3 (the library the teacher's go.mod lists for
// scheduled tasks).
package maintenance

import (
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/ruleforge/engine/internal/errs"
)

// Job is a named maintenance task.
type Job struct {
	Name     string
	Schedule string // standard 5-field cron expression
	Run      func() error
}

// Scheduler runs registered Jobs on their cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// New creates a maintenance scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
		jobs:   make(map[string]cron.EntryID),
	}
}

// Register adds a job to the schedule. Re-registering a name replaces
// its prior schedule.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" {
		return errs.New(errs.InvalidArgument, "maintenance job name must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.jobs[job.Name]; ok {
		s.cron.Remove(id)
	}

	id, err := s.cron.AddFunc(job.Schedule, func() {
		if err := job.Run(); err != nil {
			s.logger.Error("maintenance job failed", "job", job.Name, "error", err)
		} else {
			s.logger.Debug("maintenance job completed", "job", job.Name)
		}
	})
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "invalid cron schedule for job "+job.Name, err)
	}
	s.jobs[job.Name] = id
	return nil
}

// Unregister removes job from the schedule.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
}

// Start begins running scheduled jobs in their own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
