// Package scheduler runs the periodic jobs of the sales intelligence
// service: the daily pipeline, CRM syncs, smart alerts and the weekly score
// push.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/onsite-teams/salesintel/internal/metrics"
)

// Job is a named unit of scheduled work.
type Job struct {
	Name     string
	Schedule Schedule
	// Timeout bounds one execution. Zero means no bound.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler fires each job at its schedule's times. A job never overlaps
// itself: a fire time that passes while the job is still running is skipped.
type Scheduler struct {
	jobs []Job
	now  func() time.Time

	mu       sync.Mutex
	lastRuns map[string]time.Time
}

// New creates a scheduler for the given jobs.
func New(jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs:     jobs,
		now:      time.Now,
		lastRuns: make(map[string]time.Time),
	}
}

// Jobs returns the registered job names with their next fire time.
func (s *Scheduler) Jobs() map[string]time.Time {
	now := s.now()
	out := make(map[string]time.Time, len(s.jobs))
	for _, j := range s.jobs {
		out[j.Name] = j.Schedule.Next(now)
	}
	return out
}

// LastRun returns when the named job last started, if ever.
func (s *Scheduler) LastRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastRuns[name]
	return t, ok
}

// Run starts one loop per job. It blocks until ctx is cancelled and all
// in-flight executions have returned.
func (s *Scheduler) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "scheduler"))
	log.Info("starting scheduler", zap.Int("jobs", len(s.jobs)))
	if len(s.jobs) == 0 {
		<-ctx.Done()
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		g.Go(func() error {
			s.loop(ctx, job, log.With(zap.String("job", job.Name)))
			return nil
		})
	}
	err := g.Wait()
	log.Info("scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, job Job, log *zap.Logger) {
	for {
		next := job.Schedule.Next(s.now())
		log.Debug("next run scheduled", zap.Time("at", next))

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.fire(ctx, job, log)
	}
}

func (s *Scheduler) fire(ctx context.Context, job Job, log *zap.Logger) {
	start := s.now()
	s.mu.Lock()
	s.lastRuns[job.Name] = start
	s.mu.Unlock()

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	err := safeRun(runCtx, job)
	elapsed := s.now().Sub(start)
	if err != nil {
		metrics.SchedulerJobs.WithLabelValues(job.Name, "error").Inc()
		log.Error("scheduled job failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return
	}
	metrics.SchedulerJobs.WithLabelValues(job.Name, "success").Inc()
	log.Info("scheduled job complete", zap.Duration("elapsed", elapsed))
}

// safeRun converts a panic in a job into an error so one job cannot take
// down the others.
func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("scheduler: job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}
