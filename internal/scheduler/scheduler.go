// Package scheduler runs the backtest of the previous day on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rewired-gh/polyedge/internal/logger"
	"github.com/rewired-gh/polyedge/internal/models"
)

// Job runs the backtest for one local day.
type Job func(ctx context.Context, date string) error

// Scheduler manages the nightly backtest.
type Scheduler struct {
	cron *cron.Cron
	job  Job
	ctx  context.Context
	loc  *time.Location
	now  func() time.Time
}

// New creates a Scheduler. Days are computed in loc; nil means UTC.
func New(ctx context.Context, job Job, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		job: job,
		ctx: ctx,
		loc: loc,
		now: time.Now,
	}
}

// Register schedules the nightly run. spec is a six-field cron expression
// with seconds.
func (s *Scheduler) Register(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.runYesterday); err != nil {
		return fmt.Errorf("register nightly backtest %q: %w", spec, err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("Scheduler started")
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.Info("Scheduler stopped")
}

// RunNow runs the job for yesterday immediately.
func (s *Scheduler) RunNow() error {
	return s.run(Yesterday(s.now(), s.loc))
}

// Next returns the next scheduled run time, or the zero time if none.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) runYesterday() {
	if err := s.RunNow(); err != nil {
		logger.Error("Nightly backtest failed: %v", err)
	}
}

func (s *Scheduler) run(date string) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	logger.Info("Running nightly backtest for %s", date)
	start := time.Now()
	if err := s.job(s.ctx, date); err != nil {
		return fmt.Errorf("backtest %s: %w", date, err)
	}
	logger.Info("Nightly backtest for %s finished in %s", date, time.Since(start).Round(time.Millisecond))
	return nil
}

// Yesterday returns the day before now's local day in loc.
func Yesterday(now time.Time, loc *time.Location) string {
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day()-1, 12, 0, 0, 0, loc).Format(models.DateLayout)
}
