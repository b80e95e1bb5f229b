/*
scheduler.go - Automated monthly settlement runs

PURPOSE:
  On a cron schedule (default: 02:00 on the 1st of each month) enqueue a
  settlement run for every active instructor covering the previous
  calendar month in the studio's time zone.

DESIGN:
  - robfig/cron with SkipIfStillRunning so a slow tick never overlaps
    the next one
  - A run already queued, running or completed for the same instructor
    and period is not enqueued again
  - RunOnce is exported so operators and tests can trigger a tick

SEE ALSO:
  - worker.go: Executes the enqueued runs
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/warp/studio-engine/logger"
	"github.com/warp/studio-engine/studio"
)

const DefaultSettlementCron = "0 2 1 * *"

// InstructorLister is the part of the store the scheduler reads.
type InstructorLister interface {
	ListInstructors(ctx context.Context, activeOnly bool) ([]studio.Instructor, error)
}

// SettlementScheduler enqueues monthly runs.
type SettlementScheduler struct {
	Instructors InstructorLister
	Worker      *SettlementWorker
	Location    *time.Location
	Log         *logger.Logger
	Now         studio.Clock

	cron *cron.Cron
}

func NewSettlementScheduler(instructors InstructorLister, worker *SettlementWorker, loc *time.Location, log *logger.Logger) *SettlementScheduler {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logger.Discard()
	}
	return &SettlementScheduler{Instructors: instructors, Worker: worker, Location: loc, Log: log}
}

// Start registers spec and starts the cron loop.
func (s *SettlementScheduler) Start(spec string) error {
	if spec == "" {
		spec = DefaultSettlementCron
	}
	cl := cronLogger{log: s.Log}
	s.cron = cron.New(
		cron.WithLocation(s.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.Log.Error("Scheduled settlement tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("settlement cron %q: %w", spec, err)
	}
	s.cron.Start()
	s.Log.Info("Settlement scheduler started", "schedule", spec, "location", s.Location.String())
	return nil
}

// Stop halts the cron loop and waits for a running tick.
func (s *SettlementScheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.Log.Info("Settlement scheduler stopped")
}

// RunOnce enqueues the previous month for every active instructor and
// returns how many runs were enqueued.
func (s *SettlementScheduler) RunOnce(ctx context.Context) (int, error) {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	period := PreviousMonth(now, s.Location)

	instructors, err := s.Instructors.ListInstructors(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("list instructors: %w", err)
	}
	runs, err := s.Worker.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list settlement runs: %w", err)
	}
	covered := make(map[studio.InstructorID]bool)
	for _, r := range runs {
		if !r.PeriodStart.Equal(period.Start) || !r.PeriodEnd.Equal(period.End) {
			continue
		}
		switch r.Status {
		case studio.RunQueued, studio.RunRunning, studio.RunCompleted, studio.RunEmpty:
			covered[r.InstructorID] = true
		}
	}

	n := 0
	for _, in := range instructors {
		if covered[in.ID] {
			continue
		}
		if _, err := s.Worker.Enqueue(ctx, in.ID, period); err != nil {
			return n, fmt.Errorf("enqueue %s: %w", in.ID, err)
		}
		n++
	}
	s.Log.Info("Scheduled settlement runs", "period", period.String(), "enqueued", n, "skipped", len(instructors)-n)
	return n, nil
}

// PreviousMonth returns the calendar month before the one containing now,
// with month boundaries taken in loc.
func PreviousMonth(now time.Time, loc *time.Location) studio.Interval {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	thisMonth := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	return studio.Interval{Start: thisMonth.AddDate(0, -1, 0).UTC(), End: thisMonth.UTC()}
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
