/*
scheduler.go - Automated closing scheduler

PURPOSE:
  Runs the daily closing for each configured meal at its cron time and
  keeps the last report per meal for the API and logs.

DESIGN:
  - One cron entry per meal; the schedule comes from config (closing.schedules)
  - Each run closes the current day in the server's local time zone
  - Reruns are safe: postings carry per-user idempotency keys
  - Panics inside a job are recovered and logged by the cron chain

USAGE:
  scheduler := NewClosingScheduler(closer, schedules)
  scheduler.Start()
  // ... later
  scheduler.Stop(ctx)

SEE ALSO:
  - handlers.go: RunClosing endpoint (manual closing)
  - closing/closer.go: The closing run itself
*/
package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/closing"
	"github.com/jfemon8/Meal-Management-sub002/generic"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// ClosingScheduler triggers closing runs on a cron schedule.
type ClosingScheduler struct {
	closer    *closing.Closer
	schedules map[generic.MealType]cron.Schedule
	cron      *cron.Cron
	now       func() time.Time

	mu      sync.Mutex
	entries map[generic.MealType]cron.EntryID
	last    map[generic.MealType]closing.Report
}

// SchedulerOption configures a ClosingScheduler.
type SchedulerOption func(*ClosingScheduler)

// WithSchedulerClock replaces the clock that picks the day to close. The
// day is taken in the clock's own location, matching cron's wall clock.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *ClosingScheduler) { s.now = now }
}

// NewClosingScheduler creates a scheduler. Nothing runs until Start.
func NewClosingScheduler(closer *closing.Closer, schedules map[generic.MealType]cron.Schedule, opts ...SchedulerOption) *ClosingScheduler {
	s := &ClosingScheduler{
		closer:    closer,
		schedules: schedules,
		cron:      cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(log.StandardLogger())))),
		now:       time.Now,
		entries:   make(map[generic.MealType]cron.EntryID),
		last:      make(map[generic.MealType]closing.Report),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers one job per meal and starts the cron loop.
func (s *ClosingScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.schedules) == 0 {
		log.Info("Closing scheduler has no schedules, not starting")
		return
	}
	for meal, sched := range s.schedules {
		meal := meal
		s.entries[meal] = s.cron.Schedule(sched, cron.FuncJob(func() {
			if _, err := s.RunNow(context.Background(), meal); err != nil {
				log.WithError(err).WithField("meal", meal).Error("Scheduled closing failed")
			}
		}))
	}
	s.cron.Start()
	log.WithField("meals", len(s.entries)).Info("Closing scheduler started")
}

// Stop halts the scheduler and waits for running jobs or ctx, whichever ends first.
func (s *ClosingScheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		log.Info("Closing scheduler stopped")
	case <-ctx.Done():
		log.WithError(ctx.Err()).Warn("Closing scheduler stop timed out")
	}
}

// RunNow closes today's meal immediately and records the report.
func (s *ClosingScheduler) RunNow(ctx context.Context, meal generic.MealType) (closing.Report, error) {
	date := generic.LocalDayOf(s.now())
	report, err := s.closer.Run(ctx, date, meal)
	if err != nil {
		return report, err
	}
	s.mu.Lock()
	s.last[meal] = report
	s.mu.Unlock()
	return report, report.Err()
}

// LastRuns returns the most recent report per meal.
func (s *ClosingScheduler) LastRuns() map[generic.MealType]closing.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[generic.MealType]closing.Report, len(s.last))
	for m, r := range s.last {
		out[m] = r
	}
	return out
}

// NextRun is the upcoming trigger time of one meal.
type NextRun struct {
	Meal generic.MealType
	At   time.Time
}

// NextRuns lists upcoming runs ordered by time. Empty before Start.
func (s *ClosingScheduler) NextRuns() []NextRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NextRun, 0, len(s.entries))
	for meal, id := range s.entries {
		out = append(out, NextRun{Meal: meal, At: s.cron.Entry(id).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}
