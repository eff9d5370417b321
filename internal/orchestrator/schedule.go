package orchestrator

import (
	"context"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts the "@every <duration>" descriptor alongside standard
// 5-field expressions, grounded on internal/cron/scheduler.go's parser setup.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// intervalSchedule drives a periodic callback from a cron schedule rather
// than a raw time.Ticker, following the tick/fire split in
// internal/cron/scheduler.go: each firing recomputes its own next run time
// instead of relying on a fixed-period channel, so a slow callback doesn't
// cause a burst of queued ticks.
type intervalSchedule struct {
	sched cronlib.Schedule
}

// newIntervalSchedule builds a schedule that fires every d, expressed as an
// "@every" cron descriptor so the reconcile and orphan-GC loops share the
// same scheduling primitive the rest of this codebase uses for periodic work.
func newIntervalSchedule(d time.Duration) (*intervalSchedule, error) {
	sched, err := cronParser.Parse("@every " + d.String())
	if err != nil {
		return nil, err
	}
	return &intervalSchedule{sched: sched}, nil
}

// run blocks until ctx is canceled, invoking fn at each scheduled time.
func (s *intervalSchedule) run(ctx context.Context, fn func(context.Context)) {
	next := s.sched.Next(time.Now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fn(ctx)
			next = s.sched.Next(time.Now())
			timer.Reset(time.Until(next))
		}
	}
}
