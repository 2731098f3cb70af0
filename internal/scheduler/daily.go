// v0
// internal/scheduler/daily.go

// Package scheduler runs a job at every local midnight.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Job runs once per firing with the scheduled time.
type Job func(ctx context.Context, at time.Time)

// Daily fires Job at each midnight in its location. The next fire time is
// recomputed from the calendar after every run so DST changes and a slow
// job never accumulate drift.
type Daily struct {
	loc    *time.Location
	job    Job
	logger *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// NewDaily builds a daily scheduler. A nil location means time.Local.
func NewDaily(loc *time.Location, job Job, logger *slog.Logger) (*Daily, error) {
	if job == nil {
		return nil, errors.New("job is required")
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Daily{loc: loc, job: job, logger: logger, now: time.Now, after: after}, nil
}

func after(d time.Duration) <-chan time.Time {
	// a fired or abandoned timer is collected once unreferenced
	return time.NewTimer(d).C
}

// NextMidnight returns the first midnight in loc strictly after t.
func NextMidnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// Run blocks until ctx is done.
func (s *Daily) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		now := s.now()
		next := NextMidnight(now, s.loc)
		s.logger.Info("rollup_scheduled", slog.Time("next", next), slog.Duration("in", next.Sub(now)))
		select {
		case <-ctx.Done():
			return nil
		case <-s.after(next.Sub(now)):
		}
		s.logger.Info("rollup_fired", slog.Time("at", next))
		s.job(ctx, next)
	}
}
