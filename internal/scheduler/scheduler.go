// Package scheduler runs a job repeatedly on a schedule.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtzanidakis/synedrio/internal/schedule"
)

type Job func(ctx context.Context)

type Scheduler struct {
	name  string
	sched *schedule.Schedule
	job   Job
	now   func() time.Time
}

func New(name string, sched *schedule.Schedule, job Job) *Scheduler {
	return &Scheduler{
		name:  name,
		sched: sched,
		job:   job,
		now:   time.Now,
	}
}

// Start runs the job on every tick until ctx is done. Runs never overlap: a
// job that overruns its slot delays the next tick.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("scheduler started", "job", s.name, "schedule", s.sched.String())

	timer := time.NewTimer(s.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped", "job", s.name)
			return
		case <-timer.C:
			s.job(ctx)
			timer.Reset(s.untilNext())
		}
	}
}

func (s *Scheduler) untilNext() time.Duration {
	now := s.now()
	next, err := s.sched.Next(now)
	if err != nil {
		slog.Error("failed to compute next run", "job", s.name, "error", err)
		return time.Minute
	}
	if d := next.Sub(now); d > 0 {
		return d
	}
	return 0
}
