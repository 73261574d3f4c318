package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/synedrio/internal/schedule"
)

func TestStartRunsJobOnInterval(t *testing.T) {
	sched, err := schedule.Parse("20ms")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	var runs atomic.Int32
	s := New("test", sched, func(ctx context.Context) { runs.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}

	if got := runs.Load(); got < 2 {
		t.Errorf("expected at least 2 runs, got %d", got)
	}
}

func TestStartStopsBeforeFirstTick(t *testing.T) {
	sched, _ := schedule.Parse("1h")
	var runs atomic.Int32
	s := New("idle", sched, func(ctx context.Context) { runs.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)

	if runs.Load() != 0 {
		t.Error("job must not run when context is already done")
	}
}

func TestUntilNextUsesClock(t *testing.T) {
	sched, _ := schedule.Parse("0 * * * *")
	s := New("hourly", sched, func(context.Context) {})
	s.now = func() time.Time { return time.Date(2025, 3, 1, 10, 45, 0, 0, time.UTC) }

	if got := s.untilNext(); got != 15*time.Minute {
		t.Errorf("expected 15m until next tick, got %v", got)
	}
}
