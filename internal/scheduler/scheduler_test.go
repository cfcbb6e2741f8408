package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJob(t *testing.T) {
	var calls atomic.Int32

	sched := New(nil)
	err := sched.AddJob("purge", "@every 1s", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d", sched.JobCount())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	if err := sched.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Start returned %v", err)
	}

	if calls.Load() == 0 {
		t.Error("expected at least one call")
	}
}

func TestAddJob_Replaces(t *testing.T) {
	sched := New(nil)
	var which atomic.Value
	sched.AddJob("sweep", "@every 1h", func(context.Context) error { which.Store("first"); return nil })
	sched.AddJob("sweep", "@every 2h", func(context.Context) error { which.Store("second"); return nil })

	if sched.JobCount() != 1 {
		t.Fatalf("JobCount = %d", sched.JobCount())
	}
	if err := sched.RunNow("sweep"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if which.Load() != "second" {
		t.Errorf("ran %v", which.Load())
	}
}

func TestInvalidSchedule(t *testing.T) {
	sched := New(nil)
	err := sched.AddJob("purge", "invalid-cron", func(context.Context) error { return nil })
	if err == nil {
		t.Error("expected error for invalid schedule")
	}
	if sched.JobCount() != 0 {
		t.Errorf("JobCount = %d", sched.JobCount())
	}
}

func TestRemoveJob(t *testing.T) {
	sched := New(nil)
	noop := func(context.Context) error { return nil }
	sched.AddJob("purge", "@every 1h", noop)
	sched.AddJob("alerts", "@every 2h", noop)

	if sched.JobCount() != 2 {
		t.Fatalf("JobCount = %d before remove", sched.JobCount())
	}

	sched.RemoveJob("purge")
	sched.RemoveJob("missing")
	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d after remove", sched.JobCount())
	}
	if jobs := sched.Jobs(); len(jobs) != 1 || jobs[0] != "alerts" {
		t.Errorf("Jobs = %v", jobs)
	}
}

func TestJobs_Sorted(t *testing.T) {
	sched := New(nil)
	noop := func(context.Context) error { return nil }
	sched.AddJob("sweep", "@every 1h", noop)
	sched.AddJob("alerts", "@every 1h", noop)
	sched.AddJob("purge", "@every 1h", noop)

	jobs := sched.Jobs()
	want := []string{"alerts", "purge", "sweep"}
	for i := range want {
		if jobs[i] != want[i] {
			t.Fatalf("Jobs = %v, want %v", jobs, want)
		}
	}
}

func TestRunNow(t *testing.T) {
	sched := New(nil)
	if err := sched.RunNow("missing"); err == nil {
		t.Error("expected error for unknown job")
	}

	// Errors and panics are logged, never propagated.
	sched.AddJob("fails", "@every 1h", func(context.Context) error { return errors.New("boom") })
	sched.AddJob("panics", "@every 1h", func(context.Context) error { panic("boom") })
	if err := sched.RunNow("fails"); err != nil {
		t.Errorf("RunNow(fails) = %v", err)
	}
	if err := sched.RunNow("panics"); err != nil {
		t.Errorf("RunNow(panics) = %v", err)
	}
}

func TestJobContextCancelledOnStop(t *testing.T) {
	sched := New(nil)
	var seen context.Context
	sched.AddJob("ctx", "@every 1h", func(ctx context.Context) error {
		seen = ctx
		return nil
	})
	sched.RunNow("ctx")
	if seen.Err() != nil {
		t.Fatal("job context cancelled before stop")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sched.Start(ctx)
	if seen.Err() == nil {
		t.Error("job context should be cancelled after stop")
	}
}
