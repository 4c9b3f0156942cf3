package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDuplicateKeyRejected(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	noop := func(ctx context.Context) {}
	if err := s.Add("refresh", time.Second, false, noop); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := s.Add("refresh", time.Second, false, noop); !errors.Is(err, ErrJobExists) {
		t.Fatalf("got %v, want ErrJobExists", err)
	}
}

func TestRunNowExecutesImmediately(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	done := make(chan struct{})
	err := s.Add("once", time.Hour, true, func(ctx context.Context) {
		close(done)
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runNow job did not execute")
	}
}

func TestJobRunsOnInterval(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	var runs atomic.Int32
	err := s.Add("tick", 20*time.Millisecond, false, func(ctx context.Context) {
		runs.Add(1)
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if runs.Load() < 2 {
		t.Fatalf("job ran %d times in 150ms at a 20ms interval", runs.Load())
	}
}

func TestRemoveCancelsJobContext(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	cancelled := make(chan struct{})
	err := s.Add("watch", 10*time.Millisecond, true, func(ctx context.Context) {
		<-ctx.Done()
		select {
		case <-cancelled:
		default:
			close(cancelled)
		}
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := s.Remove("watch"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if s.Has("watch") {
		t.Fatal("job still registered after remove")
	}

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("job context not cancelled on remove")
	}
}

func TestRemoveUnknownJob(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	if err := s.Remove("ghost"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("got %v, want ErrJobNotFound", err)
	}
}

func TestStopWaitsForJobs(t *testing.T) {
	s := New(nil)

	var running atomic.Int32
	_ = s.Add("busy", 10*time.Millisecond, true, func(ctx context.Context) {
		running.Add(1)
		defer running.Add(-1)
		time.Sleep(30 * time.Millisecond)
	})

	time.Sleep(15 * time.Millisecond)
	s.Stop()

	if running.Load() != 0 {
		t.Fatal("Stop returned while a job was still executing")
	}
	if err := s.Add("late", time.Second, false, func(ctx context.Context) {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("got %v, want ErrStopped after Stop", err)
	}
}

func TestPanickingJobKeepsRunning(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	var runs atomic.Int32
	err := s.Add("flaky", 20*time.Millisecond, true, func(ctx context.Context) {
		runs.Add(1)
		panic("job blew up")
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := runs.Load(); got < 2 {
		t.Fatalf("job ran %d times after panicking, want the interval loop to survive", got)
	}
	if !s.Has("flaky") {
		t.Fatal("panicking job was dropped from the scheduler")
	}
}

func TestPanickingJobDoesNotAffectOthers(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	if err := s.Add("bad", 20*time.Millisecond, true, func(ctx context.Context) {
		panic("boom")
	}); err != nil {
		t.Fatalf("add bad: %v", err)
	}

	var runs atomic.Int32
	if err := s.Add("good", 20*time.Millisecond, false, func(ctx context.Context) {
		runs.Add(1)
	}); err != nil {
		t.Fatalf("add good: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if runs.Load() < 2 {
		t.Fatalf("healthy job ran %d times alongside a panicking one", runs.Load())
	}
}
