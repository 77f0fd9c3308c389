package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunner_RunsImmediatelyAndOnTick(t *testing.T) {
	var n atomic.Int32
	r := NewRunner(Job{Name: "count", Interval: 10 * time.Millisecond, Run: func(ctx context.Context, now time.Time) error {
		n.Add(1)
		return nil
	}})
	ctx, cancel := context.WithCancel(context.Background())
	wait := r.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wait()
	if got := n.Load(); got < 3 {
		t.Errorf("runs = %d, want at least 3", got)
	}
}

func TestRunner_SkipsInvalidJobs(t *testing.T) {
	r := NewRunner(
		Job{Name: "no-interval", Run: func(context.Context, time.Time) error { t.Error("ran"); return nil }},
		Job{Name: "no-task", Interval: time.Millisecond},
	)
	ctx, cancel := context.WithCancel(context.Background())
	wait := r.Start(ctx)
	cancel()
	wait()
}

func TestRunner_RunOnce(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRunner()
	r.now = func() time.Time { return fixed }

	t.Run("passes tick time and bounds the run", func(t *testing.T) {
		var got time.Time
		var hasDeadline bool
		r.RunOnce(context.Background(), Job{Name: "x", Interval: time.Minute, Timeout: time.Second, Run: func(ctx context.Context, now time.Time) error {
			got = now
			_, hasDeadline = ctx.Deadline()
			return nil
		}})
		if !got.Equal(fixed) {
			t.Errorf("now = %v, want %v", got, fixed)
		}
		if !hasDeadline {
			t.Error("run context has no deadline")
		}
	})
	t.Run("error is logged not propagated", func(t *testing.T) {
		r.RunOnce(context.Background(), Job{Name: "x", Interval: time.Minute, Run: func(context.Context, time.Time) error {
			return errors.New("boom")
		}})
	})
	t.Run("panic is recovered", func(t *testing.T) {
		r.RunOnce(context.Background(), Job{Name: "x", Interval: time.Minute, Run: func(context.Context, time.Time) error {
			panic("boom")
		}})
	})
}

func TestRunner_FailingJobDoesNotStopOthers(t *testing.T) {
	var mu sync.Mutex
	runs := map[string]int{}
	mark := func(name string) {
		mu.Lock()
		runs[name]++
		mu.Unlock()
	}
	r := NewRunner(
		Job{Name: "bad", Interval: 5 * time.Millisecond, Run: func(context.Context, time.Time) error { mark("bad"); panic("boom") }},
		Job{Name: "good", Interval: 5 * time.Millisecond, Run: func(context.Context, time.Time) error { mark("good"); return nil }},
	)
	ctx, cancel := context.WithCancel(context.Background())
	wait := r.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := runs["bad"] >= 2 && runs["good"] >= 2
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wait()
	mu.Lock()
	defer mu.Unlock()
	if runs["bad"] < 2 || runs["good"] < 2 {
		t.Errorf("runs = %v, want both at least 2", runs)
	}
}
