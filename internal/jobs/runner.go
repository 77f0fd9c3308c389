// Package jobs runs the periodic maintenance tasks of cmd/worker. Tasks only touch expired or
// terminal rows, or read through the components' public contracts.
package jobs

import (
	"context"
	"log"
	"sync"
	"time"
)

// Job is one periodic task. Run receives the tick time in UTC.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one run; zero means Interval.
	Timeout time.Duration
	Run     func(ctx context.Context, now time.Time) error
}

// Runner runs jobs on their own tickers until its context is cancelled.
type Runner struct {
	jobs []Job
	now  func() time.Time
}

// NewRunner returns a Runner for jobs.
func NewRunner(jobs ...Job) *Runner {
	return &Runner{jobs: jobs, now: func() time.Time { return time.Now().UTC() }}
}

// Start runs every job once immediately, then on each tick. It returns a function that blocks
// until all job goroutines have exited; cancel ctx first.
func (r *Runner) Start(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	for _, j := range r.jobs {
		if j.Interval <= 0 || j.Run == nil {
			log.Printf("jobs: %s skipped: no interval or task", j.Name)
			continue
		}
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			r.loop(ctx, j)
		}(j)
	}
	return wg.Wait
}

func (r *Runner) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	r.RunOnce(ctx, j)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx, j)
		}
	}
}

// RunOnce runs j with its timeout and logs the outcome. A panic in the task is recovered and
// logged so one job cannot stop the others.
func (r *Runner) RunOnce(ctx context.Context, j Job) {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = j.Interval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			log.Printf("jobs: %s panicked: %v", j.Name, p)
		}
	}()
	start := time.Now()
	if err := j.Run(ctx, r.now()); err != nil {
		log.Printf("jobs: %s failed after %s: %v", j.Name, time.Since(start).Round(time.Millisecond), err)
	}
}
