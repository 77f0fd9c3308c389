package notify

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimited throttles events per (type, subject) so a subject stuck above a threshold does
// not flood the collaborator on every scan. Events over the limit are dropped.
type RateLimited struct {
	next  Broadcaster
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimited allows perMinute events per key with a burst of one.
// perMinute <= 0 disables throttling.
func NewRateLimited(next Broadcaster, perMinute float64) *RateLimited {
	lim := rate.Inf
	if perMinute > 0 {
		lim = rate.Limit(perMinute / 60)
	}
	return &RateLimited{next: next, limit: lim, burst: 1, limiters: map[string]*rate.Limiter{}}
}

// Broadcast forwards e unless its key has exhausted its budget.
func (r *RateLimited) Broadcast(ctx context.Context, e Event) error {
	if !r.allow(e.Type + "|" + e.SubjectRef) {
		return nil
	}
	return r.next.Broadcast(ctx, e)
}

func (r *RateLimited) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	return l.Allow()
}
