package notify

import (
	"context"
	"log"
	"time"
)

// emitTimeout is the max time allowed for a single async broadcast.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after the server stops before shutting down
// providers, so in-flight async broadcasts have time to complete. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// Async wraps a Broadcaster so Broadcast returns immediately and delivery runs in a goroutine.
type Async struct {
	next Broadcaster
}

// NewAsync returns next wrapped for fire-and-forget delivery.
func NewAsync(next Broadcaster) *Async {
	return &Async{next: next}
}

// Broadcast starts delivery and returns nil. The goroutine uses context.Background() with
// emitTimeout so request cancellation does not abort an in-flight publish; errors are logged.
func (a *Async) Broadcast(_ context.Context, e Event) error {
	if a == nil || a.next == nil {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := a.next.Broadcast(ctx, e); err != nil {
			log.Printf("notify: async broadcast %s failed: %v", e.Type, err)
		}
	}()
	return nil
}

// Send broadcasts e on b and logs a failure. Used where the caller has nothing to do on error.
func Send(ctx context.Context, b Broadcaster, e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := b.Broadcast(ctx, e); err != nil {
		log.Printf("notify: broadcast %s failed: %v", e.Type, err)
	}
}
