// Package notify delivers security events to the external notification collaborator.
// Delivery to live clients is the collaborator's job; this package only publishes.
package notify

import (
	"context"
	"errors"
	"time"
)

// Event types published by the core.
const (
	EventIPBlocked          = "ip_blocked"
	EventSessionInvalidated = "session_invalidated"
	EventSessionRotated     = "session_rotated"
	EventCapacityWarning    = "session_capacity_warning"
	EventSessionChurn       = "session_churn"
	EventSubjectLocked      = "subject_locked"
	EventAnomalyAlert       = "anomaly_alert"
	EventIntegrityAlert     = "audit_integrity_alert"
	EventAdminRejected      = "admin_rpc_rejected"
)

// Event is the structured notification handed to the broadcaster.
type Event struct {
	Type       string            `json:"type"`
	SubjectRef string            `json:"subject_ref,omitempty"`
	SessionRef string            `json:"session_ref,omitempty"`
	Message    string            `json:"message"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Broadcaster publishes events. Callers treat delivery as best-effort: log and continue.
type Broadcaster interface {
	Broadcast(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Broadcast(context.Context, Event) error { return nil }

// Multi fans an event out to every broadcaster and joins their errors.
type Multi []Broadcaster

func (m Multi) Broadcast(ctx context.Context, e Event) error {
	var errs []error
	for _, b := range m {
		if b == nil {
			continue
		}
		if err := b.Broadcast(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
