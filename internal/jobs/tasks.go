package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"docgate/internal/anomaly"
	"docgate/internal/audit"
	auditdomain "docgate/internal/audit/domain"
	blockdomain "docgate/internal/blocking/domain"
	"docgate/internal/notify"
)

// BlockSweeper prunes failure records and lifts expired blocks. *blocking.Tracker implements it.
type BlockSweeper interface {
	Sweep(ctx context.Context, now time.Time) (blockdomain.SweepResult, error)
}

// SessionSweeper deletes expired sessions. *session.Registry implements it.
type SessionSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// GrantSweeper deletes expired token grants. *token.Service implements it.
type GrantSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// AnomalyScanner evaluates recently active subjects. *anomaly.Scanner implements it.
type AnomalyScanner interface {
	Run(ctx context.Context, now time.Time) (anomaly.ScanReport, error)
}

// Retainer deletes audit records older than a cutoff. *audit.Ledger implements it.
type Retainer interface {
	Retain(ctx context.Context, olderThan time.Time) (int64, error)
}

// BatchVerifier verifies ledger checksums in id order. *audit.Ledger implements it.
type BatchVerifier interface {
	VerifyBatch(ctx context.Context, afterID string, limit int) (auditdomain.BatchResult, error)
}

// BlockSweep returns the failure/block maintenance job.
func BlockSweep(t BlockSweeper, every time.Duration) Job {
	return Job{Name: "block_sweep", Interval: every, Run: func(ctx context.Context, now time.Time) error {
		res, err := t.Sweep(ctx, now)
		if err != nil {
			return err
		}
		if res.FailuresDeleted > 0 || res.BlocksLifted > 0 {
			log.Printf("jobs: block_sweep pruned %d failures, lifted %d blocks", res.FailuresDeleted, res.BlocksLifted)
		}
		return nil
	}}
}

// SessionSweep returns the expired-session cleanup job.
func SessionSweep(s SessionSweeper, every time.Duration) Job {
	return Job{Name: "session_sweep", Interval: every, Run: func(ctx context.Context, now time.Time) error {
		n, err := s.SweepExpired(ctx, now)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Printf("jobs: session_sweep removed %d sessions", n)
		}
		return nil
	}}
}

// GrantSweep returns the expired-grant cleanup job.
func GrantSweep(g GrantSweeper, every time.Duration) Job {
	return Job{Name: "grant_sweep", Interval: every, Run: func(ctx context.Context, now time.Time) error {
		n, err := g.SweepExpired(ctx, now)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Printf("jobs: grant_sweep removed %d grants", n)
		}
		return nil
	}}
}

// AnomalyScan returns the periodic anomaly evaluation job.
func AnomalyScan(s AnomalyScanner, every time.Duration) Job {
	return Job{Name: "anomaly_scan", Interval: every, Run: func(ctx context.Context, now time.Time) error {
		rep, err := s.Run(ctx, now)
		if err != nil {
			return err
		}
		if rep.Alerts > 0 || rep.Locks > 0 || rep.Errors > 0 {
			log.Printf("jobs: anomaly_scan scanned %d, alerts %d, locks %d, errors %d", rep.Scanned, rep.Alerts, rep.Locks, rep.Errors)
		}
		return nil
	}}
}

// AuditRetention returns the job deleting audit records older than retention.
func AuditRetention(r Retainer, retention, every time.Duration) Job {
	return Job{Name: "audit_retention", Interval: every, Run: func(ctx context.Context, now time.Time) error {
		n, err := r.Retain(ctx, now.Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			log.Printf("jobs: audit_retention deleted %d records", n)
		}
		return nil
	}}
}

// Verifier walks the ledger one batch per run, wrapping to the start after the last record.
// Invalid records raise an integrity alert and a critical audit record.
type Verifier struct {
	ledger BatchVerifier
	sink   audit.Appender
	events notify.Broadcaster
	batch  int

	mu     sync.Mutex
	cursor string
}

// NewVerifier returns a Verifier checking batch records per run. events may be nil.
func NewVerifier(ledger BatchVerifier, sink audit.Appender, events notify.Broadcaster, batch int) *Verifier {
	if events == nil {
		events = notify.Nop{}
	}
	return &Verifier{ledger: ledger, sink: sink, events: events, batch: batch}
}

// Job returns the verifier as a periodic job.
func (v *Verifier) Job(every time.Duration) Job {
	return Job{Name: "audit_verify", Interval: every, Run: func(ctx context.Context, now time.Time) error {
		_, err := v.Step(ctx, now)
		return err
	}}
}

// Step verifies the next batch.
func (v *Verifier) Step(ctx context.Context, now time.Time) (auditdomain.BatchResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	res, err := v.ledger.VerifyBatch(ctx, v.cursor, v.batch)
	if err != nil {
		return res, fmt.Errorf("jobs: verify after %q: %w", v.cursor, err)
	}
	if res.Checked < v.batch {
		v.cursor = ""
	} else {
		v.cursor = res.LastID
	}
	if res.Invalid == 0 {
		return res, nil
	}
	log.Printf("jobs: audit_verify found %d invalid record(s), first %s", res.Invalid, res.InvalidIDs[0])
	if _, err := v.sink.Append(ctx, auditdomain.Record{
		Actor:       "system:audit_verify",
		ActionType:  audit.ActionIntegrityScan,
		ResourceRef: "audit_records",
		AfterState:  auditdomain.State{"checked": res.Checked, "invalid": res.Invalid, "invalid_ids": res.InvalidIDs},
		RiskLevel:   auditdomain.RiskCritical,
		OccurredAt:  now,
	}); err != nil {
		log.Printf("jobs: record integrity scan: %v", err)
	}
	notify.Send(ctx, v.events, notify.Event{
		Type:       notify.EventIntegrityAlert,
		Message:    fmt.Sprintf("%d audit record(s) failed checksum verification", res.Invalid),
		Timestamp:  now,
		Attributes: map[string]string{"first_invalid_id": res.InvalidIDs[0]},
	})
	return res, nil
}
