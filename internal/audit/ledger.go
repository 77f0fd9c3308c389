// Package audit implements the append-only audit ledger, its keyed checksums and the
// middleware that records administrative actions.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docgate/internal/audit/domain"
	auditrepo "docgate/internal/audit/repository"
)

// Action types written by the core components.
const (
	ActionTokenIssue          = "token.issue"
	ActionTokenVerify         = "token.verify"
	ActionIPBlock             = "ip.block"
	ActionIncidentResolve     = "incident.resolve"
	ActionSessionCreate       = "session.create"
	ActionSessionRotate       = "session.rotate"
	ActionSessionLogout       = "session.logout"
	ActionSessionInvalidate   = "session.invalidate"
	ActionSessionIntegrity    = "session.integrity_violation"
	ActionSessionFactorReject = "session.factor_rejected"
	ActionSubjectLock         = "subject.lock"
	ActionSubjectUnlock       = "subject.unlock"
	ActionAccessAllow         = "access.allow"
	ActionAccessDeny          = "access.deny"
	ActionAnomalyAlert        = "anomaly.alert"
	ActionIntegrityScan       = "audit.integrity_scan"
	ActionAuditRead           = "audit.read"
	ActionAnomalyScore        = "anomaly.score"
	ActionRPCDenied           = "rpc.denied"
)

var (
	// ErrInvalidRecord is returned when a record lacks actor or action type or has an unknown risk level.
	ErrInvalidRecord = errors.New("invalid audit record")
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("audit record not found")
)

// Appender is the write side of the ledger used by other components.
type Appender interface {
	Append(ctx context.Context, r domain.Record) (string, error)
}

// Ledger is the AuditLedger: Append is the only mutation path besides retention.
type Ledger struct {
	repo    auditrepo.Repository
	sums    *Checksummer
	timeout time.Duration
	now     func() time.Time
}

// NewLedger returns a Ledger storing to repo and sealing records with key.
// timeout bounds every store call; zero disables the bound.
func NewLedger(repo auditrepo.Repository, key []byte, timeout time.Duration) *Ledger {
	return &Ledger{repo: repo, sums: NewChecksummer(key), timeout: timeout, now: time.Now}
}

func (l *Ledger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}

// Append assigns an id and timestamp (unless set), normalizes the states, seals the record
// and stores it. It returns the new record id.
func (l *Ledger) Append(ctx context.Context, r domain.Record) (string, error) {
	if r.Actor == "" || r.ActionType == "" {
		return "", ErrInvalidRecord
	}
	if r.RiskLevel == "" {
		r.RiskLevel = domain.RiskLow
	}
	if !r.RiskLevel.Valid() {
		return "", ErrInvalidRecord
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("audit: id: %w", err)
	}
	r.ID = id.String()
	if r.OccurredAt.IsZero() {
		r.OccurredAt = l.now()
	}
	r.OccurredAt = CanonicalTime(r.OccurredAt)
	if r.BeforeState, err = domain.NormalizeState(r.BeforeState); err != nil {
		return "", err
	}
	if r.AfterState, err = domain.NormalizeState(r.AfterState); err != nil {
		return "", err
	}
	if r.Checksum, err = l.sums.Sum(&r); err != nil {
		return "", err
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	if err := l.repo.Insert(ctx, &r); err != nil {
		return "", fmt.Errorf("audit: append: %w", err)
	}
	return r.ID, nil
}

// Correct appends r as a correction of originalID. The original is left untouched.
func (l *Ledger) Correct(ctx context.Context, originalID string, r domain.Record) (string, error) {
	orig, err := l.get(ctx, originalID)
	if err != nil {
		return "", err
	}
	r.CorrectsID = orig.ID
	if r.ResourceRef == "" {
		r.ResourceRef = orig.ResourceRef
	}
	return l.Append(ctx, r)
}

// VerifyOne recomputes the checksum of record id.
func (l *Ledger) VerifyOne(ctx context.Context, id string) (domain.Verification, error) {
	r, err := l.get(ctx, id)
	if err != nil {
		return domain.Verification{ID: id}, err
	}
	return l.sums.Verify(r), nil
}

// VerifyBatch verifies up to limit records with id greater than afterID, in id order.
// Each record costs one hash; pass the returned LastID to continue.
func (l *Ledger) VerifyBatch(ctx context.Context, afterID string, limit int) (domain.BatchResult, error) {
	if limit <= 0 {
		limit = 500
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	recs, err := l.repo.ListAfter(ctx, afterID, limit)
	if err != nil {
		return domain.BatchResult{}, fmt.Errorf("audit: verify batch: %w", err)
	}
	res := domain.BatchResult{LastID: afterID}
	for _, r := range recs {
		res.Checked++
		if l.sums.Verify(r).Valid {
			res.Valid++
		} else {
			res.Invalid++
			res.InvalidIDs = append(res.InvalidIDs, r.ID)
		}
		res.LastID = r.ID
	}
	return res, nil
}

// VerifyAll walks the whole ledger in batches of batchSize and returns the combined result.
func (l *Ledger) VerifyAll(ctx context.Context, batchSize int) (domain.BatchResult, error) {
	var total domain.BatchResult
	after := ""
	for {
		res, err := l.VerifyBatch(ctx, after, batchSize)
		if err != nil {
			return total, err
		}
		total.Checked += res.Checked
		total.Valid += res.Valid
		total.Invalid += res.Invalid
		total.InvalidIDs = append(total.InvalidIDs, res.InvalidIDs...)
		if res.Checked == 0 {
			return total, nil
		}
		total.LastID = res.LastID
		after = res.LastID
	}
}

// List returns records matching f.
func (l *Ledger) List(ctx context.Context, f domain.Filter) ([]*domain.Record, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	recs, err := l.repo.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return recs, nil
}

// ActorsSince returns the actors with at least one record at or after since.
func (l *Ledger) ActorsSince(ctx context.Context, since time.Time) ([]string, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.repo.ListActorsSince(ctx, since)
}

// Retain deletes records that occurred before olderThan. It is the only deletion path and is
// only called by the retention job.
func (l *Ledger) Retain(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	n, err := l.repo.DeleteBefore(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("audit: retain: %w", err)
	}
	return n, nil
}

func (l *Ledger) get(ctx context.Context, id string) (*domain.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	r, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("audit: get: %w", err)
	}
	if r == nil {
		return nil, ErrNotFound
	}
	return r, nil
}
