package gate

import (
	"context"
	"fmt"
	"time"

	"docgate/internal/anomaly"
	"docgate/internal/audit"
	auditdomain "docgate/internal/audit/domain"
	blockdomain "docgate/internal/blocking/domain"
	"docgate/internal/notify"
	"docgate/internal/platform/rbac"
	sessiondomain "docgate/internal/session/domain"
)

// BlockAdmin is the incident side of the failure tracker. blocking.Tracker implements it.
type BlockAdmin interface {
	ListBlocks(ctx context.Context, now time.Time) ([]*blockdomain.IPBlock, error)
	ListIncidents(ctx context.Context, openOnly bool) ([]*blockdomain.Incident, error)
	ResolveIncident(ctx context.Context, incidentID string, resolver rbac.Identity, notes string, now time.Time) error
}

// SessionAdmin is the administrative side of the session registry. session.Registry implements it.
type SessionAdmin interface {
	InvalidateAll(ctx context.Context, sc sessiondomain.Scope, actor string) (int, error)
	CountActive(ctx context.Context, role rbac.Role, subjectHash string) (int, error)
	UnlockSubject(ctx context.Context, subjectHash string, resolver rbac.Identity) error
}

// AuditReader reads and verifies the ledger. audit.Ledger implements it.
type AuditReader interface {
	List(ctx context.Context, f auditdomain.Filter) ([]*auditdomain.Record, error)
	VerifyOne(ctx context.Context, id string) (auditdomain.Verification, error)
	VerifyBatch(ctx context.Context, afterID string, limit int) (auditdomain.BatchResult, error)
}

// ScoreReader computes anomaly scores. anomaly.Scorer implements it.
type ScoreReader interface {
	Score(ctx context.Context, subject string, windowMinutes int, now time.Time) (anomaly.Result, error)
}

// Admin is the facade the admin surface calls. Every method requires an admin or super_admin
// caller; reads of the audit trail and scores, integrity checks and invalidations are recorded
// through the audit middleware.
type Admin struct {
	blocks   BlockAdmin
	sessions SessionAdmin
	ledger   AuditReader
	scorer   ScoreReader
	mw       *audit.Middleware
	events   notify.Broadcaster
}

// NewAdmin returns an Admin. events may be nil.
func NewAdmin(blocks BlockAdmin, sessions SessionAdmin, ledger AuditReader, scorer ScoreReader, appender audit.Appender, events notify.Broadcaster) *Admin {
	if events == nil {
		events = notify.Nop{}
	}
	return &Admin{blocks: blocks, sessions: sessions, ledger: ledger, scorer: scorer, mw: audit.NewMiddleware(appender), events: events}
}

// asCaller checks the caller and names it as the actor of records written under the returned
// context, keeping any IP already carried by ctx.
func asCaller(ctx context.Context, caller rbac.Identity) (context.Context, error) {
	if err := rbac.RequireAdmin(caller); err != nil {
		return ctx, err
	}
	_, ip := audit.ActorFromContext(ctx, "")
	return audit.WithActor(ctx, caller.String(), ip), nil
}

// ListBlocks returns the blocks active at now.
func (a *Admin) ListBlocks(ctx context.Context, caller rbac.Identity, now time.Time) ([]*blockdomain.IPBlock, error) {
	if _, err := asCaller(ctx, caller); err != nil {
		return nil, err
	}
	return a.blocks.ListBlocks(ctx, now)
}

// ListIncidents returns incidents, newest first; openOnly drops resolved ones.
func (a *Admin) ListIncidents(ctx context.Context, caller rbac.Identity, openOnly bool) ([]*blockdomain.Incident, error) {
	if _, err := asCaller(ctx, caller); err != nil {
		return nil, err
	}
	return a.blocks.ListIncidents(ctx, openOnly)
}

// ResolveIncident lifts the incident's block. The tracker audits the resolution.
func (a *Admin) ResolveIncident(ctx context.Context, caller rbac.Identity, incidentID, notes string, now time.Time) error {
	ctx, err := asCaller(ctx, caller)
	if err != nil {
		return err
	}
	return a.blocks.ResolveIncident(ctx, incidentID, caller, notes, now)
}

// ListAuditRecords returns records matching f. The read itself is audited.
func (a *Admin) ListAuditRecords(ctx context.Context, caller rbac.Identity, f auditdomain.Filter) ([]*auditdomain.Record, error) {
	ctx, err := asCaller(ctx, caller)
	if err != nil {
		return nil, err
	}
	var recs []*auditdomain.Record
	err = a.mw.Wrap(ctx, audit.Action{Type: audit.ActionAuditRead, ResourceRef: "audit_records", Risk: auditdomain.RiskLow, FailureRisk: auditdomain.RiskMedium},
		func(ctx context.Context) (audit.Outcome, error) {
			var err error
			recs, err = a.ledger.List(ctx, f)
			return audit.Outcome{After: auditdomain.State{"returned": len(recs), "filter": filterState(f)}}, err
		})
	return recs, err
}

// VerifyRecord recomputes one record's checksum.
func (a *Admin) VerifyRecord(ctx context.Context, caller rbac.Identity, id string) (auditdomain.Verification, error) {
	ctx, err := asCaller(ctx, caller)
	if err != nil {
		return auditdomain.Verification{}, err
	}
	var v auditdomain.Verification
	err = a.mw.Wrap(ctx, audit.Action{Type: audit.ActionIntegrityScan, ResourceRef: "audit_record:" + id, Risk: auditdomain.RiskLow},
		func(ctx context.Context) (audit.Outcome, error) {
			var err error
			v, err = a.ledger.VerifyOne(ctx, id)
			return audit.Outcome{After: auditdomain.State{"valid": v.Valid}}, err
		})
	if err == nil && !v.Valid {
		a.integrityAlert(ctx, 1, []string{id})
	}
	return v, err
}

// VerifyBatch verifies up to limit records after afterID. Invalid records raise an
// integrity alert.
func (a *Admin) VerifyBatch(ctx context.Context, caller rbac.Identity, afterID string, limit int) (auditdomain.BatchResult, error) {
	ctx, err := asCaller(ctx, caller)
	if err != nil {
		return auditdomain.BatchResult{}, err
	}
	var res auditdomain.BatchResult
	err = a.mw.Wrap(ctx, audit.Action{Type: audit.ActionIntegrityScan, ResourceRef: "audit_records", Risk: auditdomain.RiskLow},
		func(ctx context.Context) (audit.Outcome, error) {
			var err error
			res, err = a.ledger.VerifyBatch(ctx, afterID, limit)
			return audit.Outcome{After: auditdomain.State{
				"after_id": afterID, "checked": res.Checked, "invalid": res.Invalid, "invalid_ids": res.InvalidIDs,
			}}, err
		})
	if err == nil && res.Invalid > 0 {
		a.integrityAlert(ctx, res.Invalid, res.InvalidIDs)
	}
	return res, err
}

func (a *Admin) integrityAlert(ctx context.Context, n int, ids []string) {
	notify.Send(ctx, a.events, notify.Event{
		Type:       notify.EventIntegrityAlert,
		Message:    fmt.Sprintf("%d audit record(s) failed checksum verification", n),
		Attributes: map[string]string{"first_invalid_id": ids[0]},
	})
}

// GetAnomalyScore scores subject ("role:subjectHash") over windowMinutes (the configured
// window when zero).
func (a *Admin) GetAnomalyScore(ctx context.Context, caller rbac.Identity, subject string, windowMinutes int, now time.Time) (anomaly.Result, error) {
	ctx, err := asCaller(ctx, caller)
	if err != nil {
		return anomaly.Result{}, err
	}
	var res anomaly.Result
	err = a.mw.Wrap(ctx, audit.Action{Type: audit.ActionAnomalyScore, ResourceRef: "subject:" + subject, Risk: auditdomain.RiskLow, FailureRisk: auditdomain.RiskLow},
		func(ctx context.Context) (audit.Outcome, error) {
			var err error
			res, err = a.scorer.Score(ctx, subject, windowMinutes, now)
			return audit.Outcome{After: auditdomain.State{"score": res.Score}}, err
		})
	return res, err
}

// InvalidateSessions tears down every session in scope. The registry audits the invalidation.
func (a *Admin) InvalidateSessions(ctx context.Context, caller rbac.Identity, sc sessiondomain.Scope) (int, error) {
	ctx, err := asCaller(ctx, caller)
	if err != nil {
		return 0, err
	}
	if sc.Kind == sessiondomain.ScopeAll && caller.Role != rbac.RoleSuperAdmin {
		return 0, rbac.ErrForbidden
	}
	return a.sessions.InvalidateAll(ctx, sc, caller.String())
}

// CountActiveSessions counts live sessions for role (all roles when empty) and, when set, subject.
func (a *Admin) CountActiveSessions(ctx context.Context, caller rbac.Identity, role rbac.Role, subjectHash string) (int, error) {
	if _, err := asCaller(ctx, caller); err != nil {
		return 0, err
	}
	return a.sessions.CountActive(ctx, role, subjectHash)
}

// UnlockSubject releases a subject lock. The registry audits the release.
func (a *Admin) UnlockSubject(ctx context.Context, caller rbac.Identity, subjectHash string) error {
	ctx, err := asCaller(ctx, caller)
	if err != nil {
		return err
	}
	return a.sessions.UnlockSubject(ctx, subjectHash, caller)
}

func filterState(f auditdomain.Filter) map[string]any {
	m := map[string]any{}
	if f.Actor != "" {
		m["actor"] = f.Actor
	}
	if f.ActionType != "" {
		m["action_type"] = f.ActionType
	}
	if f.MinRisk != "" {
		m["min_risk"] = string(f.MinRisk)
	}
	if !f.Since.IsZero() {
		m["since"] = f.Since.UTC().Format(time.RFC3339)
	}
	if !f.Until.IsZero() {
		m["until"] = f.Until.UTC().Format(time.RFC3339)
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	return m
}
