package audit

import (
	"context"
	"errors"
	"log"

	"docgate/internal/audit/domain"
)

// ErrNotRecorded is returned by Wrap when the wrapped operation succeeded but its audit
// record could not be appended.
var ErrNotRecorded = errors.New("action completed but audit record was not written")

// Action describes an audited operation.
type Action struct {
	Type        string
	ResourceRef string
	// Risk is recorded on success; FailureRisk (default high) when the operation fails.
	Risk        domain.RiskLevel
	FailureRisk domain.RiskLevel
}

// Outcome is what the wrapped operation reports for the record.
type Outcome struct {
	Before domain.State
	After  domain.State
	Notes  string
}

// Middleware appends an audit record after each wrapped operation.
type Middleware struct {
	ledger Appender
}

// NewMiddleware returns a Middleware writing to ledger.
func NewMiddleware(ledger Appender) *Middleware {
	return &Middleware{ledger: ledger}
}

// Wrap runs fn and appends one record for it, whether fn succeeded or not. The actor is read
// from ctx (see WithActor). On failure the risk is escalated and the error text is stored in
// the after state; fn's error is returned unchanged.
func (m *Middleware) Wrap(ctx context.Context, a Action, fn func(ctx context.Context) (Outcome, error)) error {
	out, err := fn(ctx)
	actor, ip := ActorFromContext(ctx, "unknown")
	rec := domain.Record{
		Actor:       actor,
		ActionType:  a.Type,
		ResourceRef: a.ResourceRef,
		BeforeState: out.Before,
		AfterState:  out.After,
		RiskLevel:   a.Risk,
		IP:          ip,
		Notes:       out.Notes,
	}
	if rec.RiskLevel == "" {
		rec.RiskLevel = domain.RiskMedium
	}
	if err != nil {
		failRisk := a.FailureRisk
		if failRisk == "" {
			failRisk = domain.RiskHigh
		}
		rec.RiskLevel = rec.RiskLevel.Max(failRisk)
		after := domain.State{}
		for k, v := range out.After {
			after[k] = v
		}
		after["outcome"] = "failed"
		after["error"] = err.Error()
		rec.AfterState = after
	}
	if _, appendErr := m.ledger.Append(ctx, rec); appendErr != nil {
		log.Printf("audit: failed to record %s on %s: %v", a.Type, a.ResourceRef, appendErr)
		if err == nil {
			return ErrNotRecorded
		}
	}
	return err
}
