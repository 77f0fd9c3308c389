package memory

import (
	"context"
	"sort"
	"time"

	"docgate/internal/audit/domain"
)

// AuditRepo implements the audit repository on the Store.
type AuditRepo struct {
	s *Store
}

func cloneRecord(r *domain.Record) *domain.Record {
	c := *r
	c.BeforeState = cloneState(r.BeforeState)
	c.AfterState = cloneState(r.AfterState)
	return &c
}

func cloneState(st domain.State) domain.State {
	if st == nil {
		return nil
	}
	out, err := domain.NormalizeState(st)
	if err != nil {
		return st
	}
	return out
}

func (a *AuditRepo) Insert(ctx context.Context, r *domain.Record) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if _, ok := a.s.audit[r.ID]; ok {
		return ErrDuplicate
	}
	put(ctx, a.s.audit, r.ID, cloneRecord(r))
	return nil
}

func (a *AuditRepo) GetByID(_ context.Context, id string) (*domain.Record, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	r, ok := a.s.audit[id]
	if !ok {
		return nil, nil
	}
	return cloneRecord(r), nil
}

func (a *AuditRepo) List(_ context.Context, f domain.Filter) ([]*domain.Record, error) {
	a.s.mu.Lock()
	var out []*domain.Record
	for _, r := range a.s.audit {
		if f.Actor != "" && r.Actor != f.Actor {
			continue
		}
		if f.ActionType != "" && r.ActionType != f.ActionType {
			continue
		}
		if f.MinRisk.Valid() && !r.RiskLevel.AtLeast(f.MinRisk) {
			continue
		}
		if !f.Since.IsZero() && r.OccurredAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !r.OccurredAt.Before(f.Until) {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	a.s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (a *AuditRepo) ListAfter(_ context.Context, afterID string, limit int) ([]*domain.Record, error) {
	a.s.mu.Lock()
	var out []*domain.Record
	for id, r := range a.s.audit {
		if id > afterID {
			out = append(out, cloneRecord(r))
		}
	}
	a.s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (a *AuditRepo) ListActorsSince(_ context.Context, since time.Time) ([]string, error) {
	a.s.mu.Lock()
	seen := make(map[string]struct{})
	for _, r := range a.s.audit {
		if !r.OccurredAt.Before(since) {
			seen[r.Actor] = struct{}{}
		}
	}
	a.s.mu.Unlock()
	out := make([]string, 0, len(seen))
	for actor := range seen {
		out = append(out, actor)
	}
	sort.Strings(out)
	return out, nil
}

func (a *AuditRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var n int64
	for id, r := range a.s.audit {
		if r.OccurredAt.Before(before) {
			remove(ctx, a.s.audit, id)
			n++
		}
	}
	return n, nil
}

// Tamper rewrites a stored record in place, bypassing the append-only contract. It exists so
// tests can simulate out-of-band modification of the underlying table.
func (a *AuditRepo) Tamper(id string, fn func(r *domain.Record)) bool {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	r, ok := a.s.audit[id]
	if !ok {
		return false
	}
	fn(r)
	return true
}
