package memory

import (
	"context"
	"sort"
	"time"

	"docgate/internal/blocking/domain"
)

// BlockRepo implements the blocking repository on the Store.
type BlockRepo struct {
	s *Store
}

func cloneBlock(b *domain.IPBlock) *domain.IPBlock {
	c := *b
	if b.LiftedAt != nil {
		t := *b.LiftedAt
		c.LiftedAt = &t
	}
	return &c
}

func cloneIncident(inc *domain.Incident) *domain.Incident {
	c := *inc
	if inc.ResolvedAt != nil {
		t := *inc.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// LockIP is a no-op: transactions are already serialized store-wide.
func (r *BlockRepo) LockIP(context.Context, string) error { return nil }

func (r *BlockRepo) InsertFailure(ctx context.Context, f *domain.FailureRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.failures[f.ID]; ok {
		return ErrDuplicate
	}
	c := *f
	put(ctx, r.s.failures, f.ID, &c)
	return nil
}

func (r *BlockRepo) CountFailures(_ context.Context, ip string, since time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, f := range r.s.failures {
		if f.IP == ip && !f.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *BlockRepo) DeleteFailuresBefore(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, f := range r.s.failures {
		if f.OccurredAt.Before(before) {
			remove(ctx, r.s.failures, id)
			n++
		}
	}
	return n, nil
}

func (r *BlockRepo) GetBlock(_ context.Context, ip string) (*domain.IPBlock, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.blocks[ip]
	if !ok {
		return nil, nil
	}
	return cloneBlock(b), nil
}

func (r *BlockRepo) UpsertBlock(ctx context.Context, b *domain.IPBlock) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	put(ctx, r.s.blocks, b.IP, cloneBlock(b))
	return nil
}

func (r *BlockRepo) LiftBlock(ctx context.Context, ip string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.blocks[ip]
	if !ok || b.LiftedAt != nil {
		return nil
	}
	c := cloneBlock(b)
	c.LiftedAt = &at
	put(ctx, r.s.blocks, ip, c)
	return nil
}

func (r *BlockRepo) LiftExpired(ctx context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for ip, b := range r.s.blocks {
		if b.LiftedAt == nil && b.BlockedUntil.Before(now) {
			c := cloneBlock(b)
			at := now
			c.LiftedAt = &at
			put(ctx, r.s.blocks, ip, c)
			n++
		}
	}
	return n, nil
}

func (r *BlockRepo) ListActiveBlocks(_ context.Context, now time.Time) ([]*domain.IPBlock, error) {
	r.s.mu.Lock()
	var out []*domain.IPBlock
	for _, b := range r.s.blocks {
		if b.ActiveAt(now) {
			out = append(out, cloneBlock(b))
		}
	}
	r.s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].IP < out[j].IP
	})
	return out, nil
}

func (r *BlockRepo) InsertIncident(ctx context.Context, inc *domain.Incident) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.incidents[inc.IncidentID]; ok {
		return ErrDuplicate
	}
	for _, other := range r.s.incidents {
		if other.IP == inc.IP && !other.Resolved {
			return ErrDuplicate
		}
	}
	put(ctx, r.s.incidents, inc.IncidentID, cloneIncident(inc))
	return nil
}

func (r *BlockRepo) GetIncident(_ context.Context, incidentID string) (*domain.Incident, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	inc, ok := r.s.incidents[incidentID]
	if !ok {
		return nil, nil
	}
	return cloneIncident(inc), nil
}

func (r *BlockRepo) GetOpenIncident(_ context.Context, ip string) (*domain.Incident, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, inc := range r.s.incidents {
		if inc.IP == ip && !inc.Resolved {
			return cloneIncident(inc), nil
		}
	}
	return nil, nil
}

func (r *BlockRepo) ResolveIncident(ctx context.Context, incidentID, resolvedBy string, at time.Time, notes string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	inc, ok := r.s.incidents[incidentID]
	if !ok || inc.Resolved {
		return false, nil
	}
	c := cloneIncident(inc)
	c.Resolved, c.ResolvedBy, c.ResolvedAt, c.Notes = true, resolvedBy, &at, notes
	put(ctx, r.s.incidents, incidentID, c)
	return true, nil
}

func (r *BlockRepo) ListIncidents(_ context.Context, openOnly bool) ([]*domain.Incident, error) {
	r.s.mu.Lock()
	var out []*domain.Incident
	for _, inc := range r.s.incidents {
		if openOnly && inc.Resolved {
			continue
		}
		out = append(out, cloneIncident(inc))
	}
	r.s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].IncidentID < out[j].IncidentID
	})
	return out, nil
}
