package memory

import (
	"context"
	"time"

	"docgate/internal/token/domain"
)

// GrantRepo implements the token grant repository on the Store.
type GrantRepo struct {
	s *Store
}

func cloneGrant(g *domain.Grant) *domain.Grant {
	c := *g
	if g.ConsumedAt != nil {
		t := *g.ConsumedAt
		c.ConsumedAt = &t
	}
	return &c
}

func (r *GrantRepo) Insert(ctx context.Context, g *domain.Grant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.grants[g.Nonce]; ok {
		return ErrDuplicate
	}
	put(ctx, r.s.grants, g.Nonce, cloneGrant(g))
	return nil
}

func (r *GrantRepo) Get(_ context.Context, nonce string) (*domain.Grant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.grants[nonce]
	if !ok {
		return nil, nil
	}
	return cloneGrant(g), nil
}

func (r *GrantRepo) Consume(ctx context.Context, nonce string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.grants[nonce]
	if !ok || g.ConsumedAt != nil {
		return false, nil
	}
	c := cloneGrant(g)
	c.ConsumedAt = &at
	put(ctx, r.s.grants, nonce, c)
	return true, nil
}

func (r *GrantRepo) Release(ctx context.Context, nonce string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.grants[nonce]
	if !ok || g.ConsumedAt == nil || !g.ConsumedAt.Equal(at) {
		return nil
	}
	c := cloneGrant(g)
	c.ConsumedAt = nil
	put(ctx, r.s.grants, nonce, c)
	return nil
}

func (r *GrantRepo) DeleteBySessions(ctx context.Context, sessionIDs []string) (int64, error) {
	ids := make(map[string]struct{}, len(sessionIDs))
	for _, id := range sessionIDs {
		ids[id] = struct{}{}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for nonce, g := range r.s.grants {
		if _, ok := ids[g.SessionID]; ok {
			remove(ctx, r.s.grants, nonce)
			n++
		}
	}
	return n, nil
}

func (r *GrantRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for nonce, g := range r.s.grants {
		if g.ExpiresAt.Before(before) {
			remove(ctx, r.s.grants, nonce)
			n++
		}
	}
	return n, nil
}
