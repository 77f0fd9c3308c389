package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"docgate/internal/platform/rbac"
	"docgate/internal/session/domain"
)

// SessionRepo implements the session repository on the Store.
type SessionRepo struct {
	s *Store
}

func cloneSession(s *domain.Session) *domain.Session {
	c := *s
	return &c
}

func cloneLock(l *domain.SubjectLock) *domain.SubjectLock {
	c := *l
	if l.ReleasedAt != nil {
		t := *l.ReleasedAt
		c.ReleasedAt = &t
	}
	return &c
}

func byCreated(out []*domain.Session) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

// LockKey is a no-op: transactions are already serialized store-wide.
func (r *SessionRepo) LockKey(context.Context, string) error { return nil }

func (r *SessionRepo) Insert(ctx context.Context, s *domain.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.sessions[s.ID]; ok {
		return ErrDuplicate
	}
	put(ctx, r.s.sessions, s.ID, cloneSession(s))
	return nil
}

func (r *SessionRepo) GetByID(_ context.Context, id string) (*domain.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	s, ok := r.s.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(s), nil
}

func (r *SessionRepo) Delete(ctx context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return remove(ctx, r.s.sessions, id), nil
}

func (r *SessionRepo) update(ctx context.Context, id string, fn func(s *domain.Session)) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	s, ok := r.s.sessions[id]
	if !ok {
		return
	}
	c := cloneSession(s)
	fn(c)
	put(ctx, r.s.sessions, id, c)
}

func (r *SessionRepo) Deactivate(ctx context.Context, id string) error {
	r.update(ctx, id, func(s *domain.Session) { s.IsActive = false })
	return nil
}

func (r *SessionRepo) TouchVerified(ctx context.Context, id string, at time.Time) error {
	r.update(ctx, id, func(s *domain.Session) { s.LastVerifiedAt = at })
	return nil
}

func (r *SessionRepo) live(role rbac.Role, subjectHash string, now time.Time) []*domain.Session {
	var out []*domain.Session
	for _, s := range r.s.sessions {
		if !s.Live(now) {
			continue
		}
		if role != "" && s.Role != role {
			continue
		}
		if subjectHash != "" && s.SubjectHash != subjectHash {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (r *SessionRepo) ListLive(_ context.Context, role rbac.Role, subjectHash string, now time.Time) ([]*domain.Session, error) {
	r.s.mu.Lock()
	live := r.live(role, subjectHash, now)
	out := make([]*domain.Session, len(live))
	for i, s := range live {
		out[i] = cloneSession(s)
	}
	r.s.mu.Unlock()
	byCreated(out)
	return out, nil
}

func (r *SessionRepo) CountLive(_ context.Context, role rbac.Role, subjectHash string, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.live(role, subjectHash, now)), nil
}

func (r *SessionRepo) DeletePendingBySubject(ctx context.Context, subjectHash string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, s := range r.s.sessions {
		if s.SubjectHash == subjectHash && s.Stage == domain.StagePending {
			remove(ctx, r.s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (r *SessionRepo) ListIDsByScope(_ context.Context, scope domain.Scope) ([]string, error) {
	switch scope.Kind {
	case domain.ScopeAll, domain.ScopeRole, domain.ScopeSubject, domain.ScopeSession:
	default:
		return nil, fmt.Errorf("memory: unknown scope %q", scope.Kind)
	}
	r.s.mu.Lock()
	var ids []string
	for id, s := range r.s.sessions {
		if scope.Matches(s) {
			ids = append(ids, id)
		}
	}
	r.s.mu.Unlock()
	sort.Strings(ids)
	return ids, nil
}

func (r *SessionRepo) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if remove(ctx, r.s.sessions, id) {
			n++
		}
	}
	return n, nil
}

func (r *SessionRepo) DeleteStale(ctx context.Context, now time.Time) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []string
	for id, s := range r.s.sessions {
		if s.ExpiredAt(now) || !s.IsActive {
			remove(ctx, r.s.sessions, id)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *SessionRepo) ListSessionsSince(_ context.Context, subjectHash string, since time.Time) ([]*domain.Session, error) {
	r.s.mu.Lock()
	var out []*domain.Session
	for _, s := range r.s.sessions {
		if s.SubjectHash == subjectHash && s.Stage == domain.StageActive && !s.CreatedAt.Before(since) {
			out = append(out, cloneSession(s))
		}
	}
	r.s.mu.Unlock()
	byCreated(out)
	return out, nil
}

func (r *SessionRepo) GetLock(_ context.Context, subjectHash string) (*domain.SubjectLock, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.locks[subjectHash]
	if !ok {
		return nil, nil
	}
	return cloneLock(l), nil
}

func (r *SessionRepo) UpsertLock(ctx context.Context, l *domain.SubjectLock) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := cloneLock(l)
	c.ReleasedAt, c.ReleasedBy = nil, ""
	put(ctx, r.s.locks, l.SubjectHash, c)
	return nil
}

func (r *SessionRepo) ReleaseLock(ctx context.Context, subjectHash, releasedBy string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.locks[subjectHash]
	if !ok || l.ReleasedAt != nil {
		return false, nil
	}
	c := cloneLock(l)
	c.ReleasedAt, c.ReleasedBy = &at, releasedBy
	put(ctx, r.s.locks, subjectHash, c)
	return true, nil
}
