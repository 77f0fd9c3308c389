package repository

import (
	"context"
	"time"

	"docgate/internal/platform/rbac"
	"docgate/internal/session/domain"
)

// Repository defines persistence for sessions and subject locks.
// Get methods return nil, nil when the row does not exist.
type Repository interface {
	// LockKey serializes writers sharing key until the surrounding transaction ends.
	LockKey(ctx context.Context, key string) error

	Insert(ctx context.Context, s *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	// Delete removes the session and reports whether a row existed.
	Delete(ctx context.Context, id string) (bool, error)
	Deactivate(ctx context.Context, id string) error
	TouchVerified(ctx context.Context, id string, at time.Time) error

	// ListLive returns live sessions of role, optionally narrowed to subjectHash, oldest first.
	ListLive(ctx context.Context, role rbac.Role, subjectHash string, now time.Time) ([]*domain.Session, error)
	// CountLive counts live sessions of role, optionally narrowed to subjectHash. An empty role
	// counts every role.
	CountLive(ctx context.Context, role rbac.Role, subjectHash string, now time.Time) (int, error)
	DeletePendingBySubject(ctx context.Context, subjectHash string) (int64, error)
	ListIDsByScope(ctx context.Context, scope domain.Scope) ([]string, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
	// DeleteStale deletes expired and deactivated sessions and returns their ids.
	DeleteStale(ctx context.Context, now time.Time) ([]string, error)
	// ListSessionsSince returns active-stage sessions of subjectHash created at or after since,
	// including deactivated rows not yet swept.
	ListSessionsSince(ctx context.Context, subjectHash string, since time.Time) ([]*domain.Session, error)

	GetLock(ctx context.Context, subjectHash string) (*domain.SubjectLock, error)
	UpsertLock(ctx context.Context, l *domain.SubjectLock) error
	// ReleaseLock releases a held lock; it reports false when no lock was held.
	ReleaseLock(ctx context.Context, subjectHash, releasedBy string, at time.Time) (bool, error)
}
