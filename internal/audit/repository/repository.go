package repository

import (
	"context"
	"time"

	"docgate/internal/audit/domain"
)

// Repository defines persistence for audit records. There is no update method: records are
// written once, and DeleteBefore is reserved for the retention job.
type Repository interface {
	Insert(ctx context.Context, r *domain.Record) error
	// GetByID returns nil, nil when no record has id.
	GetByID(ctx context.Context, id string) (*domain.Record, error)
	// List returns records matching f ordered by occurred_at then id.
	List(ctx context.Context, f domain.Filter) ([]*domain.Record, error)
	// ListAfter returns up to limit records with id > afterID in id order.
	ListAfter(ctx context.Context, afterID string, limit int) ([]*domain.Record, error)
	// ListActorsSince returns the distinct actors with records at or after since.
	ListActorsSince(ctx context.Context, since time.Time) ([]string, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
