package repository

import (
	"context"
	"time"

	"docgate/internal/token/domain"
)

// Repository persists token grants.
type Repository interface {
	Insert(ctx context.Context, g *domain.Grant) error
	// Get returns nil, nil when no grant has nonce.
	Get(ctx context.Context, nonce string) (*domain.Grant, error)
	// Consume marks the grant consumed at at. It reports false when the grant is missing or
	// was already consumed; at most one caller ever sees true for a nonce.
	Consume(ctx context.Context, nonce string, at time.Time) (bool, error)
	// Release undoes a Consume made at at. A later consumption is left in place.
	Release(ctx context.Context, nonce string, at time.Time) error
	DeleteBySessions(ctx context.Context, sessionIDs []string) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
