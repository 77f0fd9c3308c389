package repository

import (
	"context"
	"time"

	"docgate/internal/blocking/domain"
)

// Repository persists failure records, IP blocks and block incidents.
// Get methods return nil, nil when the row does not exist.
type Repository interface {
	// LockIP serializes writers for ip until the surrounding transaction ends.
	LockIP(ctx context.Context, ip string) error

	InsertFailure(ctx context.Context, f *domain.FailureRecord) error
	CountFailures(ctx context.Context, ip string, since time.Time) (int, error)
	DeleteFailuresBefore(ctx context.Context, before time.Time) (int64, error)

	GetBlock(ctx context.Context, ip string) (*domain.IPBlock, error)
	// UpsertBlock writes b as the block row for b.IP, replacing a lifted or expired one.
	UpsertBlock(ctx context.Context, b *domain.IPBlock) error
	LiftBlock(ctx context.Context, ip string, at time.Time) error
	// LiftExpired lifts every unlifted block whose blocked_until is before now.
	LiftExpired(ctx context.Context, now time.Time) (int64, error)
	ListActiveBlocks(ctx context.Context, now time.Time) ([]*domain.IPBlock, error)

	InsertIncident(ctx context.Context, inc *domain.Incident) error
	GetIncident(ctx context.Context, incidentID string) (*domain.Incident, error)
	GetOpenIncident(ctx context.Context, ip string) (*domain.Incident, error)
	// ResolveIncident marks the incident resolved; it reports false if it was already resolved.
	ResolveIncident(ctx context.Context, incidentID, resolvedBy string, at time.Time, notes string) (bool, error)
	ListIncidents(ctx context.Context, openOnly bool) ([]*domain.Incident, error)
}
