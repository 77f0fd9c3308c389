package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"docgate/internal/db"
	"docgate/internal/token/domain"
)

// PostgresRepository implements Repository on the token_grants table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a token grant repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, g *domain.Grant) error {
	_, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`INSERT INTO token_grants (nonce, session_id, resource_id, expires_at) VALUES ($1, $2, $3, $4)`,
		g.Nonce, g.SessionID, g.ResourceID, g.ExpiresAt)
	return err
}

// Get returns the grant for nonce, or nil if not found.
func (r *PostgresRepository) Get(ctx context.Context, nonce string) (*domain.Grant, error) {
	var (
		g        domain.Grant
		consumed sql.NullTime
	)
	err := db.Executor(ctx, r.db).QueryRowContext(ctx,
		`SELECT nonce, session_id, resource_id, expires_at, consumed_at FROM token_grants WHERE nonce = $1`, nonce,
	).Scan(&g.Nonce, &g.SessionID, &g.ResourceID, &g.ExpiresAt, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if consumed.Valid {
		t := consumed.Time.UTC()
		g.ConsumedAt = &t
	}
	g.ExpiresAt = g.ExpiresAt.UTC()
	return &g, nil
}

func (r *PostgresRepository) Consume(ctx context.Context, nonce string, at time.Time) (bool, error) {
	res, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`UPDATE token_grants SET consumed_at = $2 WHERE nonce = $1 AND consumed_at IS NULL`, nonce, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresRepository) Release(ctx context.Context, nonce string, at time.Time) error {
	_, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`UPDATE token_grants SET consumed_at = NULL WHERE nonce = $1 AND consumed_at = $2`, nonce, at)
	return err
}

func (r *PostgresRepository) DeleteBySessions(ctx context.Context, sessionIDs []string) (int64, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}
	res, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`DELETE FROM token_grants WHERE session_id = ANY($1)`, sessionIDs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.Executor(ctx, r.db).ExecContext(ctx, `DELETE FROM token_grants WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
