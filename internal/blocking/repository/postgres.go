package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"docgate/internal/blocking/domain"
	"docgate/internal/db"
)

// PostgresRepository implements Repository on failure_records, ip_blocks and block_incidents.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a blocking repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) LockIP(ctx context.Context, ip string) error {
	return db.AdvisoryLock(ctx, r.db, "ip:"+ip)
}

func (r *PostgresRepository) InsertFailure(ctx context.Context, f *domain.FailureRecord) error {
	_, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`INSERT INTO failure_records (id, ip, occurred_at, kind, subject_hash) VALUES ($1, $2, $3, $4, $5)`,
		f.ID, f.IP, f.OccurredAt, f.Kind, f.SubjectHash)
	return err
}

func (r *PostgresRepository) CountFailures(ctx context.Context, ip string, since time.Time) (int, error) {
	var n int
	err := db.Executor(ctx, r.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failure_records WHERE ip = $1 AND occurred_at >= $2`, ip, since).Scan(&n)
	return n, err
}

func (r *PostgresRepository) DeleteFailuresBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.Executor(ctx, r.db).ExecContext(ctx, `DELETE FROM failure_records WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const blockColumns = `ip, blocked_until, reason, incident_id, triggered_by, created_at, lifted_at`

// GetBlock returns the block row for ip, or nil if not found.
func (r *PostgresRepository) GetBlock(ctx context.Context, ip string) (*domain.IPBlock, error) {
	row := db.Executor(ctx, r.db).QueryRowContext(ctx, `SELECT `+blockColumns+` FROM ip_blocks WHERE ip = $1`, ip)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (r *PostgresRepository) UpsertBlock(ctx context.Context, b *domain.IPBlock) error {
	_, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`INSERT INTO ip_blocks (`+blockColumns+`) VALUES ($1, $2, $3, $4, $5, $6, NULL)
		 ON CONFLICT (ip) DO UPDATE SET blocked_until = EXCLUDED.blocked_until, reason = EXCLUDED.reason,
		   incident_id = EXCLUDED.incident_id, triggered_by = EXCLUDED.triggered_by,
		   created_at = EXCLUDED.created_at, lifted_at = NULL`,
		b.IP, b.BlockedUntil, b.Reason, b.IncidentID, b.TriggeredBy, b.CreatedAt)
	return err
}

func (r *PostgresRepository) LiftBlock(ctx context.Context, ip string, at time.Time) error {
	_, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`UPDATE ip_blocks SET lifted_at = $2 WHERE ip = $1 AND lifted_at IS NULL`, ip, at)
	return err
}

func (r *PostgresRepository) LiftExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`UPDATE ip_blocks SET lifted_at = $1 WHERE lifted_at IS NULL AND blocked_until < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) ListActiveBlocks(ctx context.Context, now time.Time) ([]*domain.IPBlock, error) {
	rows, err := db.Executor(ctx, r.db).QueryContext(ctx,
		`SELECT `+blockColumns+` FROM ip_blocks WHERE lifted_at IS NULL AND blocked_until >= $1 ORDER BY created_at, ip`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.IPBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const incidentColumns = `incident_id, ip, created_at, triggered_by, resolved, resolved_by, resolved_at, notes`

func (r *PostgresRepository) InsertIncident(ctx context.Context, inc *domain.Incident) error {
	_, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`INSERT INTO block_incidents (incident_id, ip, created_at, triggered_by) VALUES ($1, $2, $3, $4)`,
		inc.IncidentID, inc.IP, inc.CreatedAt, inc.TriggeredBy)
	return err
}

// GetIncident returns the incident, or nil if not found.
func (r *PostgresRepository) GetIncident(ctx context.Context, incidentID string) (*domain.Incident, error) {
	row := db.Executor(ctx, r.db).QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM block_incidents WHERE incident_id = $1`, incidentID)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return inc, err
}

// GetOpenIncident returns the unresolved incident for ip, or nil if there is none.
func (r *PostgresRepository) GetOpenIncident(ctx context.Context, ip string) (*domain.Incident, error) {
	row := db.Executor(ctx, r.db).QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM block_incidents WHERE ip = $1 AND NOT resolved`, ip)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return inc, err
}

func (r *PostgresRepository) ResolveIncident(ctx context.Context, incidentID, resolvedBy string, at time.Time, notes string) (bool, error) {
	res, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`UPDATE block_incidents SET resolved = TRUE, resolved_by = $2, resolved_at = $3, notes = $4
		 WHERE incident_id = $1 AND NOT resolved`, incidentID, resolvedBy, at, notes)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresRepository) ListIncidents(ctx context.Context, openOnly bool) ([]*domain.Incident, error) {
	q := `SELECT ` + incidentColumns + ` FROM block_incidents`
	if openOnly {
		q += ` WHERE NOT resolved`
	}
	q += ` ORDER BY created_at DESC, incident_id`
	rows, err := db.Executor(ctx, r.db).QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBlock(s scanner) (*domain.IPBlock, error) {
	var (
		b      domain.IPBlock
		lifted sql.NullTime
	)
	if err := s.Scan(&b.IP, &b.BlockedUntil, &b.Reason, &b.IncidentID, &b.TriggeredBy, &b.CreatedAt, &lifted); err != nil {
		return nil, err
	}
	b.BlockedUntil = b.BlockedUntil.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	if lifted.Valid {
		t := lifted.Time.UTC()
		b.LiftedAt = &t
	}
	return &b, nil
}

func scanIncident(s scanner) (*domain.Incident, error) {
	var (
		inc      domain.Incident
		resolved sql.NullTime
	)
	if err := s.Scan(&inc.IncidentID, &inc.IP, &inc.CreatedAt, &inc.TriggeredBy, &inc.Resolved, &inc.ResolvedBy, &resolved, &inc.Notes); err != nil {
		return nil, err
	}
	inc.CreatedAt = inc.CreatedAt.UTC()
	if resolved.Valid {
		t := resolved.Time.UTC()
		inc.ResolvedAt = &t
	}
	return &inc, nil
}
