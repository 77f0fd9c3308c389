package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"docgate/internal/db"
	"docgate/internal/platform/rbac"
	"docgate/internal/session/domain"
)

const sessionColumns = `session_id, subject_hash, role, stage, created_at, expires_at, last_verified_at, ip, device_fingerprint, is_active`

// liveClause selects fully authenticated, active, unexpired sessions; $1 is now.
const liveClause = `is_active AND stage = 'active' AND expires_at > $1`

// PostgresRepository implements Repository on the sessions and subject_locks tables.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) LockKey(ctx context.Context, key string) error {
	return db.AdvisoryLock(ctx, r.db, "session:"+key)
}

func (r *PostgresRepository) Insert(ctx context.Context, s *domain.Session) error {
	_, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.SubjectHash, string(s.Role), string(s.Stage), s.CreatedAt, s.ExpiresAt, s.LastVerifiedAt,
		s.IP, s.DeviceFingerprint, s.IsActive)
	return err
}

// GetByID returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := db.Executor(ctx, r.db).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := db.Executor(ctx, r.db).ExecContext(ctx, `DELETE FROM sessions WHERE session_id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRepository) Deactivate(ctx context.Context, id string) error {
	_, err := db.Executor(ctx, r.db).ExecContext(ctx, `UPDATE sessions SET is_active = FALSE WHERE session_id = $1`, id)
	return err
}

func (r *PostgresRepository) TouchVerified(ctx context.Context, id string, at time.Time) error {
	_, err := db.Executor(ctx, r.db).ExecContext(ctx, `UPDATE sessions SET last_verified_at = $2 WHERE session_id = $1`, id, at)
	return err
}

func (r *PostgresRepository) ListLive(ctx context.Context, role rbac.Role, subjectHash string, now time.Time) ([]*domain.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` + liveClause + ` AND role = $2`
	args := []any{now, string(role)}
	if subjectHash != "" {
		q += ` AND subject_hash = $3`
		args = append(args, subjectHash)
	}
	return r.query(ctx, q+` ORDER BY created_at, session_id`, args...)
}

func (r *PostgresRepository) CountLive(ctx context.Context, role rbac.Role, subjectHash string, now time.Time) (int, error) {
	q := `SELECT COUNT(*) FROM sessions WHERE ` + liveClause
	args := []any{now}
	if role != "" {
		args = append(args, string(role))
		q += fmt.Sprintf(` AND role = $%d`, len(args))
	}
	if subjectHash != "" {
		args = append(args, subjectHash)
		q += fmt.Sprintf(` AND subject_hash = $%d`, len(args))
	}
	var n int
	err := db.Executor(ctx, r.db).QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

func (r *PostgresRepository) DeletePendingBySubject(ctx context.Context, subjectHash string) (int64, error) {
	res, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`DELETE FROM sessions WHERE subject_hash = $1 AND stage = 'pending'`, subjectHash)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) ListIDsByScope(ctx context.Context, scope domain.Scope) ([]string, error) {
	var (
		q    = `SELECT session_id FROM sessions`
		args []any
	)
	switch scope.Kind {
	case domain.ScopeAll:
	case domain.ScopeRole:
		q += ` WHERE role = $1`
		args = append(args, string(scope.Role))
	case domain.ScopeSubject:
		q += ` WHERE subject_hash = $1`
		args = append(args, scope.SubjectHash)
	case domain.ScopeSession:
		q += ` WHERE session_id = $1`
		args = append(args, scope.SessionID)
	default:
		return nil, fmt.Errorf("session: unknown scope %q", scope.Kind)
	}
	if scope.Kind != domain.ScopeAll {
		q += ` FOR UPDATE`
	}
	return r.queryIDs(ctx, q, args...)
}

func (r *PostgresRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := db.Executor(ctx, r.db).ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) DeleteStale(ctx context.Context, now time.Time) ([]string, error) {
	return r.queryIDs(ctx, `DELETE FROM sessions WHERE expires_at <= $1 OR NOT is_active RETURNING session_id`, now)
}

func (r *PostgresRepository) ListSessionsSince(ctx context.Context, subjectHash string, since time.Time) ([]*domain.Session, error) {
	return r.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE subject_hash = $1 AND stage = 'active' AND created_at >= $2 ORDER BY created_at, session_id`,
		subjectHash, since)
}

// GetLock returns the lock row for subjectHash, or nil if the subject was never locked.
func (r *PostgresRepository) GetLock(ctx context.Context, subjectHash string) (*domain.SubjectLock, error) {
	var (
		l          domain.SubjectLock
		releasedAt sql.NullTime
		releasedBy sql.NullString
	)
	err := db.Executor(ctx, r.db).QueryRowContext(ctx,
		`SELECT subject_hash, locked_at, reason, locked_by, released_at, released_by FROM subject_locks WHERE subject_hash = $1`,
		subjectHash).Scan(&l.SubjectHash, &l.LockedAt, &l.Reason, &l.LockedBy, &releasedAt, &releasedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.LockedAt = l.LockedAt.UTC()
	if releasedAt.Valid {
		t := releasedAt.Time.UTC()
		l.ReleasedAt = &t
	}
	l.ReleasedBy = releasedBy.String
	return &l, nil
}

func (r *PostgresRepository) UpsertLock(ctx context.Context, l *domain.SubjectLock) error {
	_, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`INSERT INTO subject_locks (subject_hash, locked_at, reason, locked_by) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (subject_hash) DO UPDATE SET locked_at = EXCLUDED.locked_at, reason = EXCLUDED.reason,
		   locked_by = EXCLUDED.locked_by, released_at = NULL, released_by = NULL`,
		l.SubjectHash, l.LockedAt, l.Reason, l.LockedBy)
	return err
}

func (r *PostgresRepository) ReleaseLock(ctx context.Context, subjectHash, releasedBy string, at time.Time) (bool, error) {
	res, err := db.Executor(ctx, r.db).ExecContext(ctx,
		`UPDATE subject_locks SET released_at = $3, released_by = $2 WHERE subject_hash = $1 AND released_at IS NULL`,
		subjectHash, releasedBy, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresRepository) query(ctx context.Context, q string, args ...any) ([]*domain.Session, error) {
	rows, err := db.Executor(ctx, r.db).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) queryIDs(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := db.Executor(ctx, r.db).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (*domain.Session, error) {
	var (
		sess        domain.Session
		role, stage string
	)
	if err := s.Scan(&sess.ID, &sess.SubjectHash, &role, &stage, &sess.CreatedAt, &sess.ExpiresAt,
		&sess.LastVerifiedAt, &sess.IP, &sess.DeviceFingerprint, &sess.IsActive); err != nil {
		return nil, err
	}
	sess.Role = rbac.Role(role)
	sess.Stage = domain.Stage(stage)
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.ExpiresAt = sess.ExpiresAt.UTC()
	sess.LastVerifiedAt = sess.LastVerifiedAt.UTC()
	return &sess, nil
}
