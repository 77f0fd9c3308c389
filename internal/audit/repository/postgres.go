package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"docgate/internal/audit/domain"
	"docgate/internal/db"
)

const recordColumns = `id, actor, action_type, resource_ref, before_state, after_state, risk_level, ip, notes, occurred_at, checksum, corrects_id`

// PostgresRepository implements Repository on the audit_records table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit record repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert persists r. The record must have ID, OccurredAt and Checksum set.
func (r *PostgresRepository) Insert(ctx context.Context, rec *domain.Record) error {
	before, err := nullState(rec.BeforeState)
	if err != nil {
		return err
	}
	after, err := nullState(rec.AfterState)
	if err != nil {
		return err
	}
	corrects := sql.NullString{String: rec.CorrectsID, Valid: rec.CorrectsID != ""}
	_, err = db.Executor(ctx, r.db).ExecContext(ctx,
		`INSERT INTO audit_records (`+recordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.Actor, rec.ActionType, rec.ResourceRef, before, after, string(rec.RiskLevel),
		rec.IP, rec.Notes, rec.OccurredAt, rec.Checksum, corrects)
	return err
}

// GetByID returns the record for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Record, error) {
	row := db.Executor(ctx, r.db).QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// List returns records matching f ordered by occurred_at, id.
func (r *PostgresRepository) List(ctx context.Context, f domain.Filter) ([]*domain.Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.ActionType != "" {
		add("action_type = $%d", f.ActionType)
	}
	if f.MinRisk.Valid() {
		var levels []string
		for _, l := range []domain.RiskLevel{domain.RiskLow, domain.RiskMedium, domain.RiskHigh, domain.RiskCritical} {
			if l.AtLeast(f.MinRisk) {
				levels = append(levels, string(l))
			}
		}
		add("risk_level = ANY($%d)", levels)
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("occurred_at < $%d", f.Until)
	}
	q := `SELECT ` + recordColumns + ` FROM audit_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY occurred_at, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return r.query(ctx, q, args...)
}

// ListAfter returns up to limit records ordered by id with id greater than afterID.
func (r *PostgresRepository) ListAfter(ctx context.Context, afterID string, limit int) ([]*domain.Record, error) {
	if afterID == "" {
		return r.query(ctx, `SELECT `+recordColumns+` FROM audit_records ORDER BY id LIMIT $1`, limit)
	}
	return r.query(ctx, `SELECT `+recordColumns+` FROM audit_records WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
}

// ListActorsSince returns distinct actors with activity at or after since, sorted.
func (r *PostgresRepository) ListActorsSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := db.Executor(ctx, r.db).QueryContext(ctx,
		`SELECT DISTINCT actor FROM audit_records WHERE occurred_at >= $1 ORDER BY actor`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteBefore removes records older than before and returns how many were removed.
func (r *PostgresRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.Executor(ctx, r.db).ExecContext(ctx, `DELETE FROM audit_records WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) query(ctx context.Context, q string, args ...any) ([]*domain.Record, error) {
	rows, err := db.Executor(ctx, r.db).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*domain.Record, error) {
	var (
		rec           domain.Record
		before, after sql.NullString
		risk          string
		corrects      sql.NullString
	)
	if err := s.Scan(&rec.ID, &rec.Actor, &rec.ActionType, &rec.ResourceRef, &before, &after, &risk,
		&rec.IP, &rec.Notes, &rec.OccurredAt, &rec.Checksum, &corrects); err != nil {
		return nil, err
	}
	var err error
	if rec.BeforeState, err = domain.DecodeState(before.String); err != nil {
		return nil, err
	}
	if rec.AfterState, err = domain.DecodeState(after.String); err != nil {
		return nil, err
	}
	rec.RiskLevel = domain.RiskLevel(risk)
	rec.CorrectsID = corrects.String
	rec.OccurredAt = rec.OccurredAt.UTC()
	return &rec, nil
}

func nullState(s domain.State) (sql.NullString, error) {
	text, ok, err := domain.EncodeState(s)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: text, Valid: ok}, nil
}
