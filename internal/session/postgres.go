package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/subcults/internal/tracing"
)

// PostgresRepository is a Repository backed by the durable store. Table
// shape:
//
//	sessions(id text primary key, name text, created_at timestamptz,
//	  expires_at timestamptz, creator_id text, active boolean,
//	  last_activity timestamptz)
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository wraps an open *sql.DB using the lib/pq driver.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, s *Session) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "sessions", tracing.DBOperationInsert)
	defer func() { end(err) }()

	const q = `
		INSERT INTO sessions (id, name, created_at, expires_at, creator_id, active, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $3)`

	if _, err = r.db.ExecContext(ctx, q, s.ID, s.Name, s.CreatedAt, s.ExpiresAt, s.CreatorID, s.Active); err != nil {
		err = fmt.Errorf("session: create failed: %w", err)
	}
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Session, error) {
	ctx, end := tracing.StartDBSpan(ctx, "sessions", tracing.DBOperationQuery)

	const q = `
		SELECT id, name, created_at, expires_at, creator_id, active, last_activity
		FROM sessions WHERE id = $1`

	var s Session
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&s.ID, &s.Name, &s.CreatedAt, &s.ExpiresAt, &s.CreatorID, &s.Active, &s.LastActivity,
	)
	if errors.Is(err, sql.ErrNoRows) {
		end(nil) // a miss is an answer, not a store failure
		return nil, ErrNotFound
	}
	if err != nil {
		err = fmt.Errorf("session: get failed: %w", err)
		end(err)
		return nil, err
	}
	end(nil)
	return &s, nil
}

func (r *PostgresRepository) Touch(ctx context.Context, id string, now time.Time) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "sessions", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	const q = `UPDATE sessions SET last_activity = $2 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, id, now)
	if err != nil {
		return fmt.Errorf("session: touch failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session: touch failed: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) End(ctx context.Context, id string) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "sessions", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	const q = `UPDATE sessions SET active = false WHERE id = $1 AND active = true`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("session: end failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session: end failed: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ListExpiryCandidates(ctx context.Context, cutoff time.Time) (_ []*Session, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "sessions", tracing.DBOperationQuery)
	defer func() { end(err) }()

	const q = `
		SELECT id, name, created_at, expires_at, creator_id, active, last_activity
		FROM sessions WHERE active = true AND last_activity < $1`

	rows, err := r.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("session: list expiry candidates failed: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var s Session
		if err = rows.Scan(&s.ID, &s.Name, &s.CreatedAt, &s.ExpiresAt, &s.CreatorID, &s.Active, &s.LastActivity); err != nil {
			return nil, fmt.Errorf("session: scan failed: %w", err)
		}
		out = append(out, &s)
	}
	err = rows.Err()
	return out, err
}
