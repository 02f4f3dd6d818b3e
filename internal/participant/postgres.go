package participant

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
//	participants(session_id text, user_id text, display_name text,
//	  avatar_color text, creator boolean, joined_at timestamptz,
//	  last_seen timestamptz, active boolean,
//	  PRIMARY KEY (session_id, user_id))
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository wraps an open *sql.DB using the lib/pq driver.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Join(ctx context.Context, p *Participant) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "participants", tracing.DBOperationInsert)
	defer func() { end(err) }()

	const q = `
		INSERT INTO participants (session_id, user_id, display_name, avatar_color, creator, joined_at, last_seen, active)
		VALUES ($1, $2, $3, $4, $5, $6, $6, true)
		ON CONFLICT (session_id, user_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			avatar_color = EXCLUDED.avatar_color,
			last_seen = EXCLUDED.joined_at,
			active = true
		WHERE participants.active = false`

	res, err := r.db.ExecContext(ctx, q, p.SessionID, p.UserID, p.DisplayName, p.AvatarColor, p.Creator, p.JoinedAt)
	if err != nil {
		return fmt.Errorf("participant: join failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("participant: join failed: %w", err)
	}
	if rows == 0 {
		// Either a brand-new insert raced and lost, or the row exists and
		// was already active.
		existing, getErr := r.Get(ctx, p.SessionID, p.UserID)
		if getErr == nil && existing.Active {
			return ErrAlreadyActive
		}
	}
	return nil
}

// JoinWithCapacity serializes the capacity check and the insert inside one
// transaction. A transaction-scoped advisory lock keyed on hashtext(session
// id) stands in for a row lock on a session row this table doesn't hold;
// two concurrent joins for the same session must not interleave their
// count-then-insert.
func (r *PostgresRepository) JoinWithCapacity(ctx context.Context, p *Participant, maxParticipants int) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "participants", tracing.DBOperationInsert)
	defer func() { end(err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("participant: join with capacity begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.SessionID); err != nil {
		return fmt.Errorf("participant: join with capacity lock: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM participants WHERE session_id = $1 AND active = true`,
		p.SessionID,
	).Scan(&count); err != nil {
		return fmt.Errorf("participant: join with capacity count: %w", err)
	}

	const q = `
		INSERT INTO participants (session_id, user_id, display_name, avatar_color, creator, joined_at, last_seen, active)
		VALUES ($1, $2, $3, $4, $5, $6, $6, true)
		ON CONFLICT (session_id, user_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			avatar_color = EXCLUDED.avatar_color,
			last_seen = EXCLUDED.joined_at,
			active = true
		WHERE participants.active = false`

	res, err := tx.ExecContext(ctx, q, p.SessionID, p.UserID, p.DisplayName, p.AvatarColor, p.Creator, p.JoinedAt)
	if err != nil {
		return fmt.Errorf("participant: join with capacity insert: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("participant: join with capacity insert: %w", err)
	}
	if rows == 0 {
		// Row exists and was already active; nothing to re-check against
		// capacity since this participant already counted toward it.
		var active bool
		if scanErr := tx.QueryRowContext(ctx,
			`SELECT active FROM participants WHERE session_id = $1 AND user_id = $2`,
			p.SessionID, p.UserID,
		).Scan(&active); scanErr == nil && active {
			return ErrAlreadyActive
		}
		return fmt.Errorf("participant: join with capacity: row exists but could not be reactivated")
	}
	if count >= maxParticipants {
		return ErrCapacityExceeded
	}

	return tx.Commit()
}

func (r *PostgresRepository) Get(ctx context.Context, sessionID, userID string) (*Participant, error) {
	ctx, end := tracing.StartDBSpan(ctx, "participants", tracing.DBOperationQuery)
	defer end(nil)

	const q = `
		SELECT session_id, user_id, display_name, avatar_color, creator, joined_at, last_seen, active
		FROM participants WHERE session_id = $1 AND user_id = $2`

	var p Participant
	err := r.db.QueryRowContext(ctx, q, sessionID, userID).Scan(
		&p.SessionID, &p.UserID, &p.DisplayName, &p.AvatarColor, &p.Creator, &p.JoinedAt, &p.LastSeen, &p.Active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("participant: get failed: %w", err)
	}
	return &p, nil
}

func (r *PostgresRepository) Leave(ctx context.Context, sessionID, userID string, now time.Time) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "participants", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	const q = `UPDATE participants SET active = false, last_seen = $3 WHERE session_id = $1 AND user_id = $2`
	if _, err = r.db.ExecContext(ctx, q, sessionID, userID, now); err != nil {
		err = fmt.Errorf("participant: leave failed: %w", err)
	}
	return err
}

func (r *PostgresRepository) Touch(ctx context.Context, sessionID, userID string, now time.Time) error {
	const q = `UPDATE participants SET last_seen = $3 WHERE session_id = $1 AND user_id = $2`
	res, err := r.db.ExecContext(ctx, q, sessionID, userID, now)
	if err != nil {
		return fmt.Errorf("participant: touch failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("participant: touch failed: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ActiveCount(ctx context.Context, sessionID string) (int, error) {
	const q = `SELECT count(*) FROM participants WHERE session_id = $1 AND active = true`
	var count int
	if err := r.db.QueryRowContext(ctx, q, sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("participant: active count failed: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) ListActive(ctx context.Context, sessionID string) ([]*Participant, error) {
	const q = `
		SELECT session_id, user_id, display_name, avatar_color, creator, joined_at, last_seen, active
		FROM participants WHERE session_id = $1 AND active = true`

	rows, err := r.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("participant: list active failed: %w", err)
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.SessionID, &p.UserID, &p.DisplayName, &p.AvatarColor, &p.Creator, &p.JoinedAt, &p.LastSeen, &p.Active); err != nil {
			return nil, fmt.Errorf("participant: scan failed: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SweepInactive(ctx context.Context, cutoff time.Time) (_ []*Participant, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "participants", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	const q = `
		UPDATE participants SET active = false
		WHERE active = true AND last_seen < $1
		RETURNING session_id, user_id, display_name, avatar_color, creator, joined_at, last_seen, active`

	rows, err := r.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("participant: sweep failed: %w", err)
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.SessionID, &p.UserID, &p.DisplayName, &p.AvatarColor, &p.Creator, &p.JoinedAt, &p.LastSeen, &p.Active); err != nil {
			return nil, fmt.Errorf("participant: scan failed: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) HasRecentActivity(ctx context.Context, sessionID string, since time.Time) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM participants WHERE session_id = $1 AND active = true AND last_seen > $2)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, q, sessionID, since).Scan(&exists); err != nil {
		return false, fmt.Errorf("participant: has recent activity failed: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) DeactivateSession(ctx context.Context, sessionID string, now time.Time) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "participants", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	const q = `UPDATE participants SET active = false, last_seen = $2 WHERE session_id = $1 AND active = true`
	if _, err = r.db.ExecContext(ctx, q, sessionID, now); err != nil {
		err = fmt.Errorf("participant: deactivate session failed: %w", err)
	}
	return err
}
