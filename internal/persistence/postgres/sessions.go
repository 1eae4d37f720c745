package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"example.com/voicelog/internal/domain"
	"example.com/voicelog/internal/session"
)

// LockOwner takes the per-owner advisory lock used to serialize session
// assignment. The lock lives on a dedicated pooled connection; the returned
// func releases both.
func (r *Repository) LockOwner(ctx context.Context, ownerID string) (func(), error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, ownerID); err != nil {
		conn.Release()
		return nil, err
	}
	return func() {
		// Unlock on a fresh context: the caller's may already be done.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, ownerID)
		conn.Release()
	}, nil
}

// ActiveCandidates lists the owner's active sessions whose most recent member
// sits at or before capturedAt and within window of it.
func (r *Repository) ActiveCandidates(ctx context.Context, ownerID string, capturedAt time.Time, window time.Duration) ([]session.Candidate, error) {
	const query = `SELECT session_id, last_activity_at FROM sessions
        WHERE identity_id = $1
          AND status = 'active'
          AND last_activity_at <= $2
          AND last_activity_at >= $3`

	rows, err := r.pool.Query(ctx, query, ownerID, capturedAt, capturedAt.Add(-window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []session.Candidate
	for rows.Next() {
		var c session.Candidate
		if err := rows.Scan(&c.SessionID, &c.LastActivityAt); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// AppendRecording attaches a recording to an existing session and advances
// the session's activity watermark.
func (r *Repository) AppendRecording(ctx context.Context, sessionID, recordingID string, capturedAt time.Time) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const update = `UPDATE sessions
        SET last_activity_at = GREATEST(last_activity_at, $2), recording_count = recording_count + 1
        WHERE session_id = $1 AND status = 'active'`
	tag, err := tx.Exec(ctx, update, sessionID, capturedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}

	if _, err := tx.Exec(ctx, `UPDATE recordings SET session_id = $2, updated_at = now() WHERE recording_id = $1`, recordingID, sessionID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreateSession opens a new session seeded with the recording.
func (r *Repository) CreateSession(ctx context.Context, ownerID, recordingID string, capturedAt time.Time) (string, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	sessionID := uuid.NewString()
	const insert = `INSERT INTO sessions (session_id, identity_id, started_at, last_activity_at, recording_count, status)
        VALUES ($1, $2, $3, $3, 1, 'active')`
	if _, err := tx.Exec(ctx, insert, sessionID, ownerID, capturedAt); err != nil {
		return "", err
	}

	if _, err := tx.Exec(ctx, `UPDATE recordings SET session_id = $2, updated_at = now() WHERE recording_id = $1`, recordingID, sessionID); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return sessionID, nil
}

// OwnerTimeoutMinutes returns the owner's configured session timeout, 0 when
// unset.
func (r *Repository) OwnerTimeoutMinutes(ctx context.Context, ownerID string) (int, error) {
	var timeout *int
	err := r.pool.QueryRow(ctx, `SELECT session_timeout_minutes FROM identities WHERE identity_id = $1`, ownerID).Scan(&timeout)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if timeout == nil {
		return 0, nil
	}
	return *timeout, nil
}

// GetSession fetches a session and its member recordings.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*domain.Session, []*domain.Recording, error) {
	const query = `SELECT session_id, identity_id, started_at, last_activity_at, recording_count, status, completed_at
        FROM sessions WHERE session_id = $1`

	var s domain.Session
	err := r.pool.QueryRow(ctx, query, sessionID).Scan(&s.ID, &s.IdentityID, &s.StartedAt, &s.LastActivityAt, &s.RecordingCount, &s.Status, &s.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := r.pool.Query(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE session_id = $1 ORDER BY captured_at`, sessionID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var members []*domain.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, nil, err
		}
		members = append(members, rec)
	}
	return &s, members, rows.Err()
}

// CompleteStaleSessions closes active sessions idle for longer than maxIdle
// and returns how many were closed.
func (r *Repository) CompleteStaleSessions(ctx context.Context, maxIdle time.Duration) (int64, error) {
	const stmt = `UPDATE sessions
        SET status = 'completed', completed_at = now()
        WHERE status = 'active' AND last_activity_at < $1`
	tag, err := r.pool.Exec(ctx, stmt, time.Now().UTC().Add(-maxIdle))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
