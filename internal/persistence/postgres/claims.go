package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"example.com/voicelog/internal/claim"
	"example.com/voicelog/internal/domain"
	"example.com/voicelog/internal/events"
	"example.com/voicelog/internal/observability"
)

// uniqueViolation is the Postgres error code for a unique constraint breach.
const uniqueViolation = "23505"

// RunClaimTx executes fn against one database transaction. When fn succeeds
// and a claim was recorded, the workout.claimed event is written to the
// outbox before commit, so the event and the claim land atomically.
func (r *Repository) RunClaimTx(ctx context.Context, fn func(claim.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ct := &claimTx{tx: tx}
	if err := fn(ct); err != nil {
		return err
	}

	if ct.claimed != nil {
		if err := insertOutbox(ctx, tx, "workout", ct.claimed.WorkoutID, "workout.claimed", ct.claimed.IdentityID, events.WorkoutClaimed{
			WorkoutID:           ct.claimed.WorkoutID,
			IdentityID:          ct.claimed.IdentityID,
			Method:              string(ct.claimed.Method),
			VoiceProfileUpdated: ct.profileUpdated,
			ClaimedAt:           ct.claimed.ClaimedAt,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	if ct.claimed != nil {
		observability.RecordWorkoutClaimed(ct.claimed.ClaimedAt)
	}
	return nil
}

type claimTx struct {
	tx             pgx.Tx
	claimed        *domain.Claim
	profileUpdated bool
}

func (c *claimTx) WorkoutForClaim(ctx context.Context, workoutID string) (*domain.Workout, error) {
	w, err := scanWorkout(c.tx.QueryRow(ctx, `SELECT `+workoutColumns+` FROM workouts WHERE workout_id = $1 FOR UPDATE`, workoutID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrWorkoutNotFound
	}
	return w, err
}

func (c *claimTx) InsertClaim(ctx context.Context, cl *domain.Claim) error {
	const stmt = `INSERT INTO workout_claims (claim_id, workout_id, identity_id, method, claimed_at)
        VALUES ($1,$2,$3,$4,$5)`
	_, err := c.tx.Exec(ctx, stmt, cl.ID, cl.WorkoutID, cl.IdentityID, cl.Method, cl.ClaimedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrAlreadyClaimed
		}
		return err
	}
	c.claimed = cl
	return nil
}

func (c *claimTx) MarkWorkoutClaimed(ctx context.Context, workoutID, identityID string, at time.Time) error {
	const stmt = `UPDATE workouts SET claimed_by = $2, claimed_at = $3 WHERE workout_id = $1 AND claimed_by IS NULL`
	tag, err := c.tx.Exec(ctx, stmt, workoutID, identityID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyClaimed
	}
	return nil
}

func (c *claimTx) SourceDevice(ctx context.Context, recordingID string) (string, error) {
	var device string
	err := c.tx.QueryRow(ctx, `SELECT device_uuid FROM recordings WHERE recording_id = $1`, recordingID).Scan(&device)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return device, err
}

func (c *claimTx) VoiceSample(ctx context.Context, recordingID string) (*claim.VoiceSample, error) {
	var embedding []float32
	var quality *float64
	err := c.tx.QueryRow(ctx, `SELECT voice_embedding, voice_quality FROM recordings WHERE recording_id = $1`, recordingID).Scan(&embedding, &quality)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if quality == nil {
		return nil, nil
	}
	return &claim.VoiceSample{Embedding: embedding, Quality: quality}, nil
}

func (c *claimTx) UpsertDeviceLink(ctx context.Context, identityID, deviceUUID string) error {
	const stmt = `INSERT INTO identity_devices (identity_id, device_uuid)
        VALUES ($1, $2)
        ON CONFLICT (identity_id, device_uuid) DO NOTHING`
	_, err := c.tx.Exec(ctx, stmt, identityID, deviceUUID)
	return err
}

func (c *claimTx) UpsertVoiceProfile(ctx context.Context, p *domain.VoiceProfile) error {
	const stmt = `INSERT INTO voice_profiles (profile_id, identity_id, embedding, quality, source_workout_id, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (identity_id) DO UPDATE
        SET embedding = EXCLUDED.embedding,
            quality = EXCLUDED.quality,
            source_workout_id = EXCLUDED.source_workout_id,
            updated_at = EXCLUDED.updated_at`
	_, err := c.tx.Exec(ctx, stmt, p.ID, p.IdentityID, p.Embedding, p.Quality, p.SourceWorkoutID, p.UpdatedAt)
	if err != nil {
		return err
	}
	c.profileUpdated = true
	return nil
}
