package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/voicelog/internal/domain"
	"example.com/voicelog/internal/events"
	"example.com/voicelog/internal/observability"
)

// CompleteWithWorkout persists the extracted workout, its exercises, and the
// completed transitions for every source recording in one transaction. A
// workout row therefore only ever exists for recordings that finished the
// pipeline.
func (r *Repository) CompleteWithWorkout(ctx context.Context, recordingIDs []string, w *domain.Workout, exercises []domain.Exercise) (string, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	const insertWorkout = `INSERT INTO workouts
        (workout_id, identity_id, recording_id, session_id, workout_date, duration_minutes, notes, total_exercises)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if _, err := tx.Exec(ctx, insertWorkout,
		w.ID, w.IdentityID, w.RecordingID, w.SessionID, w.WorkoutDate, w.DurationMinutes, w.Notes, w.TotalExercises,
	); err != nil {
		return "", err
	}

	const insertExercise = `INSERT INTO exercises
        (exercise_id, workout_id, name, category, muscle_groups, sets, reps, weight_lbs, duration_minutes, distance_miles, effort_level, rest_seconds, notes, position)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	for _, ex := range exercises {
		if _, err := tx.Exec(ctx, insertExercise,
			ex.ID, ex.WorkoutID, ex.Name, ex.Category, ex.MuscleGroups, ex.Sets, ex.Reps, ex.WeightLbs,
			ex.DurationMinutes, ex.DistanceMiles, ex.EffortLevel, ex.RestSeconds, ex.Notes, ex.Position,
		); err != nil {
			return "", err
		}
	}

	occurredAt := time.Now().UTC()
	for _, recordingID := range recordingIDs {
		if _, err := tx.Exec(ctx, `INSERT INTO workout_recordings (workout_id, recording_id) VALUES ($1, $2)`, w.ID, recordingID); err != nil {
			return "", err
		}

		var deviceUUID string
		const update = `UPDATE recordings SET status = 'completed', updated_at = now()
            WHERE recording_id = $1 AND status = 'processing'
            RETURNING device_uuid`
		if err := tx.QueryRow(ctx, update, recordingID).Scan(&deviceUUID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return "", domain.ErrIllegalTransition{From: domain.RecordingStatusProcessing, To: domain.RecordingStatusCompleted}
			}
			return "", err
		}

		if err := insertOutbox(ctx, tx, "recording", recordingID, "recording.state_changed", w.IdentityID, events.RecordingStateChanged{
			RecordingID: recordingID,
			IdentityID:  w.IdentityID,
			DeviceUUID:  deviceUUID,
			State:       string(domain.RecordingStatusCompleted),
			OccurredAt:  occurredAt,
		}); err != nil {
			return "", err
		}
	}

	extracted := events.WorkoutExtracted{
		WorkoutID:     w.ID,
		IdentityID:    w.IdentityID,
		RecordingIDs:  recordingIDs,
		ExerciseCount: len(exercises),
		WorkoutDate:   w.WorkoutDate,
		OccurredAt:    occurredAt,
	}
	if w.SessionID != nil {
		extracted.SessionID = *w.SessionID
	}
	if err := insertOutbox(ctx, tx, "workout", w.ID, "workout.extracted", w.IdentityID, extracted); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	observability.RecordWorkoutExtracted(occurredAt)
	return w.ID, nil
}

const workoutColumns = `workout_id, identity_id, recording_id, session_id, workout_date, duration_minutes, notes, total_exercises, claimed_by, claimed_at, created_at`

func scanWorkout(row pgx.Row) (*domain.Workout, error) {
	var w domain.Workout
	err := row.Scan(&w.ID, &w.IdentityID, &w.RecordingID, &w.SessionID, &w.WorkoutDate, &w.DurationMinutes, &w.Notes, &w.TotalExercises, &w.ClaimedBy, &w.ClaimedAt, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkouts returns an identity's workouts newest first with keyset
// pagination.
func (r *Repository) ListWorkouts(ctx context.Context, identityID string, cursor *domain.Cursor, limit int) ([]*domain.Workout, *domain.Cursor, error) {
	args := []interface{}{identityID, limit}
	query := `SELECT ` + workoutColumns + ` FROM workouts WHERE identity_id = $1`
	if cursor != nil {
		query += ` AND (workout_date, workout_id) < ($3, $4)`
		args = append(args, cursor.WorkoutDate, cursor.ID)
	}
	query += ` ORDER BY workout_date DESC, workout_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]*domain.Workout, 0, limit)
	for rows.Next() {
		w, err := scanWorkout(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, w)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{WorkoutDate: last.WorkoutDate, ID: last.ID}
	}
	return results, next, nil
}

// GetWorkout fetches a workout and its exercises ordered by position.
func (r *Repository) GetWorkout(ctx context.Context, workoutID string) (*domain.Workout, []domain.Exercise, error) {
	w, err := scanWorkout(r.pool.QueryRow(ctx, `SELECT `+workoutColumns+` FROM workouts WHERE workout_id = $1`, workoutID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, domain.ErrWorkoutNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	const query = `SELECT exercise_id, workout_id, name, category, muscle_groups, sets, reps, weight_lbs, duration_minutes, distance_miles, effort_level, rest_seconds, notes, position
        FROM exercises WHERE workout_id = $1 ORDER BY position`
	rows, err := r.pool.Query(ctx, query, workoutID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var exercises []domain.Exercise
	for rows.Next() {
		var ex domain.Exercise
		if err := rows.Scan(&ex.ID, &ex.WorkoutID, &ex.Name, &ex.Category, &ex.MuscleGroups, &ex.Sets, &ex.Reps, &ex.WeightLbs,
			&ex.DurationMinutes, &ex.DistanceMiles, &ex.EffortLevel, &ex.RestSeconds, &ex.Notes, &ex.Position); err != nil {
			return nil, nil, err
		}
		exercises = append(exercises, ex)
	}
	return w, exercises, rows.Err()
}
