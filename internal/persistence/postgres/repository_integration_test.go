//go:build integration

package postgres

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/voicelog/internal/claim"
	"example.com/voicelog/internal/domain"
)

func setupRepository(t *testing.T, ctx context.Context) *Repository {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("voicelog"),
		postgrescontainer.WithUsername("voicelog"),
		postgrescontainer.WithPassword("voicelog"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, waitForDatabase(ctx, connStr))
	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return NewRepository(pool)
}

func seedRecording(t *testing.T, ctx context.Context, repo *Repository, device string) *domain.Recording {
	t.Helper()

	ident, err := repo.ResolveIdentity(ctx, device)
	require.NoError(t, err)

	rec := &domain.Recording{
		ID:               uuid.NewString(),
		IdentityID:       ident.ID,
		DeviceUUID:       device,
		OriginalFilename: device + "_1756710000000.wav",
		ByteSize:         4,
		MimeType:         "audio/wav",
		CapturedAt:       time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Millisecond),
		Status:           domain.RecordingStatusUploaded,
	}
	require.NoError(t, repo.CreateRecording(ctx, rec, []byte("riff")))
	return rec
}

func TestRecordingLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)

	rec := seedRecording(t, ctx, repo, "dev-lifecycle")

	// Resolving the same device twice yields the same identity.
	again, err := repo.ResolveIdentity(ctx, "dev-lifecycle")
	require.NoError(t, err)
	require.Equal(t, rec.IdentityID, again.ID)

	audio, err := repo.RecordingAudio(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("riff"), audio)

	require.NoError(t, repo.TransitionRecording(ctx, rec.ID, domain.RecordingStatusUploaded, domain.RecordingStatusProcessing))

	// Guarded update: the status already moved on, so the same transition
	// fails instead of silently overwriting.
	err = repo.TransitionRecording(ctx, rec.ID, domain.RecordingStatusUploaded, domain.RecordingStatusProcessing)
	var illegal domain.ErrIllegalTransition
	require.ErrorAs(t, err, &illegal)

	// Retryable revert path.
	require.NoError(t, repo.TransitionRecording(ctx, rec.ID, domain.RecordingStatusProcessing, domain.RecordingStatusUploaded))

	stored, err := repo.GetRecording(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RecordingStatusUploaded, stored.Status)

	due, err := repo.UploadedRecordingsDue(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, rec.ID, due[0].ID)
}

func TestSaveTranscriptReplacesExisting(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)

	rec := seedRecording(t, ctx, repo, "dev-transcript")

	require.NoError(t, repo.SaveTranscript(ctx, &domain.Transcript{
		RecordingID: rec.ID,
		Body:        "bench press",
		Confidence:  0.9,
		Provider:    "openai",
	}))
	// A re-driven recording transcribes again; the new text replaces the
	// earlier row instead of accumulating a second one.
	require.NoError(t, repo.SaveTranscript(ctx, &domain.Transcript{
		RecordingID: rec.ID,
		Body:        "bench press again",
		Confidence:  0.95,
		Provider:    "openai",
	}))

	var count int
	var body string
	require.NoError(t, repo.pool.QueryRow(ctx, `SELECT COUNT(*), MAX(body) FROM transcripts WHERE recording_id = $1`, rec.ID).Scan(&count, &body))
	require.Equal(t, 1, count)
	require.Equal(t, "bench press again", body)
}

func TestCompleteWithWorkoutIsAtomic(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)

	rec := seedRecording(t, ctx, repo, "dev-complete")
	require.NoError(t, repo.TransitionRecording(ctx, rec.ID, domain.RecordingStatusUploaded, domain.RecordingStatusProcessing))

	effort := 8
	w := &domain.Workout{
		ID:             uuid.NewString(),
		IdentityID:     rec.IdentityID,
		RecordingID:    rec.ID,
		WorkoutDate:    rec.CapturedAt,
		Notes:          "push day",
		TotalExercises: 1,
	}
	exercises := []domain.Exercise{{
		ID:          uuid.NewString(),
		WorkoutID:   w.ID,
		Name:        "Bench Press",
		Category:    domain.CategoryStrength,
		Sets:        3,
		Reps:        []int{8, 8, 6},
		WeightLbs:   []float64{135, 135, 145},
		EffortLevel: &effort,
		Position:    1,
	}}

	workoutID, err := repo.CompleteWithWorkout(ctx, []string{rec.ID}, w, exercises)
	require.NoError(t, err)

	stored, storedExercises, err := repo.GetWorkout(ctx, workoutID)
	require.NoError(t, err)
	require.Equal(t, "push day", stored.Notes)
	require.Len(t, storedExercises, 1)
	require.Equal(t, []int{8, 8, 6}, storedExercises[0].Reps)
	require.Equal(t, []float64{135, 135, 145}, storedExercises[0].WeightLbs)

	recAfter, err := repo.GetRecording(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RecordingStatusCompleted, recAfter.Status)

	stats, err := repo.UploadStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Completed)
	require.Equal(t, int64(1), stats.Total)
}

func TestSessionGroupingQueries(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)

	first := seedRecording(t, ctx, repo, "dev-session")
	second := seedRecording(t, ctx, repo, "dev-session")

	unlock, err := repo.LockOwner(ctx, first.IdentityID)
	require.NoError(t, err)
	defer unlock()

	sessionID, err := repo.CreateSession(ctx, first.IdentityID, first.ID, first.CapturedAt)
	require.NoError(t, err)

	candidates, err := repo.ActiveCandidates(ctx, first.IdentityID, first.CapturedAt.Add(10*time.Minute), time.Hour)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, sessionID, candidates[0].SessionID)

	require.NoError(t, repo.AppendRecording(ctx, sessionID, second.ID, first.CapturedAt.Add(10*time.Minute)))

	s, members, err := repo.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, 2, s.RecordingCount)
	require.Len(t, members, 2)
	require.Equal(t, domain.SessionStatusActive, s.Status)

	closed, err := repo.CompleteStaleSessions(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), closed)

	// Completed sessions are no longer candidates.
	candidates, err = repo.ActiveCandidates(ctx, first.IdentityID, first.CapturedAt.Add(20*time.Minute), time.Hour)
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestClaimTransaction(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)

	rec := seedRecording(t, ctx, repo, "dev-claim")
	require.NoError(t, repo.TransitionRecording(ctx, rec.ID, domain.RecordingStatusUploaded, domain.RecordingStatusProcessing))
	require.NoError(t, repo.SaveVoiceSample(ctx, rec.ID, make([]float32, 192), 0.8))

	w := &domain.Workout{
		ID:          uuid.NewString(),
		IdentityID:  rec.IdentityID,
		RecordingID: rec.ID,
		WorkoutDate: rec.CapturedAt,
	}
	_, err := repo.CompleteWithWorkout(ctx, []string{rec.ID}, w, nil)
	require.NoError(t, err)

	claimer, err := repo.ResolveIdentity(ctx, "dev-claimer")
	require.NoError(t, err)

	runClaim := func(identityID string) error {
		return repo.RunClaimTx(ctx, func(tx claim.Tx) error {
			stored, err := tx.WorkoutForClaim(ctx, w.ID)
			if err != nil {
				return err
			}
			if stored.ClaimedBy != nil {
				return domain.ErrAlreadyClaimed
			}
			now := time.Now().UTC()
			if err := tx.InsertClaim(ctx, &domain.Claim{
				ID:         uuid.NewString(),
				WorkoutID:  w.ID,
				IdentityID: identityID,
				Method:     domain.ClaimMethodManual,
				ClaimedAt:  now,
			}); err != nil {
				return err
			}
			if err := tx.MarkWorkoutClaimed(ctx, w.ID, identityID, now); err != nil {
				return err
			}
			sample, err := tx.VoiceSample(ctx, stored.RecordingID)
			if err != nil {
				return err
			}
			require.NotNil(t, sample)
			return tx.UpsertVoiceProfile(ctx, &domain.VoiceProfile{
				ID:              uuid.NewString(),
				IdentityID:      identityID,
				Embedding:       sample.Embedding,
				Quality:         *sample.Quality,
				SourceWorkoutID: w.ID,
				UpdatedAt:       now,
			})
		})
	}

	require.NoError(t, runClaim(claimer.ID))

	stored, _, err := repo.GetWorkout(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ClaimedBy)
	require.Equal(t, claimer.ID, *stored.ClaimedBy)

	// Second claim hits the claimed_by guard.
	err = runClaim(rec.IdentityID)
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	files := []string{
		"../../../db/postgres/migrations/0001_init.up.sql",
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	for _, rel := range files {
		path := resolvePath(t, rel)
		contents, readErr := os.ReadFile(path)
		require.NoError(t, readErr)

		_, execErr := pool.Exec(ctx, string(contents))
		require.NoError(t, execErr)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
