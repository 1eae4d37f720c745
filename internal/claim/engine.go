// Package claim links workouts to authenticated identities and maintains the
// voice profiles derived from claimed recordings.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"example.com/voicelog/internal/domain"
)

// VoiceSample is the embedding material a claimed workout's source recording
// carries. Quality is nil when the capture device produced no embedding.
type VoiceSample struct {
	Embedding []float32
	Quality   *float64
}

// Tx is the set of operations available inside one claim transaction. Every
// method runs on the same database transaction; an error from any of them
// rolls the whole claim back.
type Tx interface {
	// WorkoutForClaim loads the workout and locks its row for the duration
	// of the transaction. Returns domain.ErrWorkoutNotFound when absent.
	WorkoutForClaim(ctx context.Context, workoutID string) (*domain.Workout, error)
	// InsertClaim records the claim. Returns domain.ErrAlreadyClaimed if a
	// claim for the workout already exists.
	InsertClaim(ctx context.Context, c *domain.Claim) error
	// MarkWorkoutClaimed stamps the workout with its new owner.
	MarkWorkoutClaimed(ctx context.Context, workoutID, identityID string, at time.Time) error
	// SourceDevice returns the device UUID of the workout's source recording.
	SourceDevice(ctx context.Context, recordingID string) (string, error)
	// VoiceSample returns the embedding captured with the source recording.
	VoiceSample(ctx context.Context, recordingID string) (*VoiceSample, error)
	// UpsertDeviceLink associates the device with the identity, so future
	// uploads from it resolve without a claim.
	UpsertDeviceLink(ctx context.Context, identityID, deviceUUID string) error
	// UpsertVoiceProfile creates or refreshes the identity's voice profile.
	UpsertVoiceProfile(ctx context.Context, p *domain.VoiceProfile) error
}

// Store opens claim transactions.
type Store interface {
	RunClaimTx(ctx context.Context, fn func(Tx) error) error
}

// Engine performs workout claims.
type Engine struct {
	store     Store
	threshold float64
	logger    *log.Logger
	now       func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithQualityThreshold overrides the voice profile quality gate.
func WithQualityThreshold(t float64) Option {
	return func(e *Engine) { e.threshold = t }
}

// WithNow overrides the claim timestamp source.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine constructs an Engine.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		threshold: domain.VoiceQualityThreshold,
		logger:    log.New(os.Stdout, "[claim] ", log.LstdFlags|log.Lmicroseconds),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Claim takes ownership of a workout for identityID. The claim record, the
// workout stamp, the device link, and the voice profile update all commit in
// one transaction or not at all. A second claim on the same workout returns
// domain.ErrAlreadyClaimed, including when two claims race.
func (e *Engine) Claim(ctx context.Context, workoutID, identityID string) (*domain.ClaimResult, error) {
	result := &domain.ClaimResult{WorkoutID: workoutID, IdentityID: identityID}
	claimedAt := e.now()

	err := e.store.RunClaimTx(ctx, func(tx Tx) error {
		w, err := tx.WorkoutForClaim(ctx, workoutID)
		if err != nil {
			return err
		}
		if w.ClaimedBy != nil {
			return domain.ErrAlreadyClaimed
		}

		if err := tx.InsertClaim(ctx, &domain.Claim{
			ID:         uuid.NewString(),
			WorkoutID:  workoutID,
			IdentityID: identityID,
			Method:     domain.ClaimMethodManual,
			ClaimedAt:  claimedAt,
		}); err != nil {
			return err
		}
		if err := tx.MarkWorkoutClaimed(ctx, workoutID, identityID, claimedAt); err != nil {
			return fmt.Errorf("stamp workout: %w", err)
		}

		device, err := tx.SourceDevice(ctx, w.RecordingID)
		if err != nil {
			return fmt.Errorf("resolve source device: %w", err)
		}
		if device != "" {
			if err := tx.UpsertDeviceLink(ctx, identityID, device); err != nil {
				return fmt.Errorf("link device: %w", err)
			}
		}

		sample, err := tx.VoiceSample(ctx, w.RecordingID)
		if err != nil {
			return fmt.Errorf("load voice sample: %w", err)
		}
		if sample != nil && sample.Quality != nil && *sample.Quality > e.threshold {
			if err := tx.UpsertVoiceProfile(ctx, &domain.VoiceProfile{
				ID:              uuid.NewString(),
				IdentityID:      identityID,
				Embedding:       sample.Embedding,
				Quality:         *sample.Quality,
				SourceWorkoutID: workoutID,
				UpdatedAt:       claimedAt,
			}); err != nil {
				return fmt.Errorf("upsert voice profile: %w", err)
			}
			result.VoiceProfileCreated = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) || errors.Is(err, domain.ErrWorkoutNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("claim workout %s: %w", workoutID, err)
	}

	result.Claimed = true
	result.ClaimedAt = claimedAt
	e.logger.Printf("workout %s claimed by %s (voice profile updated: %t)", workoutID, identityID, result.VoiceProfileCreated)
	return result, nil
}
