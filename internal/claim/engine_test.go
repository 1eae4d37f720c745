package claim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/voicelog/internal/domain"
)

type fakeTx struct {
	workout      *domain.Workout
	sample       *VoiceSample
	device       string
	insertErr    error
	ops          []string
	claim        *domain.Claim
	profile      *domain.VoiceProfile
	deviceLinked bool
}

func (t *fakeTx) WorkoutForClaim(_ context.Context, workoutID string) (*domain.Workout, error) {
	t.ops = append(t.ops, "lock")
	if t.workout == nil || t.workout.ID != workoutID {
		return nil, domain.ErrWorkoutNotFound
	}
	return t.workout, nil
}

func (t *fakeTx) InsertClaim(_ context.Context, c *domain.Claim) error {
	t.ops = append(t.ops, "claim")
	if t.insertErr != nil {
		return t.insertErr
	}
	t.claim = c
	return nil
}

func (t *fakeTx) MarkWorkoutClaimed(_ context.Context, _, identityID string, at time.Time) error {
	t.ops = append(t.ops, "stamp")
	t.workout.ClaimedBy = &identityID
	t.workout.ClaimedAt = &at
	return nil
}

func (t *fakeTx) SourceDevice(_ context.Context, _ string) (string, error) {
	return t.device, nil
}

func (t *fakeTx) VoiceSample(_ context.Context, _ string) (*VoiceSample, error) {
	return t.sample, nil
}

func (t *fakeTx) UpsertDeviceLink(_ context.Context, _, _ string) error {
	t.deviceLinked = true
	return nil
}

func (t *fakeTx) UpsertVoiceProfile(_ context.Context, p *domain.VoiceProfile) error {
	t.profile = p
	return nil
}

type fakeStore struct {
	tx         *fakeTx
	rolledBack bool
}

func (s *fakeStore) RunClaimTx(_ context.Context, fn func(Tx) error) error {
	err := fn(s.tx)
	if err != nil {
		s.rolledBack = true
	}
	return err
}

func unclaimedWorkout() *domain.Workout {
	return &domain.Workout{ID: "w-1", RecordingID: "rec-1"}
}

func quality(q float64) *VoiceSample {
	return &VoiceSample{Embedding: make([]float32, 192), Quality: &q}
}

func TestClaimCreatesVoiceProfileAboveThreshold(t *testing.T) {
	tx := &fakeTx{workout: unclaimedWorkout(), sample: quality(0.75), device: "dev-1"}
	store := &fakeStore{tx: tx}
	e := NewEngine(store)

	res, err := e.Claim(context.Background(), "w-1", "ident-1")
	require.NoError(t, err)
	require.True(t, res.Claimed)
	require.True(t, res.VoiceProfileCreated)
	require.NotNil(t, tx.profile)
	require.Equal(t, 0.75, tx.profile.Quality)
	require.Equal(t, "w-1", tx.profile.SourceWorkoutID)
	require.True(t, tx.deviceLinked)
	require.Equal(t, "ident-1", tx.claim.IdentityID)
	require.Equal(t, domain.ClaimMethodManual, tx.claim.Method)
}

func TestClaimSkipsVoiceProfileBelowThreshold(t *testing.T) {
	tx := &fakeTx{workout: unclaimedWorkout(), sample: quality(0.55), device: "dev-1"}
	store := &fakeStore{tx: tx}
	e := NewEngine(store)

	res, err := e.Claim(context.Background(), "w-1", "ident-1")
	require.NoError(t, err)
	require.True(t, res.Claimed)
	require.False(t, res.VoiceProfileCreated)
	require.Nil(t, tx.profile)
	// The claim itself still lands.
	require.NotNil(t, tx.claim)
}

func TestClaimThresholdIsExclusive(t *testing.T) {
	tx := &fakeTx{workout: unclaimedWorkout(), sample: quality(0.6)}
	store := &fakeStore{tx: tx}
	e := NewEngine(store)

	res, err := e.Claim(context.Background(), "w-1", "ident-1")
	require.NoError(t, err)
	require.False(t, res.VoiceProfileCreated)
}

func TestClaimWithoutVoiceSample(t *testing.T) {
	tx := &fakeTx{workout: unclaimedWorkout()}
	store := &fakeStore{tx: tx}
	e := NewEngine(store)

	res, err := e.Claim(context.Background(), "w-1", "ident-1")
	require.NoError(t, err)
	require.True(t, res.Claimed)
	require.False(t, res.VoiceProfileCreated)
}

func TestClaimAlreadyClaimedWorkout(t *testing.T) {
	owner := "ident-0"
	w := unclaimedWorkout()
	w.ClaimedBy = &owner
	store := &fakeStore{tx: &fakeTx{workout: w}}
	e := NewEngine(store)

	_, err := e.Claim(context.Background(), "w-1", "ident-1")
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	require.True(t, store.rolledBack)
}

func TestClaimRaceSurfacesAsAlreadyClaimed(t *testing.T) {
	// The row looks unclaimed but the insert hits the unique constraint:
	// another transaction won the race.
	tx := &fakeTx{workout: unclaimedWorkout(), insertErr: domain.ErrAlreadyClaimed}
	store := &fakeStore{tx: tx}
	e := NewEngine(store)

	_, err := e.Claim(context.Background(), "w-1", "ident-1")
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)
}

func TestClaimUnknownWorkout(t *testing.T) {
	store := &fakeStore{tx: &fakeTx{}}
	e := NewEngine(store)

	_, err := e.Claim(context.Background(), "w-missing", "ident-1")
	require.ErrorIs(t, err, domain.ErrWorkoutNotFound)
}

func TestClaimRollsBackOnProfileError(t *testing.T) {
	boom := errors.New("disk full")
	tx := &profileFailTx{fakeTx: fakeTx{workout: unclaimedWorkout(), sample: quality(0.9)}, err: boom}
	store := &failStore{tx: tx}
	e := NewEngine(store)

	_, err := e.Claim(context.Background(), "w-1", "ident-1")
	require.ErrorIs(t, err, boom)
	require.True(t, store.rolledBack)
}

type profileFailTx struct {
	fakeTx
	err error
}

func (t *profileFailTx) UpsertVoiceProfile(_ context.Context, _ *domain.VoiceProfile) error {
	return t.err
}

type failStore struct {
	tx         Tx
	rolledBack bool
}

func (s *failStore) RunClaimTx(_ context.Context, fn func(Tx) error) error {
	err := fn(s.tx)
	if err != nil {
		s.rolledBack = true
	}
	return err
}
