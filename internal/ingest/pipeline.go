// Package ingest runs uploaded voice recordings through transcription,
// session grouping, and workout extraction.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"example.com/voicelog/internal/domain"
	"example.com/voicelog/internal/provider"
	"example.com/voicelog/internal/session"
)

// Store is the persistence surface the pipeline drives. Each call is its own
// short transaction except CompleteWithWorkout, which persists the workout,
// its exercises, and the completed transitions atomically.
type Store interface {
	ResolveIdentity(ctx context.Context, deviceUUID string) (*domain.Identity, error)
	IdentityByID(ctx context.Context, identityID string) (*domain.Identity, error)
	CreateRecording(ctx context.Context, rec *domain.Recording, audio []byte) error
	RecordingAudio(ctx context.Context, recordingID string) ([]byte, error)
	TransitionRecording(ctx context.Context, recordingID string, from, to domain.RecordingStatus) error
	SaveTranscript(ctx context.Context, tr *domain.Transcript) error
	SaveVoiceSample(ctx context.Context, recordingID string, embedding []float32, quality float64) error
	CompleteWithWorkout(ctx context.Context, recordingIDs []string, w *domain.Workout, exercises []domain.Exercise) (string, error)
}

// Assigner groups a recording into a session.
type Assigner interface {
	Assign(ctx context.Context, ownerID, recordingID string, capturedAt time.Time, timeoutMinutes int) (session.Assignment, error)
}

// Clock abstracts time so tests can skip the inter-call delay.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Upload is one audio file handed to the pipeline.
type Upload struct {
	Filename string
	MimeType string
	Data     []byte
}

// Result reports what happened to one recording. Provider failures are not
// pipeline errors: they surface here while the HTTP response stays 200.
type Result struct {
	RecordingID        string
	DeviceUUID         string
	SessionID          string
	SessionIsNew       bool
	SessionGapMinutes  float64
	Status             domain.RecordingStatus
	WorkoutID          string
	ExerciseCount      int
	TranscriptionError string
	ExtractionError    string
	RetryAfterSeconds  int
}

// Pipeline orchestrates the upload-to-workout flow.
type Pipeline struct {
	store             Store
	transcriber       provider.Transcriber
	extractor         provider.Extractor
	assigner          Assigner
	clock             Clock
	logger            *log.Logger
	defaultDevice     string
	batchDelay        time.Duration
	transcribeTimeout time.Duration
	extractTimeout    time.Duration
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithBatchDelay sets the pause between transcription calls in a batch.
func WithBatchDelay(d time.Duration) Option {
	return func(p *Pipeline) { p.batchDelay = d }
}

// WithProviderTimeouts bounds each transcription and extraction call. A
// deadline hit inside a provider surfaces as a permanent failure with a
// timeout reason.
func WithProviderTimeouts(transcribe, extract time.Duration) Option {
	return func(p *Pipeline) {
		if transcribe > 0 {
			p.transcribeTimeout = transcribe
		}
		if extract > 0 {
			p.extractTimeout = extract
		}
	}
}

// NewPipeline constructs a Pipeline. defaultDevice is the device recordings
// with unparseable filenames are attributed to.
func NewPipeline(store Store, transcriber provider.Transcriber, extractor provider.Extractor, assigner Assigner, defaultDevice string, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:         store,
		transcriber:   transcriber,
		extractor:     extractor,
		assigner:      assigner,
		clock:         systemClock{},
		logger:        log.New(os.Stdout, "[ingest] ", log.LstdFlags|log.Lmicroseconds),
		defaultDevice: defaultDevice,
		batchDelay:    2 * time.Second,

		transcribeTimeout: 2 * time.Minute,
		extractTimeout:    90 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reprocess re-drives a recording that was reverted to uploaded after a
// retryable provider failure. The stored audio is run through the same flow
// as a fresh upload.
func (p *Pipeline) Reprocess(ctx context.Context, rec *domain.Recording) (*Result, error) {
	if rec.Status != domain.RecordingStatusUploaded {
		return nil, fmt.Errorf("reprocess %s: recording is %s, not uploaded", rec.ID, rec.Status)
	}
	ctx = context.WithoutCancel(ctx)
	identity, err := p.store.IdentityByID(ctx, rec.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	audio, err := p.store.RecordingAudio(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("load audio: %w", err)
	}

	uploads := []Upload{{Filename: rec.OriginalFilename, MimeType: rec.MimeType, Data: audio}}
	results := []*Result{{RecordingID: rec.ID, DeviceUUID: rec.DeviceUUID, Status: rec.Status}}
	if rec.SessionID != nil {
		results[0].SessionID = *rec.SessionID
	}
	if err := p.process(ctx, identity, []*domain.Recording{rec}, uploads, results); err != nil {
		return nil, err
	}
	return results[0], nil
}

// Ingest processes a single upload end to end.
func (p *Pipeline) Ingest(ctx context.Context, up Upload) (*Result, error) {
	results, err := p.IngestBatch(ctx, []Upload{up})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// IngestBatch processes uploads captured back to back as one workout: every
// recording is transcribed individually, the transcripts are combined, and a
// single extraction produces the shared workout. All recordings in the batch
// must come from the same device.
func (p *Pipeline) IngestBatch(ctx context.Context, uploads []Upload) ([]*Result, error) {
	if len(uploads) == 0 {
		return nil, errors.New("ingest: empty batch")
	}

	// An accepted upload runs to completion even when the client abandons
	// the request. Without this, a cancelled context would also break the
	// failure transitions and strand recordings in processing.
	ctx = context.WithoutCancel(ctx)

	now := p.clock.Now()
	metas := make([]FileMeta, len(uploads))
	for i, up := range uploads {
		metas[i] = ParseFilename(up.Filename, p.defaultDevice, now)
	}

	identity, err := p.store.ResolveIdentity(ctx, metas[0].DeviceUUID)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	recordings := make([]*domain.Recording, len(uploads))
	results := make([]*Result, len(uploads))
	for i, up := range uploads {
		rec := &domain.Recording{
			ID:               uuid.NewString(),
			IdentityID:       identity.ID,
			DeviceUUID:       metas[i].DeviceUUID,
			OriginalFilename: up.Filename,
			ByteSize:         int64(len(up.Data)),
			MimeType:         up.MimeType,
			CapturedAt:       metas[i].CapturedAt,
			Status:           domain.RecordingStatusUploaded,
		}
		if err := p.store.CreateRecording(ctx, rec, up.Data); err != nil {
			return nil, fmt.Errorf("create recording: %w", err)
		}
		recordings[i] = rec
		results[i] = &Result{
			RecordingID: rec.ID,
			DeviceUUID:  rec.DeviceUUID,
			Status:      domain.RecordingStatusUploaded,
		}
	}

	if err := p.process(ctx, identity, recordings, uploads, results); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Pipeline) process(ctx context.Context, identity *domain.Identity, recordings []*domain.Recording, uploads []Upload, results []*Result) error {
	// Session assignment comes before any provider call, so a stalled or
	// failed transcription still reports the recording's session. It is
	// best effort: a grouping failure must not lose the recording.
	p.assignSessions(ctx, identity, recordings, results)

	if err := p.transitionAll(ctx, recordings, results, domain.RecordingStatusUploaded, domain.RecordingStatusProcessing); err != nil {
		return err
	}

	// One file's transcription failure does not sink its batch siblings:
	// the failed file is marked on its own and extraction runs over the
	// transcripts that succeeded.
	var survivors []int
	var texts []string
	for i, rec := range recordings {
		if i > 0 && p.batchDelay > 0 {
			p.clock.Sleep(ctx, p.batchDelay)
		}
		tr, err := p.transcribe(ctx, uploads[i].Data, rec.MimeType)
		if err != nil {
			if ferr := p.fail(ctx, recordings[i:i+1], results[i:i+1], err, stageTranscription); ferr != nil {
				return ferr
			}
			continue
		}
		if err := p.store.SaveTranscript(ctx, &domain.Transcript{
			RecordingID:  rec.ID,
			Body:         tr.Text,
			Confidence:   tr.Confidence,
			Provider:     tr.Provider,
			ProcessingMS: tr.ProcessingMS,
		}); err != nil {
			return fmt.Errorf("save transcript: %w", err)
		}
		if len(tr.Embedding) > 0 && tr.Quality != nil {
			if err := p.store.SaveVoiceSample(ctx, rec.ID, tr.Embedding, *tr.Quality); err != nil {
				return fmt.Errorf("save voice sample: %w", err)
			}
		}
		survivors = append(survivors, i)
		texts = append(texts, tr.Text)
	}
	if len(survivors) == 0 {
		return nil
	}

	transcript := texts[0]
	if len(texts) > 1 {
		transcript = provider.CombineTranscripts(texts)
	}

	transcribed := make([]*domain.Recording, len(survivors))
	transcribedResults := make([]*Result, len(survivors))
	ids := make([]string, len(survivors))
	for n, i := range survivors {
		transcribed[n] = recordings[i]
		transcribedResults[n] = results[i]
		ids[n] = recordings[i].ID
	}

	extracted, err := p.extract(ctx, transcript, len(texts) > 1, len(texts))
	if err != nil {
		return p.fail(ctx, transcribed, transcribedResults, err, stageExtraction)
	}

	workout, exercises := buildWorkout(identity.ID, transcribed, extracted)
	workoutID, err := p.store.CompleteWithWorkout(ctx, ids, workout, exercises)
	if err != nil {
		return fmt.Errorf("persist workout: %w", err)
	}
	for _, res := range transcribedResults {
		res.Status = domain.RecordingStatusCompleted
		res.WorkoutID = workoutID
		res.ExerciseCount = len(exercises)
	}
	return nil
}

func (p *Pipeline) transcribe(ctx context.Context, audio []byte, mimeType string) (*provider.Transcription, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.transcribeTimeout)
	defer cancel()
	return p.transcriber.Transcribe(callCtx, audio, mimeType)
}

func (p *Pipeline) extract(ctx context.Context, transcript string, multiRecording bool, recordingCount int) (*domain.ExtractedWorkout, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.extractTimeout)
	defer cancel()
	return p.extractor.Extract(callCtx, transcript, multiRecording, recordingCount)
}

type stage int

const (
	stageTranscription stage = iota
	stageExtraction
)

// fail handles a provider failure for the given recordings. Retryable
// failures roll them back to uploaded so a later sweep can retry them;
// permanent failures mark them failed. Either way the pipeline reports
// success and the caller reads the outcome from the results.
func (p *Pipeline) fail(ctx context.Context, recordings []*domain.Recording, results []*Result, provErr error, st stage) error {
	var retryable *provider.RetryableError
	to := domain.RecordingStatusFailed
	retryAfter := 0
	if errors.As(provErr, &retryable) {
		to = domain.RecordingStatusUploaded
		retryAfter = int(retryable.RetryAfter.Seconds())
	}
	p.logger.Printf("provider failure (stage=%d retryable=%t): %v", st, to == domain.RecordingStatusUploaded, provErr)

	if err := p.transitionAll(ctx, recordings, results, domain.RecordingStatusProcessing, to); err != nil {
		return err
	}
	for _, res := range results {
		res.RetryAfterSeconds = retryAfter
		switch st {
		case stageTranscription:
			res.TranscriptionError = provErr.Error()
		case stageExtraction:
			res.ExtractionError = provErr.Error()
		}
	}
	return nil
}

func (p *Pipeline) transitionAll(ctx context.Context, recordings []*domain.Recording, results []*Result, from, to domain.RecordingStatus) error {
	for i, rec := range recordings {
		if err := p.store.TransitionRecording(ctx, rec.ID, from, to); err != nil {
			return fmt.Errorf("transition %s -> %s: %w", from, to, err)
		}
		rec.Status = to
		results[i].Status = to
	}
	return nil
}

func (p *Pipeline) assignSessions(ctx context.Context, identity *domain.Identity, recordings []*domain.Recording, results []*Result) {
	timeout := 0
	if identity.SessionTimeoutMinutes != nil {
		timeout = *identity.SessionTimeoutMinutes
	}
	for i, rec := range recordings {
		if rec.SessionID != nil {
			results[i].SessionID = *rec.SessionID
			continue
		}
		a, err := p.assigner.Assign(ctx, identity.ID, rec.ID, rec.CapturedAt, timeout)
		if err != nil {
			p.logger.Printf("session assignment failed for recording %s: %v", rec.ID, err)
			continue
		}
		rec.SessionID = &a.SessionID
		results[i].SessionID = a.SessionID
		results[i].SessionIsNew = a.IsNew
		results[i].SessionGapMinutes = a.GapMinutes
	}
}

func buildWorkout(identityID string, recordings []*domain.Recording, ex *domain.ExtractedWorkout) (*domain.Workout, []domain.Exercise) {
	first := recordings[0]
	date := first.CapturedAt
	if ex.WorkoutDate != nil {
		if parsed, err := time.Parse("2006-01-02", *ex.WorkoutDate); err == nil {
			date = parsed
		}
	}
	w := &domain.Workout{
		ID:              uuid.NewString(),
		IdentityID:      identityID,
		RecordingID:     first.ID,
		SessionID:       first.SessionID,
		WorkoutDate:     date,
		DurationMinutes: ex.DurationMinutes,
		Notes:           ex.Notes,
		TotalExercises:  len(ex.Exercises),
	}
	exercises := make([]domain.Exercise, len(ex.Exercises))
	for i, e := range ex.Exercises {
		exercises[i] = domain.Exercise{
			ID:              uuid.NewString(),
			WorkoutID:       w.ID,
			Name:            e.Name,
			Category:        domain.NormalizeCategory(e.Category),
			MuscleGroups:    e.MuscleGroups,
			Sets:            e.Sets,
			Reps:            []int(e.Reps),
			WeightLbs:       []float64(e.WeightLbs),
			DurationMinutes: e.DurationMinutes,
			DistanceMiles:   e.DistanceMiles,
			EffortLevel:     e.EffortLevel,
			RestSeconds:     e.RestSeconds,
			Notes:           e.Notes,
			Position:        e.Position,
		}
	}
	return w, exercises
}
