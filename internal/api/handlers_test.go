package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"example.com/voicelog/internal/auth"
	"example.com/voicelog/internal/domain"
	"example.com/voicelog/internal/ingest"
)

type mockIngestor struct {
	results  []*ingest.Result
	received []ingest.Upload
}

func (m *mockIngestor) Ingest(_ context.Context, up ingest.Upload) (*ingest.Result, error) {
	m.received = append(m.received, up)
	return m.results[0], nil
}

func (m *mockIngestor) IngestBatch(_ context.Context, uploads []ingest.Upload) ([]*ingest.Result, error) {
	m.received = append(m.received, uploads...)
	return m.results, nil
}

type mockClaimer struct {
	result *domain.ClaimResult
	err    error
	gotID  string
	gotBy  string
}

func (m *mockClaimer) Claim(_ context.Context, workoutID, identityID string) (*domain.ClaimResult, error) {
	m.gotID = workoutID
	m.gotBy = identityID
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type mockReader struct {
	workout   *domain.Workout
	exercises []domain.Exercise
	session   *domain.Session
	members   []*domain.Recording
	stats     *domain.UploadStats
}

func (m *mockReader) GetWorkout(_ context.Context, _ string) (*domain.Workout, []domain.Exercise, error) {
	if m.workout == nil {
		return nil, nil, domain.ErrWorkoutNotFound
	}
	return m.workout, m.exercises, nil
}

func (m *mockReader) GetSession(_ context.Context, _ string) (*domain.Session, []*domain.Recording, error) {
	if m.session == nil {
		return nil, nil, domain.ErrSessionNotFound
	}
	return m.session, m.members, nil
}

func (m *mockReader) ListWorkouts(_ context.Context, _ string, _ *domain.Cursor, limit int) ([]*domain.Workout, *domain.Cursor, error) {
	if m.workout == nil {
		return nil, nil, nil
	}
	return []*domain.Workout{m.workout}, nil, nil
}

func (m *mockReader) UploadStats(_ context.Context) (*domain.UploadStats, error) {
	return m.stats, nil
}

func authedRequest(req *http.Request, scopes ...string) *http.Request {
	claims := &auth.Claims{
		Subject:   "ident-1",
		Scopes:    map[string]struct{}{},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	for _, s := range scopes {
		claims.Scopes[s] = struct{}{}
	}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

func multipartBody(t *testing.T, filenames ...string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, name := range filenames {
		part, err := writer.CreateFormFile("audio", name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write([]byte("riff-data")); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestUploadReturnsPipelineOutcome(t *testing.T) {
	ingestor := &mockIngestor{results: []*ingest.Result{{
		RecordingID:   "rec-1",
		DeviceUUID:    "dev-1",
		SessionID:     "sess-1",
		SessionIsNew:  true,
		Status:        domain.RecordingStatusCompleted,
		WorkoutID:     "w-1",
		ExerciseCount: 3,
	}}}
	handler := NewHandler(ingestor, &mockClaimer{}, &mockReader{})

	body, contentType := multipartBody(t, "dev-1_1756710000000.wav")
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", body)
	req.Header.Set("Content-Type", contentType)

	rr := httptest.NewRecorder()
	handler.upload(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp UploadView
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.RecordingID != "rec-1" || !resp.Processed || resp.ExerciseCount != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Session == nil || resp.Session.SessionID != "sess-1" || !resp.Session.IsNewSession {
		t.Fatalf("unexpected session info: %+v", resp.Session)
	}
	if len(ingestor.received) != 1 || ingestor.received[0].MimeType != "audio/wav" {
		t.Fatalf("unexpected upload passed to pipeline: %+v", ingestor.received)
	}
}

func TestUploadCarriesRetryableErrorIn201(t *testing.T) {
	ingestor := &mockIngestor{results: []*ingest.Result{{
		RecordingID:        "rec-1",
		DeviceUUID:         "dev-1",
		Status:             domain.RecordingStatusUploaded,
		TranscriptionError: "quota exceeded",
		RetryAfterSeconds:  3600,
	}}}
	handler := NewHandler(ingestor, &mockClaimer{}, &mockReader{})

	body, contentType := multipartBody(t, "dev-1_1756710000000.mp3")
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", body)
	req.Header.Set("Content-Type", contentType)

	rr := httptest.NewRecorder()
	handler.upload(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rr.Code)
	}
	var resp UploadView
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Processed {
		t.Fatal("upload should not be marked processed")
	}
	if resp.TranscriptionError != "quota exceeded" || resp.RetryAfter != 3600 {
		t.Fatalf("unexpected error surface: %+v", resp)
	}
}

func TestUploadRejectsUnsupportedFormat(t *testing.T) {
	handler := NewHandler(&mockIngestor{}, &mockClaimer{}, &mockReader{})

	body, contentType := multipartBody(t, "voice.flac")
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", body)
	req.Header.Set("Content-Type", contentType)

	rr := httptest.NewRecorder()
	handler.upload(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestUploadRejectsTokenWithoutUploadScope(t *testing.T) {
	ingestor := &mockIngestor{results: []*ingest.Result{{RecordingID: "rec-1"}}}
	handler := NewHandler(ingestor, &mockClaimer{}, &mockReader{})

	body, contentType := multipartBody(t, "dev-1_1756710000000.wav")
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", body)
	req.Header.Set("Content-Type", contentType)
	req = authedRequest(req, auth.ScopeWorkoutsRead)

	rr := httptest.NewRecorder()
	handler.upload(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
	if len(ingestor.received) != 0 {
		t.Fatalf("pipeline should not run: %+v", ingestor.received)
	}
}

func TestUploadAcceptsTokenWithUploadScope(t *testing.T) {
	ingestor := &mockIngestor{results: []*ingest.Result{{
		RecordingID: "rec-1",
		Status:      domain.RecordingStatusCompleted,
	}}}
	handler := NewHandler(ingestor, &mockClaimer{}, &mockReader{})

	body, contentType := multipartBody(t, "dev-1_1756710000000.wav")
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", body)
	req.Header.Set("Content-Type", contentType)
	req = authedRequest(req, auth.ScopeUploadsWrite)

	rr := httptest.NewRecorder()
	handler.upload(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestUploadBatchSharesOneWorkout(t *testing.T) {
	shared := func(id string) *ingest.Result {
		return &ingest.Result{
			RecordingID:   id,
			DeviceUUID:    "dev-1",
			Status:        domain.RecordingStatusCompleted,
			WorkoutID:     "w-1",
			ExerciseCount: 4,
		}
	}
	ingestor := &mockIngestor{results: []*ingest.Result{shared("rec-1"), shared("rec-2")}}
	handler := NewHandler(ingestor, &mockClaimer{}, &mockReader{})

	body, contentType := multipartBody(t, "dev-1_1756710000000.wav", "dev-1_1756710300000.wav")
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads/batch", body)
	req.Header.Set("Content-Type", contentType)

	rr := httptest.NewRecorder()
	handler.uploadBatch(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rr.Code, rr.Body.String())
	}
	var resp BatchUploadResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Recordings) != 2 || resp.WorkoutID != "w-1" || resp.ExerciseCount != 4 {
		t.Fatalf("unexpected batch response: %+v", resp)
	}
}

func TestClaimWorkout(t *testing.T) {
	claimedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	claimer := &mockClaimer{result: &domain.ClaimResult{
		Claimed:             true,
		VoiceProfileCreated: true,
		WorkoutID:           "w-1",
		IdentityID:          "ident-1",
		ClaimedAt:           claimedAt,
	}}
	handler := NewHandler(&mockIngestor{}, claimer, &mockReader{})

	req := httptest.NewRequest(http.MethodPost, "/v1/workouts/w-1/claim", nil)
	req = authedRequest(req, auth.ScopeWorkoutsClaim)

	rr := httptest.NewRecorder()
	handler.workoutByID(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	if claimer.gotID != "w-1" || claimer.gotBy != "ident-1" {
		t.Fatalf("claim called with %q by %q", claimer.gotID, claimer.gotBy)
	}
	var resp ClaimResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Claimed || !resp.VoiceProfileCreated {
		t.Fatalf("unexpected claim response: %+v", resp)
	}
}

func TestClaimConflict(t *testing.T) {
	claimer := &mockClaimer{err: domain.ErrAlreadyClaimed}
	handler := NewHandler(&mockIngestor{}, claimer, &mockReader{})

	req := httptest.NewRequest(http.MethodPost, "/v1/workouts/w-1/claim", nil)
	req = authedRequest(req, auth.ScopeWorkoutsClaim)

	rr := httptest.NewRecorder()
	handler.workoutByID(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rr.Code)
	}
}

func TestClaimRequiresScope(t *testing.T) {
	handler := NewHandler(&mockIngestor{}, &mockClaimer{}, &mockReader{})

	req := httptest.NewRequest(http.MethodPost, "/v1/workouts/w-1/claim", nil)
	req = authedRequest(req, auth.ScopeWorkoutsRead)

	rr := httptest.NewRecorder()
	handler.workoutByID(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestGetWorkoutNotFound(t *testing.T) {
	handler := NewHandler(&mockIngestor{}, &mockClaimer{}, &mockReader{})

	req := httptest.NewRequest(http.MethodGet, "/v1/workouts/w-missing", nil)
	req = authedRequest(req, auth.ScopeWorkoutsRead)

	rr := httptest.NewRecorder()
	handler.workoutByID(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestGetSessionWithRecordings(t *testing.T) {
	started := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	reader := &mockReader{
		session: &domain.Session{
			ID:             "sess-1",
			IdentityID:     "ident-1",
			StartedAt:      started,
			LastActivityAt: started.Add(30 * time.Minute),
			RecordingCount: 2,
			Status:         domain.SessionStatusActive,
		},
		members: []*domain.Recording{
			{ID: "rec-1", OriginalFilename: "dev_1.wav", CapturedAt: started, Status: domain.RecordingStatusCompleted},
			{ID: "rec-2", OriginalFilename: "dev_2.wav", CapturedAt: started.Add(30 * time.Minute), Status: domain.RecordingStatusCompleted},
		},
	}
	handler := NewHandler(&mockIngestor{}, &mockClaimer{}, reader)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-1", nil)
	req = authedRequest(req, auth.ScopeWorkoutsRead)

	rr := httptest.NewRecorder()
	handler.sessionByID(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	var resp SessionView
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.RecordingCount != 2 || len(resp.Recordings) != 2 {
		t.Fatalf("unexpected session response: %+v", resp)
	}
}

func TestUploadStats(t *testing.T) {
	reader := &mockReader{stats: &domain.UploadStats{Total: 10, Uploaded: 2, Processing: 1, Completed: 6, Failed: 1}}
	handler := NewHandler(&mockIngestor{}, &mockClaimer{}, reader)

	req := httptest.NewRequest(http.MethodGet, "/v1/uploads/stats", nil)
	req = authedRequest(req, auth.ScopeWorkoutsRead)

	rr := httptest.NewRecorder()
	handler.uploadStats(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	var resp UploadStatsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Total != 10 || resp.Completed != 6 {
		t.Fatalf("unexpected stats: %+v", resp)
	}
}
