// Package api exposes HTTP handlers for the voicelog service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"example.com/voicelog/internal/auth"
	"example.com/voicelog/internal/domain"
	"example.com/voicelog/internal/ingest"
	"example.com/voicelog/internal/persistence"
)

const (
	maxUploadBytes = 50 << 20
	maxBatchFiles  = 20
)

// Ingestor runs uploads through the transcription and extraction pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, up ingest.Upload) (*ingest.Result, error)
	IngestBatch(ctx context.Context, uploads []ingest.Upload) ([]*ingest.Result, error)
}

// Claimer links workouts to identities.
type Claimer interface {
	Claim(ctx context.Context, workoutID, identityID string) (*domain.ClaimResult, error)
}

// Reader serves the query endpoints.
type Reader interface {
	GetWorkout(ctx context.Context, workoutID string) (*domain.Workout, []domain.Exercise, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, []*domain.Recording, error)
	ListWorkouts(ctx context.Context, identityID string, cursor *domain.Cursor, limit int) ([]*domain.Workout, *domain.Cursor, error)
	UploadStats(ctx context.Context) (*domain.UploadStats, error)
}

// Handler coordinates HTTP requests with the pipeline, the claim engine, and
// the read side.
type Handler struct {
	ingestor Ingestor
	claimer  Claimer
	reader   Reader
}

// NewHandler builds a Handler.
func NewHandler(ingestor Ingestor, claimer Claimer, reader Reader) *Handler {
	return &Handler{ingestor: ingestor, claimer: claimer, reader: reader}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/uploads", h.upload)
	mux.HandleFunc("/v1/uploads/batch", h.uploadBatch)
	mux.HandleFunc("/v1/uploads/stats", h.uploadStats)
	mux.HandleFunc("/v1/workouts", h.listWorkouts)
	mux.HandleFunc("/v1/workouts/", h.workoutByID)
	mux.HandleFunc("/v1/sessions/", h.sessionByID)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	if !allowUpload(w, r) {
		return
	}
	uploads, ok := h.readUploads(w, r, 1)
	if !ok {
		return
	}

	result, err := h.ingestor.Ingest(r.Context(), uploads[0])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toUploadView(result))
}

func (h *Handler) uploadBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	if !allowUpload(w, r) {
		return
	}
	uploads, ok := h.readUploads(w, r, maxBatchFiles)
	if !ok {
		return
	}

	results, err := h.ingestor.IngestBatch(r.Context(), uploads)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := BatchUploadResponse{
		Recordings: make([]UploadView, 0, len(results)),
		Status:     string(results[0].Status),
	}
	for _, res := range results {
		resp.Recordings = append(resp.Recordings, toUploadView(res))
	}
	if results[0].WorkoutID != "" {
		resp.WorkoutID = results[0].WorkoutID
		resp.ExerciseCount = results[0].ExerciseCount
	}
	writeJSON(w, http.StatusCreated, resp)
}

// readUploads parses the multipart form and validates every file before any
// of them touches the pipeline. Audio is capped at 50 MB per file; mp3, wav,
// and m4a are the accepted formats.
func (h *Handler) readUploads(w http.ResponseWriter, r *http.Request, maxFiles int) ([]ingest.Upload, bool) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse multipart form")
		return nil, false
	}
	if r.MultipartForm == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "multipart form required")
		return nil, false
	}

	files := r.MultipartForm.File["audio"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "missing audio file field")
		return nil, false
	}
	if len(files) > maxFiles {
		writeError(w, http.StatusBadRequest, "validation_failed", fmt.Sprintf("too many files: max %d per request", maxFiles))
		return nil, false
	}

	uploads := make([]ingest.Upload, 0, len(files))
	for _, header := range files {
		up, err := readUpload(header)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return nil, false
		}
		uploads = append(uploads, up)
	}
	return uploads, true
}

var mimeByExtension = map[string]string{
	".mp3": "audio/mpeg",
	".wav": "audio/wav",
	".m4a": "audio/mp4",
}

func readUpload(header *multipart.FileHeader) (ingest.Upload, error) {
	ext := strings.ToLower(path.Ext(header.Filename))
	mimeType, ok := mimeByExtension[ext]
	if !ok {
		return ingest.Upload{}, fmt.Errorf("unsupported audio format %q: expected mp3, wav, or m4a", ext)
	}
	if header.Size > maxUploadBytes {
		return ingest.Upload{}, fmt.Errorf("file %s exceeds the 50 MB limit", header.Filename)
	}

	file, err := header.Open()
	if err != nil {
		return ingest.Upload{}, fmt.Errorf("open %s: %w", header.Filename, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		return ingest.Upload{}, fmt.Errorf("read %s: %w", header.Filename, err)
	}
	if len(data) > maxUploadBytes {
		return ingest.Upload{}, fmt.Errorf("file %s exceeds the 50 MB limit", header.Filename)
	}
	if len(data) == 0 {
		return ingest.Upload{}, fmt.Errorf("file %s is empty", header.Filename)
	}

	if ct := header.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		mimeType = ct
	}
	return ingest.Upload{Filename: header.Filename, MimeType: mimeType, Data: data}, nil
}

func (h *Handler) uploadStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireScope(w, r, auth.ScopeWorkoutsRead) {
		return
	}

	stats, err := h.reader.UploadStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, UploadStatsResponse{
		Total:      stats.Total,
		Uploaded:   stats.Uploaded,
		Processing: stats.Processing,
		Completed:  stats.Completed,
		Failed:     stats.Failed,
	})
}

func (h *Handler) listWorkouts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeWorkoutsRead) {
		writeError(w, http.StatusForbidden, "forbidden", "scope workouts:read required")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	workouts, next, err := h.reader.ListWorkouts(r.Context(), claims.Subject, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := ListWorkoutsResponse{
		Items:      make([]WorkoutView, 0, len(workouts)),
		NextCursor: persistence.EncodeCursor(next),
	}
	for _, wk := range workouts {
		resp.Items = append(resp.Items, toWorkoutView(wk, nil))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) workoutByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/workouts/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing workout id")
		return
	}

	if id, found := strings.CutSuffix(rest, "/claim"); found {
		h.claimWorkout(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getWorkout(w, r, rest)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) getWorkout(w http.ResponseWriter, r *http.Request, id string) {
	if !requireScope(w, r, auth.ScopeWorkoutsRead) {
		return
	}

	workout, exercises, err := h.reader.GetWorkout(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrWorkoutNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "workout not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toWorkoutView(workout, exercises))
}

func (h *Handler) claimWorkout(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeWorkoutsClaim) {
		writeError(w, http.StatusForbidden, "forbidden", "scope workouts:claim required")
		return
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing workout id")
		return
	}

	result, err := h.claimer.Claim(r.Context(), id, claims.Subject)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrWorkoutNotFound):
			writeError(w, http.StatusNotFound, "not_found", "workout not found")
		case errors.Is(err, domain.ErrAlreadyClaimed):
			writeError(w, http.StatusConflict, "conflict", "workout already claimed")
		default:
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, ClaimResponse{
		Claimed:             result.Claimed,
		VoiceProfileCreated: result.VoiceProfileCreated,
		WorkoutID:           result.WorkoutID,
		IdentityID:          result.IdentityID,
		ClaimedAt:           result.ClaimedAt,
	})
}

func (h *Handler) sessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireScope(w, r, auth.ScopeWorkoutsRead) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing session id")
		return
	}

	session, recordings, err := h.reader.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := SessionView{
		SessionID:      session.ID,
		IdentityID:     session.IdentityID,
		StartedAt:      session.StartedAt,
		LastActivityAt: session.LastActivityAt,
		RecordingCount: session.RecordingCount,
		Status:         string(session.Status),
		CompletedAt:    session.CompletedAt,
		Recordings:     make([]SessionRecordingView, 0, len(recordings)),
	}
	for _, rec := range recordings {
		resp.Recordings = append(resp.Recordings, SessionRecordingView{
			RecordingID: rec.ID,
			Filename:    rec.OriginalFilename,
			CapturedAt:  rec.CapturedAt,
			Status:      string(rec.Status),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// allowUpload gates the upload endpoints. Device uploads arrive without a
// token and pass; a caller that does present a token must hold uploads:write.
func allowUpload(w http.ResponseWriter, r *http.Request) bool {
	claims, ok := auth.FromContext(r.Context())
	if !ok || claims == nil {
		return true
	}
	if !claims.HasScope(auth.ScopeUploadsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+auth.ScopeUploadsWrite+" required")
		return false
	}
	return true
}

func requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return false
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return false
	}
	return true
}

// UploadView is the per-recording upload outcome.
type UploadView struct {
	RecordingID        string       `json:"recordingId"`
	DeviceID           string       `json:"deviceId"`
	Status             string       `json:"status"`
	Processed          bool         `json:"processed"`
	WorkoutID          string       `json:"workoutId,omitempty"`
	ExerciseCount      int          `json:"exerciseCount"`
	Session            *SessionInfo `json:"session,omitempty"`
	TranscriptionError string       `json:"transcriptionError,omitempty"`
	LLMError           string       `json:"llmError,omitempty"`
	RetryAfter         int          `json:"retryAfter,omitempty"`
}

// SessionInfo summarizes the session assignment in an upload response.
type SessionInfo struct {
	SessionID    string  `json:"sessionId"`
	IsNewSession bool    `json:"isNewSession"`
	GapMinutes   float64 `json:"gapMinutes"`
}

// BatchUploadResponse packages the outcome of a batch upload.
type BatchUploadResponse struct {
	Recordings    []UploadView `json:"recordings"`
	WorkoutID     string       `json:"workoutId,omitempty"`
	ExerciseCount int          `json:"exerciseCount"`
	Status        string       `json:"status"`
}

// UploadStatsResponse counts recordings by status.
type UploadStatsResponse struct {
	Total      int64 `json:"total"`
	Uploaded   int64 `json:"uploaded"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// ClaimResponse describes a successful claim.
type ClaimResponse struct {
	Claimed             bool      `json:"claimed"`
	VoiceProfileCreated bool      `json:"voiceProfileCreated"`
	WorkoutID           string    `json:"workoutId"`
	IdentityID          string    `json:"identityId"`
	ClaimedAt           time.Time `json:"claimedAt"`
}

// ExerciseView is one exercise in a workout response.
type ExerciseView struct {
	ExerciseID      string    `json:"exerciseId"`
	Name            string    `json:"name"`
	Category        string    `json:"category"`
	MuscleGroups    []string  `json:"muscleGroups,omitempty"`
	Sets            int       `json:"sets"`
	Reps            []int     `json:"reps,omitempty"`
	WeightLbs       []float64 `json:"weightLbs,omitempty"`
	DurationMinutes *int      `json:"durationMinutes,omitempty"`
	DistanceMiles   *float64  `json:"distanceMiles,omitempty"`
	EffortLevel     *int      `json:"effortLevel,omitempty"`
	RestSeconds     *int      `json:"restSeconds,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	Position        int       `json:"position"`
}

// WorkoutView exposes a workout and optionally its exercises.
type WorkoutView struct {
	WorkoutID       string         `json:"workoutId"`
	IdentityID      string         `json:"identityId"`
	SessionID       *string        `json:"sessionId,omitempty"`
	WorkoutDate     time.Time      `json:"workoutDate"`
	DurationMinutes *int           `json:"durationMinutes,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	TotalExercises  int            `json:"totalExercises"`
	ClaimedBy       *string        `json:"claimedBy,omitempty"`
	ClaimedAt       *time.Time     `json:"claimedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	Exercises       []ExerciseView `json:"exercises,omitempty"`
}

// ListWorkoutsResponse packages list results.
type ListWorkoutsResponse struct {
	Items      []WorkoutView `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// SessionRecordingView summarizes one member recording of a session.
type SessionRecordingView struct {
	RecordingID string    `json:"recordingId"`
	Filename    string    `json:"filename"`
	CapturedAt  time.Time `json:"capturedAt"`
	Status      string    `json:"status"`
}

// SessionView exposes a session and its member recordings.
type SessionView struct {
	SessionID      string                 `json:"sessionId"`
	IdentityID     string                 `json:"identityId"`
	StartedAt      time.Time              `json:"startedAt"`
	LastActivityAt time.Time              `json:"lastActivityAt"`
	RecordingCount int                    `json:"recordingCount"`
	Status         string                 `json:"status"`
	CompletedAt    *time.Time             `json:"completedAt,omitempty"`
	Recordings     []SessionRecordingView `json:"recordings"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toUploadView(res *ingest.Result) UploadView {
	view := UploadView{
		RecordingID:        res.RecordingID,
		DeviceID:           res.DeviceUUID,
		Status:             string(res.Status),
		Processed:          res.Status == domain.RecordingStatusCompleted,
		WorkoutID:          res.WorkoutID,
		ExerciseCount:      res.ExerciseCount,
		TranscriptionError: res.TranscriptionError,
		LLMError:           res.ExtractionError,
		RetryAfter:         res.RetryAfterSeconds,
	}
	if res.SessionID != "" {
		view.Session = &SessionInfo{
			SessionID:    res.SessionID,
			IsNewSession: res.SessionIsNew,
			GapMinutes:   res.SessionGapMinutes,
		}
	}
	return view
}

func toWorkoutView(w *domain.Workout, exercises []domain.Exercise) WorkoutView {
	view := WorkoutView{
		WorkoutID:       w.ID,
		IdentityID:      w.IdentityID,
		SessionID:       w.SessionID,
		WorkoutDate:     w.WorkoutDate,
		DurationMinutes: w.DurationMinutes,
		Notes:           w.Notes,
		TotalExercises:  w.TotalExercises,
		ClaimedBy:       w.ClaimedBy,
		ClaimedAt:       w.ClaimedAt,
		CreatedAt:       w.CreatedAt,
	}
	for _, ex := range exercises {
		view.Exercises = append(view.Exercises, ExerciseView{
			ExerciseID:      ex.ID,
			Name:            ex.Name,
			Category:        string(ex.Category),
			MuscleGroups:    ex.MuscleGroups,
			Sets:            ex.Sets,
			Reps:            ex.Reps,
			WeightLbs:       ex.WeightLbs,
			DurationMinutes: ex.DurationMinutes,
			DistanceMiles:   ex.DistanceMiles,
			EffortLevel:     ex.EffortLevel,
			RestSeconds:     ex.RestSeconds,
			Notes:           ex.Notes,
			Position:        ex.Position,
		})
	}
	return view
}
