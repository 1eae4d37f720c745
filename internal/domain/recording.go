// Package domain defines the core types and invariants for the voicelog service.
package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRecordingNotFound is returned when a recording cannot be located.
	ErrRecordingNotFound = errors.New("recording not found")
	// ErrWorkoutNotFound is returned when a workout cannot be located.
	ErrWorkoutNotFound = errors.New("workout not found")
	// ErrSessionNotFound is returned when a session cannot be located.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAlreadyClaimed indicates a workout has already been claimed by some identity.
	ErrAlreadyClaimed = errors.New("workout already claimed")
)

// RecordingStatus tracks a recording through the ingestion pipeline.
type RecordingStatus string

const (
	RecordingStatusUploaded   RecordingStatus = "uploaded"
	RecordingStatusProcessing RecordingStatus = "processing"
	RecordingStatusCompleted  RecordingStatus = "completed"
	RecordingStatusFailed     RecordingStatus = "failed"
)

// CanTransition reports whether moving from s to next is a legal lifecycle step.
// Completed and failed are terminal except that processing may revert to
// uploaded when a provider failure is retryable.
func (s RecordingStatus) CanTransition(next RecordingStatus) bool {
	switch s {
	case RecordingStatusUploaded:
		return next == RecordingStatusProcessing
	case RecordingStatusProcessing:
		return next == RecordingStatusCompleted || next == RecordingStatusFailed || next == RecordingStatusUploaded
	default:
		return false
	}
}

// ErrIllegalTransition signals an attempted status change the lifecycle forbids.
type ErrIllegalTransition struct {
	From, To RecordingStatus
}

func (e ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal recording transition %s -> %s", e.From, e.To)
}

// Recording is one uploaded audio blob and its pipeline state.
type Recording struct {
	ID               string
	IdentityID       string
	DeviceUUID       string
	SessionID        *string
	OriginalFilename string
	ByteSize         int64
	MimeType         string
	CapturedAt       time.Time
	Status           RecordingStatus
	VoiceEmbedding   []float32
	VoiceQuality     *float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SessionStatus marks whether a session can still accept recordings.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
)

// Session is a time-bounded cluster of recordings from one owner.
type Session struct {
	ID             string
	IdentityID     string
	StartedAt      time.Time
	LastActivityAt time.Time
	RecordingCount int
	Status         SessionStatus
	CompletedAt    *time.Time
}

// UploadStats aggregates recording counts by pipeline status.
type UploadStats struct {
	Total      int64
	Uploaded   int64
	Processing int64
	Completed  int64
	Failed     int64
}

// Transcript is the raw speech-to-text output for one recording.
type Transcript struct {
	ID           string
	RecordingID  string
	Body         string
	Confidence   float64
	Provider     string
	ProcessingMS int64
	CreatedAt    time.Time
}
