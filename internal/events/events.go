// Package events defines the event payloads published by the voicelog service.
package events

import "time"

// RecordingStateChanged tracks a recording's movement through the ingestion
// pipeline (uploaded, processing, completed, failed).
type RecordingStateChanged struct {
	RecordingID string    `json:"recording_id"`
	IdentityID  string    `json:"identity_id"`
	DeviceUUID  string    `json:"device_uuid"`
	State       string    `json:"state"`
	OccurredAt  time.Time `json:"occurred_at"`
	Reason      string    `json:"reason,omitempty"`
}

// WorkoutExtracted is emitted when extraction completes and a structured
// workout exists for one or more recordings.
type WorkoutExtracted struct {
	WorkoutID     string    `json:"workout_id"`
	IdentityID    string    `json:"identity_id"`
	RecordingIDs  []string  `json:"recording_ids"`
	SessionID     string    `json:"session_id,omitempty"`
	ExerciseCount int       `json:"exercise_count"`
	WorkoutDate   time.Time `json:"workout_date"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// WorkoutClaimed is emitted when an identity takes ownership of a workout.
type WorkoutClaimed struct {
	WorkoutID           string    `json:"workout_id"`
	IdentityID          string    `json:"identity_id"`
	Method              string    `json:"method"`
	VoiceProfileUpdated bool      `json:"voice_profile_updated"`
	ClaimedAt           time.Time `json:"claimed_at"`
}
