package domain

import "time"

// ClaimMethod records how a workout claim was established. Only manual claims
// exist today; voice-match claims are a future attribution path.
type ClaimMethod string

const ClaimMethodManual ClaimMethod = "manual"

// Claim is the fact that an identity took ownership of a workout.
type Claim struct {
	ID         string
	WorkoutID  string
	IdentityID string
	Method     ClaimMethod
	ClaimedAt  time.Time
}

// VoiceProfile is an embedding used to attribute future recordings to an
// identity. One active profile per identity; claims refresh it in place.
type VoiceProfile struct {
	ID              string
	IdentityID      string
	Embedding       []float32
	Quality         float64
	SourceWorkoutID string
	UpdatedAt       time.Time
}

// VoiceQualityThreshold is the minimum embedding quality score a source
// recording must carry before a claim creates or refreshes a voice profile.
const VoiceQualityThreshold = 0.6

// ClaimResult reports the outcome of a claim attempt.
type ClaimResult struct {
	Claimed             bool
	VoiceProfileCreated bool
	WorkoutID           string
	IdentityID          string
	ClaimedAt           time.Time
}

// Identity is an authenticated account that owns devices and claimed workouts.
type Identity struct {
	ID                    string
	DeviceUUID            string
	DisplayName           string
	SessionTimeoutMinutes *int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}
