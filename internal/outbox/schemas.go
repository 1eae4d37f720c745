package outbox

const recordingStateChangedSchema = `{
  "type": "object",
  "title": "RecordingStateChanged",
  "properties": {
    "recording_id": {"type": "string"},
    "identity_id": {"type": "string"},
    "device_uuid": {"type": "string"},
    "state": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"},
    "reason": {"type": "string"}
  },
  "required": ["recording_id", "identity_id", "device_uuid", "state", "occurred_at"],
  "additionalProperties": false
}`

const workoutExtractedSchema = `{
  "type": "object",
  "title": "WorkoutExtracted",
  "properties": {
    "workout_id": {"type": "string"},
    "identity_id": {"type": "string"},
    "recording_ids": {"type": "array", "items": {"type": "string"}},
    "session_id": {"type": "string"},
    "exercise_count": {"type": "integer"},
    "workout_date": {"type": "string", "format": "date-time"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["workout_id", "identity_id", "recording_ids", "exercise_count", "workout_date", "occurred_at"],
  "additionalProperties": false
}`

const workoutClaimedSchema = `{
  "type": "object",
  "title": "WorkoutClaimed",
  "properties": {
    "workout_id": {"type": "string"},
    "identity_id": {"type": "string"},
    "method": {"type": "string"},
    "voice_profile_updated": {"type": "boolean"},
    "claimed_at": {"type": "string", "format": "date-time"}
  },
  "required": ["workout_id", "identity_id", "method", "voice_profile_updated", "claimed_at"],
  "additionalProperties": false
}`
