package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"example.com/voicelog/internal/domain"
)

// CombineTranscripts joins per-recording transcripts with ordinal labels so
// the extractor can tell recordings apart while treating them as one workout.
func CombineTranscripts(texts []string) string {
	labelled := make([]string, 0, len(texts))
	for i, text := range texts {
		labelled = append(labelled, fmt.Sprintf("[Recording %d of %d]\n%s", i+1, len(texts), text))
	}
	return strings.Join(labelled, "\n\n---\n\n")
}

const extractionPromptHeader = `You are a fitness assistant. Extract structured workout data from the following transcription of someone narrating their workout. The speech may be fragmented or incomplete; parse it intelligently and extract the most likely intended workout.

Format the result as JSON with this exact structure:

{
  "workout_date": null,
  "workout_start_time": null,
  "workout_duration_minutes": null,
  "total_exercises": 0,
  "notes": "",
  "exercises": [
    {
      "exercise_name": "Bench Press",
      "exercise_type": "strength",
      "muscle_groups": ["chest", "triceps"],
      "sets": 4,
      "reps": [8, 8, 6, 6],
      "weight_lbs": [185, 185, 205, 205],
      "duration_minutes": null,
      "distance_miles": null,
      "effort_level": 7,
      "rest_seconds": 90,
      "notes": "",
      "order_in_workout": 1
    }
  ]
}

Rules:
- Leave workout_date, workout_start_time, and workout_duration_minutes null; they are set from recording metadata.
- reps and weight_lbs are always arrays with one entry per set. If every set is the same, repeat the value.
- exercise_type is one of "strength", "cardio", or "other".
- effort_level is an integer from 1 to 10, or null if not mentioned.
- For cardio use duration_minutes or distance_miles.
- order_in_workout is a sequential number starting at 1.

Return ONLY valid JSON, no additional text.`

const multiRecordingInstructions = `This transcription contains %d separate recordings from a single workout session, labelled "[Recording 1 of N]", "[Recording 2 of N]", and so on. They are NOT separate workouts.

- Extract every exercise from every recording into ONE workout.
- Keep exercise order as it appears across the recordings.
- When the same exercise name appears in more than one recording, those are additional sets of one exercise: merge them into a single entry, appending the later sets' reps and weights to its arrays.`

// BuildExtractionPrompt renders the extraction prompt for one or more
// combined transcripts.
func BuildExtractionPrompt(transcript string, multiRecording bool, recordingCount int) string {
	var b strings.Builder
	b.WriteString(extractionPromptHeader)
	if multiRecording && recordingCount > 1 {
		b.WriteString("\n\n")
		b.WriteString(fmt.Sprintf(multiRecordingInstructions, recordingCount))
	}
	b.WriteString("\n\nTranscription:\n")
	b.WriteString(transcript)
	return b.String()
}

// firstJSONObject returns the first balanced top-level JSON object embedded in
// s. Models routinely wrap the payload in prose or markdown fences.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// ParseExtraction decodes an extraction backend's raw text response into a
// normalized workout payload.
func ParseExtraction(responseText string) (*domain.ExtractedWorkout, error) {
	payload, ok := firstJSONObject(responseText)
	if !ok {
		return nil, &PermanentError{Reason: "no JSON object in extraction response"}
	}

	var workout domain.ExtractedWorkout
	if err := json.Unmarshal([]byte(payload), &workout); err != nil {
		return nil, &PermanentError{Reason: "malformed extraction payload: " + err.Error()}
	}

	workout.Normalize()
	return &workout, nil
}
