package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExerciseCategory is the closed set of exercise kinds the extractor may emit.
type ExerciseCategory string

const (
	CategoryStrength ExerciseCategory = "strength"
	CategoryCardio   ExerciseCategory = "cardio"
	CategoryOther    ExerciseCategory = "other"
)

// NormalizeCategory maps free-form extractor output onto the closed enum.
func NormalizeCategory(raw string) ExerciseCategory {
	switch ExerciseCategory(strings.ToLower(strings.TrimSpace(raw))) {
	case CategoryStrength:
		return CategoryStrength
	case CategoryCardio:
		return CategoryCardio
	default:
		return CategoryOther
	}
}

// Workout is the structured result of extraction over one or more recordings.
type Workout struct {
	ID              string
	IdentityID      string
	RecordingID     string
	SessionID       *string
	WorkoutDate     time.Time
	DurationMinutes *int
	Notes           string
	TotalExercises  int
	ClaimedBy       *string
	ClaimedAt       *time.Time
	CreatedAt       time.Time
}

// Cursor marks a position in a workout listing, keyed on (date, id) so
// pagination stays stable under concurrent inserts.
type Cursor struct {
	WorkoutDate time.Time
	ID          string
}

// Exercise is one ordered entry in a workout. Reps and WeightLbs are per-set
// arrays so multiple sets at different loads stay representable.
type Exercise struct {
	ID              string
	WorkoutID       string
	Name            string
	Category        ExerciseCategory
	MuscleGroups    []string
	Sets            int
	Reps            []int
	WeightLbs       []float64
	DurationMinutes *int
	DistanceMiles   *float64
	EffortLevel     *int
	RestSeconds     *int
	Notes           string
	Position        int
}

// IntList decodes either a JSON array of integers or a bare integer, which
// extractors occasionally emit when all sets share one value.
type IntList []int

func (l *IntList) UnmarshalJSON(data []byte) error {
	var list []int
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var single int
	if err := json.Unmarshal(data, &single); err == nil {
		*l = IntList{single}
		return nil
	}
	return fmt.Errorf("expected integer or integer array, got %s", data)
}

// FloatList decodes either a JSON array of numbers or a bare number.
type FloatList []float64

func (l *FloatList) UnmarshalJSON(data []byte) error {
	var list []float64
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var single float64
	if err := json.Unmarshal(data, &single); err == nil {
		*l = FloatList{single}
		return nil
	}
	return fmt.Errorf("expected number or number array, got %s", data)
}

// ExtractedWorkout is the structured payload an extraction backend returns.
type ExtractedWorkout struct {
	WorkoutDate     *string             `json:"workout_date"`
	StartTime       *string             `json:"workout_start_time"`
	DurationMinutes *int                `json:"workout_duration_minutes"`
	TotalExercises  int                 `json:"total_exercises"`
	Notes           string              `json:"notes"`
	Exercises       []ExtractedExercise `json:"exercises"`
}

// ExtractedExercise is one exercise entry in an extraction payload.
type ExtractedExercise struct {
	Name            string    `json:"exercise_name"`
	Category        string    `json:"exercise_type"`
	MuscleGroups    []string  `json:"muscle_groups"`
	Sets            int       `json:"sets"`
	Reps            IntList   `json:"reps"`
	WeightLbs       FloatList `json:"weight_lbs"`
	DurationMinutes *int      `json:"duration_minutes"`
	DistanceMiles   *float64  `json:"distance_miles"`
	EffortLevel     *int      `json:"effort_level"`
	RestSeconds     *int      `json:"rest_seconds"`
	Notes           string    `json:"notes"`
	Position        int       `json:"order_in_workout"`
}

// Normalize enforces structural rules on an extraction payload: effort scores
// outside 1-10 are nulled rather than clamped, missing positions are filled
// sequentially, and the exercise count is recomputed from the list.
func (w *ExtractedWorkout) Normalize() {
	for i := range w.Exercises {
		ex := &w.Exercises[i]
		if ex.EffortLevel != nil && (*ex.EffortLevel < 1 || *ex.EffortLevel > 10) {
			ex.EffortLevel = nil
		}
		if ex.Position == 0 {
			ex.Position = i + 1
		}
		if ex.Sets == 0 && len(ex.Reps) > 0 {
			ex.Sets = len(ex.Reps)
		}
	}
	w.TotalExercises = len(w.Exercises)
}
