package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	recordingPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "voicelog",
		Subsystem: "persistence",
		Name:      "last_recording_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent recording persisted to Postgres.",
	})
	workoutExtractedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "voicelog",
		Subsystem: "persistence",
		Name:      "last_workout_extracted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent workout written by the extraction pipeline.",
	})
	workoutClaimedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "voicelog",
		Subsystem: "persistence",
		Name:      "last_workout_claimed_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful workout claim.",
	})
)

func init() {
	prometheus.MustRegister(recordingPersistGauge, workoutExtractedGauge, workoutClaimedGauge)
}

// RecordRecordingPersisted updates the ingestion watermark gauge.
func RecordRecordingPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	recordingPersistGauge.Set(float64(ts.Unix()))
}

// RecordWorkoutExtracted updates the extraction watermark gauge.
func RecordWorkoutExtracted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	workoutExtractedGauge.Set(float64(ts.Unix()))
}

// RecordWorkoutClaimed updates the claim watermark gauge.
func RecordWorkoutClaimed(ts time.Time) {
	if ts.IsZero() {
		return
	}
	workoutClaimedGauge.Set(float64(ts.Unix()))
}
