// Package postgres provides the Postgres-backed persistence layer for
// recordings, sessions, workouts, claims, and the event outbox.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/voicelog/internal/domain"
	"example.com/voicelog/internal/events"
	"example.com/voicelog/internal/observability"
)

// Repository provides Postgres-backed persistence for the ingestion pipeline
// and the claim engine.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const identityColumns = `identity_id, device_uuid, display_name, session_timeout_minutes, created_at, updated_at`

// identityColumnsQualified prefixes every column so joins against tables
// that also carry device_uuid stay unambiguous.
const identityColumnsQualified = `i.identity_id, i.device_uuid, i.display_name, i.session_timeout_minutes, i.created_at, i.updated_at`

func scanIdentity(row pgx.Row) (*domain.Identity, error) {
	var ident domain.Identity
	if err := row.Scan(&ident.ID, &ident.DeviceUUID, &ident.DisplayName, &ident.SessionTimeoutMinutes, &ident.CreatedAt, &ident.UpdatedAt); err != nil {
		return nil, err
	}
	return &ident, nil
}

// ResolveIdentity returns the identity that owns deviceUUID, creating one on
// first contact. Linked devices take precedence over the primary device so a
// claimed workout keeps routing uploads to the claiming identity.
func (r *Repository) ResolveIdentity(ctx context.Context, deviceUUID string) (*domain.Identity, error) {
	const byLink = `SELECT ` + identityColumnsQualified + `
        FROM identities i
        JOIN identity_devices d ON d.identity_id = i.identity_id
        WHERE d.device_uuid = $1
        ORDER BY d.linked_at DESC
        LIMIT 1`

	ident, err := scanIdentity(r.pool.QueryRow(ctx, byLink, deviceUUID))
	if err == nil {
		return ident, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	const byPrimary = `SELECT ` + identityColumns + ` FROM identities WHERE device_uuid = $1`
	ident, err = scanIdentity(r.pool.QueryRow(ctx, byPrimary, deviceUUID))
	if err == nil {
		return ident, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	return r.createIdentity(ctx, deviceUUID)
}

func (r *Repository) createIdentity(ctx context.Context, deviceUUID string) (*domain.Identity, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const insert = `INSERT INTO identities (identity_id, device_uuid)
        VALUES ($1, $2)
        ON CONFLICT (device_uuid) DO NOTHING`
	if _, err := tx.Exec(ctx, insert, uuid.NewString(), deviceUUID); err != nil {
		return nil, err
	}

	const link = `INSERT INTO identity_devices (identity_id, device_uuid)
        SELECT identity_id, device_uuid FROM identities WHERE device_uuid = $1
        ON CONFLICT DO NOTHING`
	if _, err := tx.Exec(ctx, link, deviceUUID); err != nil {
		return nil, err
	}

	ident, err := scanIdentity(tx.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE device_uuid = $1`, deviceUUID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ident, nil
}

// IdentityByID fetches an identity by primary key.
func (r *Repository) IdentityByID(ctx context.Context, identityID string) (*domain.Identity, error) {
	ident, err := scanIdentity(r.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE identity_id = $1`, identityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("identity %s not found", identityID)
	}
	return ident, err
}

// CreateRecording persists a new recording together with its audio bytes.
func (r *Repository) CreateRecording(ctx context.Context, rec *domain.Recording, audio []byte) error {
	const stmt = `INSERT INTO recordings
        (recording_id, identity_id, device_uuid, original_filename, byte_size, mime_type, audio, captured_at, status)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err := r.pool.Exec(ctx, stmt,
		rec.ID,
		rec.IdentityID,
		rec.DeviceUUID,
		rec.OriginalFilename,
		rec.ByteSize,
		rec.MimeType,
		audio,
		rec.CapturedAt,
		rec.Status,
	)
	if err != nil {
		return err
	}
	observability.RecordRecordingPersisted(time.Now().UTC())
	return nil
}

// RecordingAudio loads the stored audio for one recording.
func (r *Repository) RecordingAudio(ctx context.Context, recordingID string) ([]byte, error) {
	var audio []byte
	err := r.pool.QueryRow(ctx, `SELECT audio FROM recordings WHERE recording_id = $1`, recordingID).Scan(&audio)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRecordingNotFound
	}
	return audio, err
}

const recordingColumns = `recording_id, identity_id, device_uuid, session_id, original_filename, byte_size, mime_type, captured_at, status, voice_quality, created_at, updated_at`

func scanRecording(row pgx.Row) (*domain.Recording, error) {
	var rec domain.Recording
	err := row.Scan(&rec.ID, &rec.IdentityID, &rec.DeviceUUID, &rec.SessionID, &rec.OriginalFilename, &rec.ByteSize, &rec.MimeType, &rec.CapturedAt, &rec.Status, &rec.VoiceQuality, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecording fetches a recording's metadata, without the audio blob.
func (r *Repository) GetRecording(ctx context.Context, recordingID string) (*domain.Recording, error) {
	rec, err := scanRecording(r.pool.QueryRow(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE recording_id = $1`, recordingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRecordingNotFound
	}
	return rec, err
}

// TransitionRecording moves a recording from one status to another inside a
// single short transaction, recording the change in the outbox. The update is
// guarded on the expected source status, so a concurrent transition makes
// this call fail rather than silently overwrite.
func (r *Repository) TransitionRecording(ctx context.Context, recordingID string, from, to domain.RecordingStatus) error {
	if !from.CanTransition(to) {
		return domain.ErrIllegalTransition{From: from, To: to}
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var identityID, deviceUUID string
	var current domain.RecordingStatus
	const lookup = `SELECT identity_id, device_uuid, status FROM recordings WHERE recording_id = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, lookup, recordingID).Scan(&identityID, &deviceUUID, &current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrRecordingNotFound
		}
		return err
	}
	if current != from {
		return domain.ErrIllegalTransition{From: current, To: to}
	}

	const update = `UPDATE recordings SET status = $2, updated_at = now() WHERE recording_id = $1 AND status = $3`
	tag, err := tx.Exec(ctx, update, recordingID, to, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIllegalTransition{From: current, To: to}
	}

	occurredAt := time.Now().UTC()
	err = insertOutbox(ctx, tx, "recording", recordingID, "recording.state_changed", identityID, events.RecordingStateChanged{
		RecordingID: recordingID,
		IdentityID:  identityID,
		DeviceUUID:  deviceUUID,
		State:       string(to),
		OccurredAt:  occurredAt,
	})
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// SaveTranscript persists a transcript for a recording. A recording keeps at
// most one transcript, so a re-driven recording replaces its earlier text
// instead of accumulating rows.
func (r *Repository) SaveTranscript(ctx context.Context, t *domain.Transcript) error {
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	const stmt = `INSERT INTO transcripts (transcript_id, recording_id, body, confidence, provider, processing_ms)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (recording_id) DO UPDATE SET
            body = EXCLUDED.body,
            confidence = EXCLUDED.confidence,
            provider = EXCLUDED.provider,
            processing_ms = EXCLUDED.processing_ms,
            created_at = now()`
	_, err := r.pool.Exec(ctx, stmt, id, t.RecordingID, t.Body, t.Confidence, t.Provider, t.ProcessingMS)
	return err
}

// SaveVoiceSample stores the speaker embedding captured with a recording.
func (r *Repository) SaveVoiceSample(ctx context.Context, recordingID string, embedding []float32, quality float64) error {
	const stmt = `UPDATE recordings SET voice_embedding = $2, voice_quality = $3, updated_at = now() WHERE recording_id = $1`
	tag, err := r.pool.Exec(ctx, stmt, recordingID, embedding, quality)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRecordingNotFound
	}
	return nil
}

// UploadStats counts recordings by pipeline status.
func (r *Repository) UploadStats(ctx context.Context) (*domain.UploadStats, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM recordings GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats domain.UploadStats
	for rows.Next() {
		var status domain.RecordingStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.Total += count
		switch status {
		case domain.RecordingStatusUploaded:
			stats.Uploaded = count
		case domain.RecordingStatusProcessing:
			stats.Processing = count
		case domain.RecordingStatusCompleted:
			stats.Completed = count
		case domain.RecordingStatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &stats, nil
}

// UploadedRecordingsDue returns recordings sitting in uploaded state for at
// least olderThan, oldest first. The sweeper re-drives these after retryable
// provider failures.
func (r *Repository) UploadedRecordingsDue(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Recording, error) {
	const query = `SELECT ` + recordingColumns + ` FROM recordings
        WHERE status = 'uploaded' AND updated_at < $1
        ORDER BY updated_at
        LIMIT $2`

	rows, err := r.pool.Query(ctx, query, time.Now().UTC().Add(-olderThan), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*domain.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, rec)
	}
	return due, rows.Err()
}

func insertOutbox(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType, partitionKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}
	dedupeKey := fmt.Sprintf("%s:%s:%d", aggregateID, eventType, time.Now().UnixNano())

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = tx.Exec(ctx, stmt,
		aggregateType,
		aggregateID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		partitionKey,
		body,
		dedupeKey,
	)
	return err
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	"recording.state_changed": {
		Topic:         "recording_state_changed",
		SchemaSubject: "recording_state_changed-value",
	},
	"workout.extracted": {
		Topic:         "workout_events",
		SchemaSubject: "workout_events-value",
	},
	"workout.claimed": {
		Topic:         "workout_events",
		SchemaSubject: "workout_events-value",
	},
}
