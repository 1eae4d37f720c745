//go:build integration

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestDispatcherPublishesMessages(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	recordingID := uuid.NewString()
	require.NotZero(t, seedOutbox(t, ctx, pool, recordingID, "recording.state_changed", "recording_state_changed"))

	producer := &stubProducer{}
	registry := &stubRegistry{id: 42}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	beforeDelivered := testutil.ToFloat64(deliveredCounter)
	beforeHistogram := histogramSampleCount(t)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 1)
	require.Equal(t, "recording_state_changed", producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 1)

	// Confluent framing: magic byte then the registry schema ID.
	frame := producer.writes[0].messages[0].Value
	require.GreaterOrEqual(t, len(frame), 5)
	require.Equal(t, byte(0), frame[0])

	afterDelivered := testutil.ToFloat64(deliveredCounter)
	require.InDelta(t, beforeDelivered+1, afterDelivered, 0.0001)
	afterHistogram := histogramSampleCount(t)
	require.Greater(t, afterHistogram, beforeHistogram)

	var published int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)
}

func TestDispatcherReleasesClaimOnFailure(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	recordingID := uuid.NewString()
	eventID := seedOutbox(t, ctx, pool, recordingID, "recording.state_changed", "recording_state_changed")
	require.NotZero(t, eventID)

	producer := &stubProducer{err: errors.New("kafka write failed")}
	registry := &stubRegistry{id: 7}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	beforeFailed := testutil.ToFloat64(failedCounter)

	err := dispatcher.processBatch(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "kafka write failed")

	afterFailed := testutil.ToFloat64(failedCounter)
	require.InDelta(t, beforeFailed+1, afterFailed, 0.0001)

	var publishedAt, claimedAt *time.Time
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT published_at, claimed_at FROM outbox WHERE event_id = $1`, eventID).Scan(&publishedAt, &claimedAt))
	require.Nil(t, publishedAt, "failed event must stay unpublished")
	require.Nil(t, claimedAt, "failed event must be released for the next poll")

	// The next poll picks the released row back up.
	producer.err = nil
	require.NoError(t, dispatcher.processBatch(ctx))
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT published_at FROM outbox WHERE event_id = $1`, eventID).Scan(&publishedAt))
	require.NotNil(t, publishedAt)
}

func TestDispatcherCachesSchemaIDsAcrossBatch(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	require.NotZero(t, seedOutbox(t, ctx, pool, uuid.NewString(), "recording.state_changed", "recording_state_changed"))
	require.NotZero(t, seedOutbox(t, ctx, pool, uuid.NewString(), "recording.state_changed", "recording_state_changed"))

	producer := &stubProducer{}
	registry := &stubRegistry{id: 21}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	beforeDelivered := testutil.ToFloat64(deliveredCounter)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 1)
	require.Len(t, producer.writes[0].messages, 2)
	require.Len(t, registry.calls, 1, "schema registry should be invoked once due to cache")

	afterDelivered := testutil.ToFloat64(deliveredCounter)
	require.InDelta(t, beforeDelivered+2, afterDelivered, 0.0001)
}

func TestDispatcherUnknownEventTypeReleasesClaim(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	eventID := seedOutbox(t, ctx, pool, uuid.NewString(), "recording.unknown", "recording_state_changed")
	require.NotZero(t, eventID)

	producer := &stubProducer{}
	registry := &stubRegistry{id: 99}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	err := dispatcher.processBatch(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no schema metadata for event_type=recording.unknown")

	require.Empty(t, producer.writes, "unknown schema should skip kafka writes")
	require.Empty(t, registry.calls, "schema registry should not be invoked when metadata missing")

	var publishedAt, claimedAt *time.Time
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT published_at, claimed_at FROM outbox WHERE event_id = $1`, eventID).Scan(&publishedAt, &claimedAt))
	require.Nil(t, publishedAt)
	require.Nil(t, claimedAt)
}

type stubProducer struct {
	mu     sync.Mutex
	err    error
	writes []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	copied := make([]kafka.Message, len(msgs))
	copy(copied, msgs)

	s.writes = append(s.writes, writtenBatch{
		topic:    topic,
		messages: copied,
	})
	return nil
}

type stubRegistry struct {
	mu    sync.Mutex
	id    int
	err   error
	calls []schemaCall
}

type schemaCall struct {
	subject string
	schema  string
}

func (s *stubRegistry) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, schemaCall{subject: subject, schema: schema})
	if s.err != nil {
		return 0, s.err
	}
	if s.id == 0 {
		s.id = 1
	}
	return s.id, nil
}

func setupPostgres(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("voicelog"),
		postgrescontainer.WithUsername("voicelog"),
		postgrescontainer.WithPassword("voicelog"),
	)
	require.NoError(t, err)

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = pg.Terminate(ctx)
	}
	return pool, cleanup
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}

func seedOutbox(t *testing.T, ctx context.Context, pool *pgxpool.Pool, recordingID, eventType, topic string) int64 {
	t.Helper()

	payloadBytes, err := json.Marshal(map[string]any{
		"recording_id": recordingID,
		"identity_id":  uuid.NewString(),
		"device_uuid":  "dev-1",
		"state":        "processing",
		"occurred_at":  time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)

	row := pool.QueryRow(ctx,
		`INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
         VALUES ($1,$2,$3,$4,$5,$6,$7)
         RETURNING event_id`,
		"recording",
		recordingID,
		eventType,
		topic,
		topic+"-value",
		recordingID,
		payloadBytes,
	)

	var eventID int64
	require.NoError(t, row.Scan(&eventID))
	return eventID
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	t.Helper()

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	migrationsDir := resolvePath(t, "../../db/postgres/migrations")
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "expected at least one migration .up.sql file")

	sort.Strings(files)

	for _, file := range files {
		contents, readErr := os.ReadFile(file)
		require.NoErrorf(t, readErr, "read migration %s", file)

		if _, execErr := pool.Exec(ctx, string(contents)); execErr != nil {
			require.NoErrorf(t, execErr, "execute migration %s", file)
		}
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
