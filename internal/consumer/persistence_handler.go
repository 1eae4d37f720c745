package consumer

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PersistenceHandler mirrors consumed events into Postgres for downstream auditing.
type PersistenceHandler struct {
	pool *pgxpool.Pool
}

// NewPersistenceHandler constructs a handler backed by the provided pool.
func NewPersistenceHandler(pool *pgxpool.Pool) *PersistenceHandler {
	return &PersistenceHandler{pool: pool}
}

// Handle stores the event payload in the event_log table. Redeliveries are
// absorbed by the unique (topic, partition, offset) constraint.
func (h *PersistenceHandler) Handle(ctx context.Context, msg Message) error {
	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx,
		`INSERT INTO event_log (event_type, aggregate_id, partition_key, payload, kafka_topic, kafka_partition, kafka_offset)
         VALUES ($1,$2,$3,$4,$5,$6,$7)
         ON CONFLICT (kafka_topic, kafka_partition, kafka_offset) DO NOTHING`,
		msg.EventType,
		msg.AggregateID,
		msg.PartitionKey,
		msg.Payload,
		msg.Topic,
		msg.Partition,
		msg.Offset,
	)
	return err
}
