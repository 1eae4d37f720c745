package outbox

import (
	"context"
	"errors"
	"sync"

	"github.com/segmentio/kafka-go"
)

// KafkaProducer manages one writer per topic, created on first use. Messages
// carry the aggregate's partition key, so writers hash on the key to keep
// per-recording and per-workout event order.
type KafkaProducer struct {
	brokers []string

	mu      sync.RWMutex
	writers map[string]*kafka.Writer
}

// NewKafkaProducer creates a KafkaProducer.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

// WriteMessages writes messages to the given topic, creating a writer if
// necessary.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	return p.writerForTopic(topic).WriteMessages(ctx, msgs...)
}

func (p *KafkaProducer) writerForTopic(topic string) *kafka.Writer {
	p.mu.RLock()
	writer, ok := p.writers[topic]
	p.mu.RUnlock()
	if ok {
		return writer
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if writer, ok := p.writers[topic]; ok {
		return writer
	}

	writer = &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}
	p.writers[topic] = writer
	return writer
}

// Close releases all writers.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.writers, topic)
	}
	return errors.Join(errs...)
}
