package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/warp/studio-engine/logger"
	"github.com/warp/studio-engine/studio"
)

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	MaxAttempts  int
}

// Kafka writes every event to one topic. The message key is Event.Key,
// so all events of one occurrence or settlement land on one partition.
type Kafka struct {
	mu     sync.RWMutex
	writer *kafka.Writer
	closed bool
}

func NewKafka(cfg KafkaConfig, log *logger.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic cannot be empty")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if log == nil {
		log = logger.Discard()
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  cfg.MaxAttempts,
		BatchTimeout: cfg.BatchTimeout,
		Logger:       kafka.LoggerFunc(func(string, ...any) {}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			log.Error(fmt.Sprintf(msg, args...), "component", "kafka")
		}),
	}
	return &Kafka{writer: w}, nil
}

// Message converts an event into the kafka-go message that is written.
func Message(e studio.Event) (kafka.Message, error) {
	body, err := Encode(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.Key),
		Value: body,
		Time:  e.OccurredAt.UTC(),
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(e.ID)},
			{Key: HeaderEventType, Value: []byte(e.Type)},
			{Key: HeaderSource, Value: []byte(Source)},
		},
	}, nil
}

func (p *Kafka) Publish(ctx context.Context, e studio.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	msg, err := Message(e)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s: %w", e.Type, err)
	}
	return nil
}

func (p *Kafka) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.writer.Close()
}

var _ studio.Publisher = (*Kafka)(nil)
