/*
events.go - Delivery of studio domain events

OVERVIEW:
Services publish studio.Event values after their transaction commits.
This package provides the transports:

  - Log:    writes each event to the structured log
  - Memory: keeps events in order, for tests and the debug endpoint
  - AMQP:   RabbitMQ, one durable queue per event type, persistent JSON
  - Kafka:  one topic, keyed by Event.Key so per-entity order holds
  - Multi:  fans out to several publishers, reporting every failure

WIRE FORMAT:
Every transport carries the same JSON envelope (see Envelope). Brokers
additionally get the event id and type as headers.
*/
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/warp/studio-engine/logger"
	"github.com/warp/studio-engine/studio"
)

const (
	HeaderEventID   = "event-id"
	HeaderEventType = "event-type"
	HeaderSource    = "source"

	Source = "studio-engine"
)

// ErrClosed is returned by broker publishers after Close.
var ErrClosed = errors.New("publisher closed")

// Envelope is the serialized form of a studio.Event.
type Envelope struct {
	ID         string           `json:"id"`
	Type       studio.EventType `json:"type"`
	Key        string           `json:"key"`
	OccurredAt time.Time        `json:"occurred_at"`
	Source     string           `json:"source"`
	Payload    any              `json:"payload"`
}

func NewEnvelope(e studio.Event) Envelope {
	return Envelope{
		ID:         e.ID,
		Type:       e.Type,
		Key:        e.Key,
		OccurredAt: e.OccurredAt.UTC(),
		Source:     Source,
		Payload:    e.Payload,
	}
}

// Encode marshals the envelope for e.
func Encode(e studio.Event) ([]byte, error) {
	return json.Marshal(NewEnvelope(e))
}

// =============================================================================
// LOG
// =============================================================================

type Log struct {
	Log *logger.Logger
}

func (p Log) Publish(_ context.Context, e studio.Event) error {
	body, err := Encode(e)
	if err != nil {
		return err
	}
	p.Log.Info("Event", "event_type", e.Type, "event_id", e.ID, "key", e.Key, "body", string(body))
	return nil
}

// =============================================================================
// MEMORY
// =============================================================================

type Memory struct {
	mu     sync.Mutex
	events []studio.Event
	limit  int
}

// NewMemory keeps at most limit events, dropping the oldest. limit <= 0
// means unbounded.
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

func (m *Memory) Publish(_ context.Context, e studio.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = append([]studio.Event(nil), m.events[len(m.events)-m.limit:]...)
	}
	return nil
}

// Events returns a copy, oldest first.
func (m *Memory) Events() []studio.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]studio.Event(nil), m.events...)
}

func (m *Memory) OfType(t studio.EventType) []studio.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []studio.Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// MULTI
// =============================================================================

type Multi []studio.Publisher

// Publish delivers to every publisher even if an earlier one fails.
func (m Multi) Publish(ctx context.Context, e studio.Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ studio.Publisher = Log{}
	_ studio.Publisher = (*Memory)(nil)
	_ studio.Publisher = Multi(nil)
)
