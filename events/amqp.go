package events

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/warp/studio-engine/studio"
)

// AMQP publishes each event to a durable queue named after its type,
// optionally prefixed ("studio." + "settlement.paid").
type AMQP struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	prefix   string
	declared map[string]bool
	closed   bool
}

// DialAMQP connects and opens the publishing channel.
func DialAMQP(url, queuePrefix string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	return &AMQP{conn: conn, ch: ch, prefix: queuePrefix, declared: make(map[string]bool)}, nil
}

func (p *AMQP) QueueName(t studio.EventType) string {
	return p.prefix + string(t)
}

func (p *AMQP) Publish(ctx context.Context, e studio.Event) error {
	body, err := Encode(e)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	queue := p.QueueName(e.Type)
	if !p.declared[queue] {
		if _, err := p.ch.QueueDeclare(
			queue,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,
		); err != nil {
			return fmt.Errorf("rabbitmq: declare %s: %w", queue, err)
		}
		p.declared[queue] = true
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Type:         string(e.Type),
		AppId:        Source,
		Timestamp:    e.OccurredAt.UTC(),
		Headers: amqp.Table{
			HeaderEventID:   e.ID,
			HeaderEventType: string(e.Type),
		},
		Body: body,
	}
	if err := p.ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("rabbitmq: publish %s: %w", queue, err)
	}
	return nil
}

func (p *AMQP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.ch.Close()
	return p.conn.Close()
}

var _ studio.Publisher = (*AMQP)(nil)
