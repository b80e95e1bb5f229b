package studio

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/warp/studio-engine/logger"
)

// =============================================================================
// DOMAIN EVENTS - Consumed by notification and calendar collaborators
// =============================================================================

type EventType string

const (
	EventRegistrationPromoted  EventType = "registration.promoted"
	EventRegistrationCancelled EventType = "registration.cancelled"
	EventBookingCancelled      EventType = "booking.cancelled"
	EventOccurrenceCancelled   EventType = "occurrence.cancelled"
	EventSettlementFinalized   EventType = "settlement.finalized"
	EventSettlementPaid        EventType = "settlement.paid"
)

// Event is published after the transaction that produced it commits.
// Key is the partition/routing key (occurrence, booking or settlement id).
type Event struct {
	ID         string
	Type       EventType
	Key        string
	OccurredAt time.Time
	Payload    any
}

// Publisher delivers events. Delivery and retry are the publisher's
// concern; a failed publish never rolls back committed state.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PromotionPayload is sent when a waitlisted client gets a seat.
type PromotionPayload struct {
	RegistrationID RegistrationID `json:"registration_id"`
	OccurrenceID   OccurrenceID   `json:"occurrence_id"`
	ClientID       ClientID       `json:"client_id"`
	PromotedAt     time.Time      `json:"promoted_at"`
}

// CancellationPayload is sent for cancelled bookings and registrations.
type CancellationPayload struct {
	SessionID   string    `json:"session_id"`
	SessionKind string    `json:"session_kind"`
	ClientID    ClientID  `json:"client_id,omitempty"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// SettlementPayload is sent when a settlement advances.
type SettlementPayload struct {
	SettlementID    SettlementID     `json:"settlement_id"`
	InstructorID    InstructorID     `json:"instructor_id"`
	Status          SettlementStatus `json:"status"`
	Currency        string           `json:"currency"`
	TotalEntryFee   string           `json:"total_entry_fee"`
	TotalTrainerFee string           `json:"total_trainer_fee"`
	ItemCount       int              `json:"item_count"`
}

func newEvent(t EventType, key string, at time.Time, payload any) Event {
	return Event{ID: uuid.NewString(), Type: t, Key: key, OccurredAt: at, Payload: payload}
}

func settlementPayload(s Settlement) SettlementPayload {
	return SettlementPayload{
		SettlementID:    s.ID,
		InstructorID:    s.InstructorID,
		Status:          s.Status,
		Currency:        s.Currency,
		TotalEntryFee:   s.TotalEntryFee.String(),
		TotalTrainerFee: s.TotalTrainerFee.String(),
		ItemCount:       len(s.Items),
	}
}

// publishAll delivers events best-effort and logs failures.
func publishAll(ctx context.Context, pub Publisher, log *logger.Logger, events []Event) {
	if pub == nil {
		return
	}
	for _, e := range events {
		if err := pub.Publish(ctx, e); err != nil {
			log.Warn("Failed to publish event", "event_type", e.Type, "event_id", e.ID, "key", e.Key, "error", err)
		}
	}
}

// =============================================================================
// LOCKER - Per-key mutual exclusion around check-then-act sections
// =============================================================================

// Locker serializes writers on the same keys across processes. Store
// transactions already serialize writers inside one process; a Locker
// extends that to several service instances sharing a database.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

func acquire(ctx context.Context, l Locker, keys ...string) (func(), error) {
	if l == nil || len(keys) == 0 {
		return func() {}, nil
	}
	return l.Lock(ctx, keys...)
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock returns the current time. Services default to UTC wall time.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

func logOrDiscard(l *logger.Logger) *logger.Logger {
	if l == nil {
		return logger.Discard()
	}
	return l
}
