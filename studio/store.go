/*
store.go - Persistence interfaces for the studio engine

PURPOSE:
  Defines the boundary between the admission/settlement rules and the
  database. Implementations: store/sqlite (production) and
  studio/store (in-memory, for tests and local runs).

KEY INTERFACES:
  SessionFinder:     Overlap queries used by the Collision Guard
  BookingStore:      1:1 bookings and group-class occurrences
  RegistrationStore: Seat claims per occurrence
  PriceStore:        Read-only price rules, looked up per tier
  SettlementStore:   Settlement headers, items and runs
  TxStore:           All of the above plus atomic WithTx

TRANSACTIONS:
  Every check-then-act sequence (collision check + insert, capacity
  check + insert, settlement read + write) runs inside WithTx. The
  Store handed to fn sees its own writes; returning an error rolls
  every write back. Implementations must serialize WithTx against
  concurrent writers so two requests for the same slot cannot both
  commit.

SOFT TERMINATION:
  There is no Delete for bookings or registrations. Cancellation is a
  status change. Settlement items are insert-only; only draft
  settlements (and their items) may be deleted.

SEE ALSO:
  - store/sqlite/sqlite.go: SQLite implementation
  - studio/store/memory.go: In-memory implementation
*/
package studio

import "context"

// SessionSlot is a non-cancelled booking or occurrence occupying a
// resource and an instructor for an interval.
type SessionSlot struct {
	Ref          SessionRef
	ResourceID   ResourceID
	InstructorID InstructorID
	Interval     Interval
}

// SessionFinder returns non-cancelled bookings and occurrences that use
// the resource OR the instructor and overlap iv (half-open).
type SessionFinder interface {
	ActiveSessionsOverlapping(ctx context.Context, resource ResourceID, instructor InstructorID, iv Interval) ([]SessionSlot, error)
}

type BookingStore interface {
	SessionFinder

	SaveBooking(ctx context.Context, b Booking) error
	GetBooking(ctx context.Context, id BookingID) (Booking, error)
	// BookingsForInstructor returns bookings (any status) intersecting iv, ordered by Start.
	BookingsForInstructor(ctx context.Context, instructor InstructorID, iv Interval) ([]Booking, error)

	SaveOccurrence(ctx context.Context, o ClassOccurrence) error
	GetOccurrence(ctx context.Context, id OccurrenceID) (ClassOccurrence, error)
	// OccurrencesForInstructor returns occurrences (any status) intersecting iv, ordered by Start.
	OccurrencesForInstructor(ctx context.Context, instructor InstructorID, iv Interval) ([]ClassOccurrence, error)

	SaveInstructor(ctx context.Context, in Instructor) error
	ListInstructors(ctx context.Context, activeOnly bool) ([]Instructor, error)
	SaveResource(ctx context.Context, r Resource) error
}

type RegistrationStore interface {
	// InsertRegistration persists a new registration and assigns Seq.
	InsertRegistration(ctx context.Context, r *ClassRegistration) error
	UpdateRegistration(ctx context.Context, r ClassRegistration) error
	GetRegistration(ctx context.Context, id RegistrationID) (ClassRegistration, error)
	// RegistrationsForOccurrence returns all registrations ordered by BookedAt, Seq.
	RegistrationsForOccurrence(ctx context.Context, id OccurrenceID) ([]ClassRegistration, error)
}

// PriceStore is read-only from the engine's point of view.
type PriceStore interface {
	// PriceRules returns every rule stored under exactly this scope,
	// active or not; filtering is the resolver's job.
	PriceRules(ctx context.Context, scope PriceScope) ([]PriceRule, error)
}

// PriceRuleWriter is used by administrative callers only.
type PriceRuleWriter interface {
	SavePriceRule(ctx context.Context, r PriceRule) error
}

type SettlementStore interface {
	// InsertSettlement writes the header and all items. Fails with
	// ErrConcurrentModification if any item's session is already settled.
	InsertSettlement(ctx context.Context, s Settlement) error
	GetSettlement(ctx context.Context, id SettlementID) (Settlement, error)
	ListSettlements(ctx context.Context, f SettlementFilter) ([]Settlement, error)
	// UpdateSettlementHeader writes status, timestamps, payment reference and totals.
	UpdateSettlementHeader(ctx context.Context, s Settlement) error
	DeleteSettlement(ctx context.Context, id SettlementID) error
	DeleteSettlementItem(ctx context.Context, settlement SettlementID, item SettlementItemID) error
	// SettledSessions maps each already-settled ref to the settlement holding it.
	SettledSessions(ctx context.Context, refs []SessionRef) (map[SessionRef]SettlementID, error)

	SaveSettlementRun(ctx context.Context, r SettlementRun) error
	GetSettlementRun(ctx context.Context, id string) (SettlementRun, error)
	ListSettlementRuns(ctx context.Context, status RunStatus) ([]SettlementRun, error)
}

// Store is the full persistence surface.
type Store interface {
	BookingStore
	RegistrationStore
	PriceStore
	PriceRuleWriter
	SettlementStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
