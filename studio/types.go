/*
Package studio provides the booking admission and settlement engine.

PURPOSE:
  This package contains the rules that decide whether a session may be
  booked, who holds a seat in a group class, what a client pays for a
  session, and how an instructor's rendered sessions turn into an
  auditable payout statement.

KEY CONCEPTS IN THIS FILE (types.go):
  - Booking: A 1:1 session between an instructor and a client in a room
  - ClassOccurrence: One dated instance of a recurring group class
  - ClassRegistration: A client's claim on a seat (booked or waitlisted)
  - PriceRule: A fee definition scoped to a tier (override or default)
  - Settlement / SettlementItem: Immutable payout statement and its lines

DESIGN PRINCIPLES:
  1. Soft termination: Bookings and registrations are never removed,
     only moved into terminal states
  2. Precision: Fees use decimal.Decimal, never float64
  3. Snapshots: Settlement items freeze the fee in force when the
     session was rendered
  4. Type Safety: Distinct ID types prevent mixing clients and instructors

SEE ALSO:
  - collision.go: Double-booking prevention
  - capacity.go: Registration state machine and waitlist
  - pricing.go: Price cascade
  - settlement.go: Settlement generation
  - lifecycle.go: Settlement state transitions
*/
package studio

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ClientID string
type InstructorID string
type ResourceID string
type SiteID string
type TemplateID string
type BookingID string
type OccurrenceID string
type RegistrationID string
type PriceRuleID string
type SettlementID string
type SettlementItemID string

// =============================================================================
// REFERENCE DATA - Booking targets with no behavior of their own
// =============================================================================

// Resource is a bookable physical space (room, court, studio floor).
type Resource struct {
	ID     ResourceID
	SiteID SiteID
	Name   string
}

// Instructor is a member of staff who runs sessions and receives payouts.
type Instructor struct {
	ID     InstructorID
	SiteID SiteID
	Name   string
	Active bool
}

// =============================================================================
// INTERVAL - Half-open time range [Start, End)
// =============================================================================

type Interval struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether the interval has a positive duration.
func (iv Interval) Valid() bool { return iv.Start.Before(iv.End) }

// Overlaps uses half-open semantics: back-to-back intervals do not overlap.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Contains reports whether t falls in [Start, End).
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

func (iv Interval) Duration() time.Duration { return iv.End.Sub(iv.Start) }

func (iv Interval) String() string {
	return "[" + iv.Start.UTC().Format(time.RFC3339) + ", " + iv.End.UTC().Format(time.RFC3339) + ")"
}

// =============================================================================
// SESSION REFERENCES
// =============================================================================

type SessionKind string

const (
	KindBooking      SessionKind = "booking"
	KindOccurrence   SessionKind = "occurrence"
	KindRegistration SessionKind = "registration"
)

// SessionRef points at the row that represents one rendered (or reserved)
// session. Settlement items use booking and registration refs; collision
// checks use booking and occurrence refs.
type SessionRef struct {
	Kind SessionKind
	ID   string
}

func (r SessionRef) String() string { return string(r.Kind) + ":" + r.ID }

func BookingRef(id BookingID) SessionRef           { return SessionRef{Kind: KindBooking, ID: string(id)} }
func OccurrenceRef(id OccurrenceID) SessionRef     { return SessionRef{Kind: KindOccurrence, ID: string(id)} }
func RegistrationRef(id RegistrationID) SessionRef { return SessionRef{Kind: KindRegistration, ID: string(id)} }

// =============================================================================
// BOOKING - 1:1 session
// =============================================================================

type BookingStatus string

const (
	BookingScheduled BookingStatus = "scheduled"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

type Attendance string

const (
	AttendanceUnknown  Attendance = ""
	AttendanceAttended Attendance = "attended"
	AttendanceNoShow   Attendance = "no_show"
)

type Booking struct {
	ID           BookingID
	InstructorID InstructorID
	ClientID     ClientID
	ResourceID   ResourceID
	TemplateID   TemplateID // service type, used for price resolution
	Start        time.Time
	End          time.Time
	Status       BookingStatus
	Attendance   Attendance
	CreatedAt    time.Time
	CancelledAt  *time.Time
	CheckedInAt  *time.Time
}

func (b Booking) Interval() Interval { return Interval{Start: b.Start, End: b.End} }

// =============================================================================
// CLASS OCCURRENCE - Dated instance of a group class
// =============================================================================

type OccurrenceStatus string

const (
	OccurrenceScheduled OccurrenceStatus = "scheduled"
	OccurrenceCancelled OccurrenceStatus = "cancelled"
)

type ClassOccurrence struct {
	ID           OccurrenceID
	TemplateID   TemplateID
	InstructorID InstructorID
	ResourceID   ResourceID
	Start        time.Time
	End          time.Time
	Capacity     int
	Status       OccurrenceStatus
	CreatedAt    time.Time
}

func (o ClassOccurrence) Interval() Interval { return Interval{Start: o.Start, End: o.End} }

// =============================================================================
// CLASS REGISTRATION - A client's claim on a seat
// =============================================================================

type RegistrationStatus string

const (
	RegistrationBooked    RegistrationStatus = "booked"
	RegistrationWaitlist  RegistrationStatus = "waitlist"
	RegistrationCancelled RegistrationStatus = "cancelled"
	RegistrationNoShow    RegistrationStatus = "no_show"
	RegistrationAttended  RegistrationStatus = "attended"
)

// Terminal reports whether no further transition is possible.
func (s RegistrationStatus) Terminal() bool {
	return s == RegistrationCancelled || s == RegistrationAttended || s == RegistrationNoShow
}

// HoldsSeat reports whether the registration counts against capacity.
func (s RegistrationStatus) HoldsSeat() bool {
	return s == RegistrationBooked || s == RegistrationAttended
}

type ClassRegistration struct {
	ID            RegistrationID
	OccurrenceID  OccurrenceID
	ClientID      ClientID
	Status        RegistrationStatus
	BookedAt      time.Time
	Seq           int64 // assigned by the store; breaks BookedAt ties
	CancelledAt   *time.Time
	CancelledFrom RegistrationStatus // status held at cancellation
	CheckedInAt   *time.Time
	PromotedAt    *time.Time
}

// waitlistBefore orders waitlist entries FIFO by BookedAt, then Seq.
func waitlistBefore(a, b ClassRegistration) bool {
	if !a.BookedAt.Equal(b.BookedAt) {
		return a.BookedAt.Before(b.BookedAt)
	}
	return a.Seq < b.Seq
}

// =============================================================================
// FEES - Entry fee paid by the client, trainer fee paid to the instructor
// =============================================================================

type Fees struct {
	Entry    decimal.Decimal
	Trainer  decimal.Decimal
	Currency string
}

func NewFees(entry, trainer int64, currency string) Fees {
	return Fees{Entry: decimal.NewFromInt(entry), Trainer: decimal.NewFromInt(trainer), Currency: currency}
}

func (f Fees) String() string {
	return fmt.Sprintf("entry=%s trainer=%s %s", f.Entry.String(), f.Trainer.String(), f.Currency)
}

// =============================================================================
// PRICE RULES
// =============================================================================

// PriceTier names the level of the override hierarchy a rule belongs to.
// It is carried into settlement items as audit metadata.
type PriceTier string

const (
	TierOccurrenceOverride PriceTier = "occurrence_override"
	TierTemplateOverride   PriceTier = "template_override"
	TierTemplateDefault    PriceTier = "template_default"
)

type PriceRule struct {
	ID           PriceRuleID
	Tier         PriceTier
	ClientID     ClientID     // empty for template defaults
	OccurrenceID OccurrenceID // set only for occurrence overrides
	TemplateID   TemplateID   // set for template overrides and defaults
	Fees         Fees
	ValidFrom    time.Time
	ValidUntil   *time.Time // nil = open-ended
	Active       bool
	CreatedAt    time.Time
}

// AppliesAt is the validity test shared by every tier:
// active && ValidFrom <= at <= ValidUntil (or open-ended).
func (r PriceRule) AppliesAt(at time.Time) bool {
	if !r.Active || at.Before(r.ValidFrom) {
		return false
	}
	return r.ValidUntil == nil || !at.After(*r.ValidUntil)
}

// Normalize clears the ids its tier does not key on. An occurrence
// override is keyed by (client, occurrence) only, a template override by
// (client, template) and a template default by template alone.
func (r PriceRule) Normalize() PriceRule {
	switch r.Tier {
	case TierOccurrenceOverride:
		r.TemplateID = ""
	case TierTemplateOverride:
		r.OccurrenceID = ""
	case TierTemplateDefault:
		r.OccurrenceID = ""
	}
	return r
}

// Scope returns the lookup key the rule is stored under.
func (r PriceRule) Scope() PriceScope {
	n := r.Normalize()
	return PriceScope{Tier: n.Tier, ClientID: n.ClientID, OccurrenceID: n.OccurrenceID, TemplateID: n.TemplateID}
}

// PriceScope identifies the rows of one tier for one (client, target) pair.
type PriceScope struct {
	Tier         PriceTier
	ClientID     ClientID
	OccurrenceID OccurrenceID
	TemplateID   TemplateID
}

// =============================================================================
// SETTLEMENT
// =============================================================================

type SettlementStatus string

const (
	SettlementDraft     SettlementStatus = "draft"
	SettlementFinalized SettlementStatus = "finalized"
	SettlementPaid      SettlementStatus = "paid"
)

// ItemOutcome is the session status frozen into a settlement item.
type ItemOutcome string

const (
	OutcomeAttended      ItemOutcome = "attended"
	OutcomeNoShow        ItemOutcome = "no_show"
	OutcomeLateCancelled ItemOutcome = "late_cancelled"
)

type Settlement struct {
	ID              SettlementID
	InstructorID    InstructorID
	PeriodStart     time.Time
	PeriodEnd       time.Time
	Status          SettlementStatus
	Currency        string
	TotalEntryFee   decimal.Decimal
	TotalTrainerFee decimal.Decimal
	Policy          InclusionPolicy // snapshot taken at generation time
	CreatedAt       time.Time
	FinalizedAt     *time.Time
	PaidAt          *time.Time
	PaymentRef      string
	Items           []SettlementItem
}

func (s Settlement) Period() Interval { return Interval{Start: s.PeriodStart, End: s.PeriodEnd} }

// recomputeTotals sums item fees into the header.
func (s *Settlement) recomputeTotals() {
	s.TotalEntryFee = decimal.Zero
	s.TotalTrainerFee = decimal.Zero
	for _, it := range s.Items {
		s.TotalEntryFee = s.TotalEntryFee.Add(it.EntryFee)
		s.TotalTrainerFee = s.TotalTrainerFee.Add(it.TrainerFee)
	}
}

// SettlementItem is written once and never updated.
type SettlementItem struct {
	ID           SettlementItemID
	SettlementID SettlementID
	Session      SessionRef
	OccurrenceID OccurrenceID // empty for 1:1 bookings
	ClientID     ClientID
	SessionStart time.Time
	EntryFee     decimal.Decimal
	TrainerFee   decimal.Decimal
	Currency     string
	Outcome      ItemOutcome
	PriceSource  PriceTier
	PriceRuleID  PriceRuleID
	CreatedAt    time.Time
}

// SettlementFilter narrows ListSettlements. Zero values match everything.
type SettlementFilter struct {
	InstructorID InstructorID
	Status       SettlementStatus
}

// =============================================================================
// SETTLEMENT RUNS - Background generation bookkeeping
// =============================================================================

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunEmpty     RunStatus = "empty"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

type SettlementRun struct {
	ID           string
	InstructorID InstructorID
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Status       RunStatus
	Attempts     int
	SettlementID SettlementID
	MissingCount int
	Error        string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}
