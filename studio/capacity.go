/*
capacity.go - Group class capacity, registrations and the waitlist

PURPOSE:
  Admits clients into class occurrences. A seat is granted while
  capacity remains; afterwards clients join a FIFO waitlist and are
  promoted, earliest first, whenever a seat frees up.

STATE MACHINE (per registration):
  booked   -> cancelled | attended | no_show
  waitlist -> booked (promotion) | cancelled
  cancelled, attended, no_show are terminal.

CAPACITY:
  booked_count = registrations in {booked, attended}
  available    = capacity - booked_count

INVARIANTS:
  - At most one non-cancelled registration per (client, occurrence)
  - Waitlist order is BookedAt ascending, ties broken by store sequence
  - Promotion always dequeues the earliest waitlist entry

CONCURRENCY:
  Every mutation holds the "occurrence:<id>" lock and runs its
  capacity read and its write inside one store transaction.

SEE ALSO:
  - collision.go: Occurrence scheduling reuses the Collision Guard
  - settlement.go: Reads terminal registrations for billing
*/
package studio

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/warp/studio-engine/logger"
)

type ClassService struct {
	Store     TxStore
	Locker    Locker    // optional
	Publisher Publisher // optional
	Log       *logger.Logger
	Now       Clock
}

// CancelResult carries the cancelled registration and any promotions it caused.
type CancelResult struct {
	Registration ClassRegistration
	Promoted     []ClassRegistration
}

// Roster is the front-desk view of one occurrence.
type Roster struct {
	Occurrence ClassOccurrence
	Booked     []ClassRegistration // booked + attended
	Waitlist   []ClassRegistration // FIFO order
	Available  int
}

func occurrenceLockKey(id OccurrenceID) string { return "occurrence:" + string(id) }

// =============================================================================
// OCCURRENCE SCHEDULING
// =============================================================================

// ScheduleOccurrence persists a new occurrence after a collision check
// against every booking and occurrence on the same room or instructor.
func (s *ClassService) ScheduleOccurrence(ctx context.Context, o ClassOccurrence) (ClassOccurrence, error) {
	if !o.Interval().Valid() {
		return ClassOccurrence{}, ErrInvalidInterval
	}
	if o.Capacity < 0 {
		return ClassOccurrence{}, invalidInput("capacity must be >= 0, got %d", o.Capacity)
	}
	if o.InstructorID == "" || o.TemplateID == "" {
		return ClassOccurrence{}, invalidInput("occurrence requires instructor and template")
	}
	if o.ID == "" {
		o.ID = OccurrenceID(uuid.NewString())
	}
	o.Start, o.End = o.Start.UTC(), o.End.UTC()
	o.Status = OccurrenceScheduled
	o.CreatedAt = s.Now.now()

	unlock, err := acquire(ctx, s.Locker, slotLockKeys(o.ResourceID, o.InstructorID)...)
	if err != nil {
		return ClassOccurrence{}, err
	}
	defer unlock()

	err = s.Store.WithTx(ctx, func(tx Store) error {
		guard := CollisionGuard{Sessions: tx}
		if err := guard.Check(ctx, CollisionQuery{
			ResourceID:   o.ResourceID,
			InstructorID: o.InstructorID,
			Interval:     o.Interval(),
		}); err != nil {
			return err
		}
		return tx.SaveOccurrence(ctx, o)
	})
	if err != nil {
		return ClassOccurrence{}, err
	}
	logOrDiscard(s.Log).Info("Occurrence scheduled", "id", o.ID, "template_id", o.TemplateID, "capacity", o.Capacity, "start", o.Start)
	return o, nil
}

// CancelOccurrence cancels the whole class. Registrations keep their
// status; settlement skips every registration of a cancelled occurrence.
func (s *ClassService) CancelOccurrence(ctx context.Context, id OccurrenceID) (ClassOccurrence, error) {
	unlock, err := acquire(ctx, s.Locker, occurrenceLockKey(id))
	if err != nil {
		return ClassOccurrence{}, err
	}
	defer unlock()

	now := s.Now.now()
	var out ClassOccurrence
	err = s.Store.WithTx(ctx, func(tx Store) error {
		o, err := tx.GetOccurrence(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				return &TransitionError{Entity: "occurrence", ID: string(id), To: string(OccurrenceCancelled), Cause: err}
			}
			return err
		}
		if o.Status == OccurrenceCancelled {
			return &TransitionError{Entity: "occurrence", ID: string(id), From: string(o.Status), To: string(OccurrenceCancelled)}
		}
		o.Status = OccurrenceCancelled
		out = o
		return tx.SaveOccurrence(ctx, o)
	})
	if err != nil {
		return ClassOccurrence{}, err
	}

	log := logOrDiscard(s.Log)
	log.Info("Occurrence cancelled", "id", id)
	publishAll(ctx, s.Publisher, log, []Event{
		newEvent(EventOccurrenceCancelled, string(id), now, CancellationPayload{
			SessionID:   string(id),
			SessionKind: string(KindOccurrence),
			CancelledAt: now,
		}),
	})
	return out, nil
}

// ChangeCapacity updates the seat count and promotes waitlisted clients
// into any seats the change frees. Shrinking below the booked count
// keeps existing seats; it only stops further admissions.
func (s *ClassService) ChangeCapacity(ctx context.Context, id OccurrenceID, capacity int) ([]ClassRegistration, error) {
	if capacity < 0 {
		return nil, invalidInput("capacity must be >= 0, got %d", capacity)
	}
	unlock, err := acquire(ctx, s.Locker, occurrenceLockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.Now.now()
	var promoted []ClassRegistration
	err = s.Store.WithTx(ctx, func(tx Store) error {
		o, err := tx.GetOccurrence(ctx, id)
		if err != nil {
			return err
		}
		if o.Status == OccurrenceCancelled {
			return ErrOccurrenceClosed
		}
		o.Capacity = capacity
		if err := tx.SaveOccurrence(ctx, o); err != nil {
			return err
		}
		promoted, err = promoteWaitlist(ctx, tx, o, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.announcePromotions(ctx, promoted)
	return promoted, nil
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Register grants a seat if one is available, otherwise appends the
// client to the waitlist. A client holding any non-cancelled registration
// for the occurrence is rejected with a DuplicateRegistrationError.
func (s *ClassService) Register(ctx context.Context, occurrenceID OccurrenceID, clientID ClientID) (ClassRegistration, error) {
	if clientID == "" {
		return ClassRegistration{}, invalidInput("client id is required")
	}
	unlock, err := acquire(ctx, s.Locker, occurrenceLockKey(occurrenceID))
	if err != nil {
		return ClassRegistration{}, err
	}
	defer unlock()

	reg := ClassRegistration{
		ID:           RegistrationID(uuid.NewString()),
		OccurrenceID: occurrenceID,
		ClientID:     clientID,
		BookedAt:     s.Now.now(),
	}

	err = s.Store.WithTx(ctx, func(tx Store) error {
		o, err := tx.GetOccurrence(ctx, occurrenceID)
		if err != nil {
			return err
		}
		if o.Status != OccurrenceScheduled {
			return ErrOccurrenceClosed
		}
		regs, err := tx.RegistrationsForOccurrence(ctx, occurrenceID)
		if err != nil {
			return err
		}
		for _, r := range regs {
			if r.ClientID == clientID && r.Status != RegistrationCancelled {
				return &DuplicateRegistrationError{
					OccurrenceID: occurrenceID,
					ClientID:     clientID,
					Existing:     r.ID,
					Status:       r.Status,
				}
			}
		}
		if available(o, regs) > 0 {
			reg.Status = RegistrationBooked
		} else {
			reg.Status = RegistrationWaitlist
		}
		return tx.InsertRegistration(ctx, &reg)
	})
	if err != nil {
		if IsClientError(err) {
			logOrDiscard(s.Log).Warn("Registration rejected", "occurrence_id", occurrenceID, "client_id", clientID, "error", err)
		}
		return ClassRegistration{}, err
	}

	logOrDiscard(s.Log).Info("Registration created",
		"id", reg.ID,
		"occurrence_id", occurrenceID,
		"client_id", clientID,
		"status", reg.Status,
	)
	return reg, nil
}

// Cancel cancels a booked or waitlisted registration. Cancelling a booked
// registration frees a seat and promotes the earliest waitlist entry.
func (s *ClassService) Cancel(ctx context.Context, id RegistrationID) (CancelResult, error) {
	// Occurrence id is immutable, so it is safe to read it before locking.
	current, err := s.Store.GetRegistration(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return CancelResult{}, &TransitionError{Entity: "registration", ID: string(id), To: string(RegistrationCancelled), Cause: err}
		}
		return CancelResult{}, err
	}

	unlock, err := acquire(ctx, s.Locker, occurrenceLockKey(current.OccurrenceID))
	if err != nil {
		return CancelResult{}, err
	}
	defer unlock()

	now := s.Now.now()
	var res CancelResult
	err = s.Store.WithTx(ctx, func(tx Store) error {
		reg, err := tx.GetRegistration(ctx, id)
		if err != nil {
			return err
		}
		if reg.Status.Terminal() {
			return &TransitionError{Entity: "registration", ID: string(id), From: string(reg.Status), To: string(RegistrationCancelled)}
		}
		freedSeat := reg.Status == RegistrationBooked
		reg.CancelledFrom = reg.Status
		reg.Status = RegistrationCancelled
		reg.CancelledAt = &now
		if err := tx.UpdateRegistration(ctx, reg); err != nil {
			return err
		}
		res.Registration = reg

		if !freedSeat {
			return nil
		}
		o, err := tx.GetOccurrence(ctx, reg.OccurrenceID)
		if err != nil {
			return err
		}
		res.Promoted, err = promoteWaitlist(ctx, tx, o, now)
		return err
	})
	if err != nil {
		return CancelResult{}, err
	}

	log := logOrDiscard(s.Log)
	log.Info("Registration cancelled",
		"id", id,
		"occurrence_id", res.Registration.OccurrenceID,
		"cancelled_from", res.Registration.CancelledFrom,
		"promoted", len(res.Promoted),
	)
	publishAll(ctx, s.Publisher, log, []Event{
		newEvent(EventRegistrationCancelled, string(res.Registration.OccurrenceID), now, CancellationPayload{
			SessionID:   string(id),
			SessionKind: string(KindRegistration),
			ClientID:    res.Registration.ClientID,
			CancelledAt: now,
		}),
	})
	s.announcePromotions(ctx, res.Promoted)
	return res, nil
}

// CheckIn records attendance for a booked registration. Re-checking the
// same outcome is a no-op; a different outcome is a TransitionError.
func (s *ClassService) CheckIn(ctx context.Context, id RegistrationID, attended bool) (ClassRegistration, error) {
	want := RegistrationNoShow
	if attended {
		want = RegistrationAttended
	}

	current, err := s.Store.GetRegistration(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return ClassRegistration{}, &TransitionError{Entity: "registration", ID: string(id), To: string(want), Cause: err}
		}
		return ClassRegistration{}, err
	}
	unlock, err := acquire(ctx, s.Locker, occurrenceLockKey(current.OccurrenceID))
	if err != nil {
		return ClassRegistration{}, err
	}
	defer unlock()

	now := s.Now.now()
	var out ClassRegistration
	err = s.Store.WithTx(ctx, func(tx Store) error {
		reg, err := tx.GetRegistration(ctx, id)
		if err != nil {
			return err
		}
		switch reg.Status {
		case RegistrationBooked:
			reg.Status = want
			reg.CheckedInAt = &now
			out = reg
			return tx.UpdateRegistration(ctx, reg)
		case want:
			out = reg
			return nil
		default:
			return &TransitionError{Entity: "registration", ID: string(id), From: string(reg.Status), To: string(want)}
		}
	})
	if err != nil {
		return ClassRegistration{}, err
	}
	logOrDiscard(s.Log).Info("Registration checked in", "id", id, "status", out.Status)
	return out, nil
}

// PromoteWaitlist fills every available seat from the waitlist.
func (s *ClassService) PromoteWaitlist(ctx context.Context, id OccurrenceID) ([]ClassRegistration, error) {
	unlock, err := acquire(ctx, s.Locker, occurrenceLockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.Now.now()
	var promoted []ClassRegistration
	err = s.Store.WithTx(ctx, func(tx Store) error {
		o, err := tx.GetOccurrence(ctx, id)
		if err != nil {
			return err
		}
		promoted, err = promoteWaitlist(ctx, tx, o, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.announcePromotions(ctx, promoted)
	return promoted, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Roster returns the booked list, the ordered waitlist and free seats.
func (s *ClassService) Roster(ctx context.Context, id OccurrenceID) (Roster, error) {
	o, err := s.Store.GetOccurrence(ctx, id)
	if err != nil {
		return Roster{}, err
	}
	regs, err := s.Store.RegistrationsForOccurrence(ctx, id)
	if err != nil {
		return Roster{}, err
	}
	r := Roster{Occurrence: o, Available: available(o, regs), Waitlist: waitlistOf(regs)}
	for _, reg := range regs {
		if reg.Status.HoldsSeat() {
			r.Booked = append(r.Booked, reg)
		}
	}
	return r, nil
}

// WaitlistPosition returns the 1-based position of a waitlisted
// registration, or 0 if it is not on the waitlist.
func (s *ClassService) WaitlistPosition(ctx context.Context, id RegistrationID) (int, error) {
	reg, err := s.Store.GetRegistration(ctx, id)
	if err != nil {
		return 0, err
	}
	if reg.Status != RegistrationWaitlist {
		return 0, nil
	}
	regs, err := s.Store.RegistrationsForOccurrence(ctx, reg.OccurrenceID)
	if err != nil {
		return 0, err
	}
	for i, w := range waitlistOf(regs) {
		if w.ID == id {
			return i + 1, nil
		}
	}
	return 0, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func bookedCount(regs []ClassRegistration) int {
	n := 0
	for _, r := range regs {
		if r.Status.HoldsSeat() {
			n++
		}
	}
	return n
}

func available(o ClassOccurrence, regs []ClassRegistration) int {
	return o.Capacity - bookedCount(regs)
}

func waitlistOf(regs []ClassRegistration) []ClassRegistration {
	var w []ClassRegistration
	for _, r := range regs {
		if r.Status == RegistrationWaitlist {
			w = append(w, r)
		}
	}
	sort.SliceStable(w, func(i, j int) bool { return waitlistBefore(w[i], w[j]) })
	return w
}

// promoteWaitlist moves the earliest waitlist entries into free seats.
// Must run inside the caller's transaction.
func promoteWaitlist(ctx context.Context, tx Store, o ClassOccurrence, now time.Time) ([]ClassRegistration, error) {
	if o.Status != OccurrenceScheduled {
		return nil, nil
	}
	regs, err := tx.RegistrationsForOccurrence(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	free := available(o, regs)
	var promoted []ClassRegistration
	for _, w := range waitlistOf(regs) {
		if free <= 0 {
			break
		}
		at := now
		w.Status = RegistrationBooked
		w.PromotedAt = &at
		if err := tx.UpdateRegistration(ctx, w); err != nil {
			return nil, err
		}
		promoted = append(promoted, w)
		free--
	}
	return promoted, nil
}

func (s *ClassService) announcePromotions(ctx context.Context, promoted []ClassRegistration) {
	if len(promoted) == 0 {
		return
	}
	log := logOrDiscard(s.Log)
	events := make([]Event, 0, len(promoted))
	for _, p := range promoted {
		log.Info("Waitlist promotion", "registration_id", p.ID, "occurrence_id", p.OccurrenceID, "client_id", p.ClientID)
		events = append(events, newEvent(EventRegistrationPromoted, string(p.OccurrenceID), *p.PromotedAt, PromotionPayload{
			RegistrationID: p.ID,
			OccurrenceID:   p.OccurrenceID,
			ClientID:       p.ClientID,
			PromotedAt:     *p.PromotedAt,
		}))
	}
	publishAll(ctx, s.Publisher, log, events)
}
