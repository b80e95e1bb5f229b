package studio

import (
	"context"

	"github.com/google/uuid"

	"github.com/warp/studio-engine/logger"
)

// =============================================================================
// BOOKING SERVICE - 1:1 sessions guarded by the Collision Guard
// =============================================================================

// BookingService admits, cancels and checks in 1:1 bookings.
//
// The collision check and the insert run in one transaction while the
// (resource, instructor) lock keys are held, so two concurrent requests
// for overlapping slots cannot both commit.
type BookingService struct {
	Store     TxStore
	Locker    Locker    // optional
	Publisher Publisher // optional
	Log       *logger.Logger
	Now       Clock
}

// Create validates and persists a new scheduled booking.
func (s *BookingService) Create(ctx context.Context, b Booking) (Booking, error) {
	log := logOrDiscard(s.Log)

	if !b.Interval().Valid() {
		return Booking{}, ErrInvalidInterval
	}
	if b.InstructorID == "" || b.ClientID == "" {
		return Booking{}, invalidInput("booking requires instructor and client")
	}
	if b.ID == "" {
		b.ID = BookingID(uuid.NewString())
	}
	b.Start, b.End = b.Start.UTC(), b.End.UTC()
	b.Status = BookingScheduled
	b.Attendance = AttendanceUnknown
	b.CreatedAt = s.Now.now()
	b.CancelledAt, b.CheckedInAt = nil, nil

	unlock, err := acquire(ctx, s.Locker, slotLockKeys(b.ResourceID, b.InstructorID)...)
	if err != nil {
		return Booking{}, err
	}
	defer unlock()

	err = s.Store.WithTx(ctx, func(tx Store) error {
		guard := CollisionGuard{Sessions: tx}
		if err := guard.Check(ctx, CollisionQuery{
			ResourceID:   b.ResourceID,
			InstructorID: b.InstructorID,
			Interval:     b.Interval(),
		}); err != nil {
			return err
		}
		return tx.SaveBooking(ctx, b)
	})
	if err != nil {
		if IsClientError(err) {
			log.Warn("Booking rejected", "instructor_id", b.InstructorID, "resource_id", b.ResourceID, "error", err)
		} else {
			log.Error("Failed to create booking", "error", err)
		}
		return Booking{}, err
	}

	log.Info("Booking created",
		"id", b.ID,
		"instructor_id", b.InstructorID,
		"resource_id", b.ResourceID,
		"start", b.Start,
	)
	return b, nil
}

// Cancel moves a scheduled booking to cancelled and stamps CancelledAt.
// The row is kept for audit and for late-cancellation billing.
func (s *BookingService) Cancel(ctx context.Context, id BookingID) (Booking, error) {
	var out Booking
	now := s.Now.now()

	err := s.Store.WithTx(ctx, func(tx Store) error {
		b, err := tx.GetBooking(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				return &TransitionError{Entity: "booking", ID: string(id), To: string(BookingCancelled), Cause: err}
			}
			return err
		}
		if b.Status != BookingScheduled {
			return &TransitionError{Entity: "booking", ID: string(id), From: string(b.Status), To: string(BookingCancelled)}
		}
		b.Status = BookingCancelled
		b.CancelledAt = &now
		out = b
		return tx.SaveBooking(ctx, b)
	})
	if err != nil {
		return Booking{}, err
	}

	logOrDiscard(s.Log).Info("Booking cancelled", "id", id, "lead_time", out.Start.Sub(now).String())
	publishAll(ctx, s.Publisher, logOrDiscard(s.Log), []Event{
		newEvent(EventBookingCancelled, string(id), now, CancellationPayload{
			SessionID:   string(id),
			SessionKind: string(KindBooking),
			ClientID:    out.ClientID,
			CancelledAt: now,
		}),
	})
	return out, nil
}

// RecordAttendance completes a scheduled booking as attended or no-show.
// Repeating the same outcome is a no-op; a different outcome is rejected.
func (s *BookingService) RecordAttendance(ctx context.Context, id BookingID, attended bool) (Booking, error) {
	want := AttendanceNoShow
	if attended {
		want = AttendanceAttended
	}
	now := s.Now.now()

	var out Booking
	err := s.Store.WithTx(ctx, func(tx Store) error {
		b, err := tx.GetBooking(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				return &TransitionError{Entity: "booking", ID: string(id), To: string(want), Cause: err}
			}
			return err
		}
		switch b.Status {
		case BookingScheduled:
			b.Status = BookingCompleted
			b.Attendance = want
			b.CheckedInAt = &now
			out = b
			return tx.SaveBooking(ctx, b)
		case BookingCompleted:
			if b.Attendance == want {
				out = b
				return nil
			}
			return &TransitionError{Entity: "booking", ID: string(id), From: string(b.Attendance), To: string(want)}
		default:
			return &TransitionError{Entity: "booking", ID: string(id), From: string(b.Status), To: string(want)}
		}
	})
	if err != nil {
		return Booking{}, err
	}
	logOrDiscard(s.Log).Info("Booking attendance recorded", "id", id, "attendance", out.Attendance)
	return out, nil
}
