package studio_test

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/studio"
)

func slot(kind studio.SessionKind, id string, resource studio.ResourceID, instructor studio.InstructorID, start, end time.Time) studio.SessionSlot {
	return studio.SessionSlot{
		Ref:          studio.SessionRef{Kind: kind, ID: id},
		ResourceID:   resource,
		InstructorID: instructor,
		Interval:     studio.Interval{Start: start, End: end},
	}
}

// =============================================================================
// PURE DETECTION
// =============================================================================

func TestDetectCollision_BackToBackIsNotAConflict(t *testing.T) {
	// GIVEN: Room busy 10:00-11:00
	// WHEN: Checking 11:00-12:00 in the same room with the same instructor
	// THEN: No conflict (half-open intervals)

	existing := []studio.SessionSlot{slot(studio.KindBooking, "b1", "room-1", "ana", at(0, 10), at(0, 11))}

	c := studio.DetectCollision(existing, studio.CollisionQuery{
		ResourceID:   "room-1",
		InstructorID: "ana",
		Interval:     studio.Interval{Start: at(0, 11), End: at(0, 12)},
	})
	assert.Nil(t, c)
}

func TestDetectCollision_ReportsDimensions(t *testing.T) {
	existing := []studio.SessionSlot{
		slot(studio.KindBooking, "b1", "room-1", "ana", at(0, 10), at(0, 11)),
	}

	t.Run("resource only", func(t *testing.T) {
		c := studio.DetectCollision(existing, studio.CollisionQuery{
			ResourceID:   "room-1",
			InstructorID: "ben",
			Interval:     studio.Interval{Start: at(0, 10).Add(30 * time.Minute), End: at(0, 12)},
		})
		require.NotNil(t, c)
		assert.Equal(t, []string{"resource"}, c.Dimensions)
		assert.Equal(t, studio.BookingRef("b1"), c.With)
	})

	t.Run("instructor only", func(t *testing.T) {
		c := studio.DetectCollision(existing, studio.CollisionQuery{
			ResourceID:   "room-2",
			InstructorID: "ana",
			Interval:     studio.Interval{Start: at(0, 9), End: at(0, 10).Add(time.Minute)},
		})
		require.NotNil(t, c)
		assert.Equal(t, []string{"instructor"}, c.Dimensions)
	})

	t.Run("both", func(t *testing.T) {
		c := studio.DetectCollision(existing, studio.CollisionQuery{
			ResourceID:   "room-1",
			InstructorID: "ana",
			Interval:     studio.Interval{Start: at(0, 10), End: at(0, 11)},
		})
		require.NotNil(t, c)
		assert.Equal(t, []string{"resource", "instructor"}, c.Dimensions)
		assert.True(t, errors.Is(c, studio.ErrConflict))
	})
}

func TestDetectCollision_EmptyDimensionIsIgnored(t *testing.T) {
	// GIVEN: A session with no room
	// WHEN: Checking another roomless session for a different instructor
	// THEN: Empty resource ids never collide with each other

	existing := []studio.SessionSlot{slot(studio.KindBooking, "b1", "", "ana", at(0, 10), at(0, 11))}

	c := studio.DetectCollision(existing, studio.CollisionQuery{
		InstructorID: "ben",
		Interval:     studio.Interval{Start: at(0, 10), End: at(0, 11)},
	})
	assert.Nil(t, c)
}

func TestDetectCollision_ReturnsEarliestAndHonoursExclude(t *testing.T) {
	existing := []studio.SessionSlot{
		slot(studio.KindOccurrence, "o2", "hall", "ana", at(0, 11), at(0, 12)),
		slot(studio.KindBooking, "b1", "hall", "ana", at(0, 10), at(0, 11)),
	}
	q := studio.CollisionQuery{
		ResourceID: "hall",
		Interval:   studio.Interval{Start: at(0, 10), End: at(0, 12)},
	}

	c := studio.DetectCollision(existing, q)
	require.NotNil(t, c)
	assert.Equal(t, studio.BookingRef("b1"), c.With)

	exclude := studio.BookingRef("b1")
	q.Exclude = &exclude
	c = studio.DetectCollision(existing, q)
	require.NotNil(t, c)
	assert.Equal(t, studio.OccurrenceRef("o2"), c.With)
}

// =============================================================================
// GUARDED ADMISSION
// =============================================================================

func TestBookingService_RejectsOverlapAndAllowsAfterCancel(t *testing.T) {
	// GIVEN: Ana is booked 10:00-11:00
	// WHEN: Another client books Ana at 10:30, then the first booking is cancelled
	// THEN: First attempt conflicts, second attempt succeeds

	f := newFixture(t)
	first := f.book(t, "ana", "c1", at(0, 10))

	_, err := f.bookings.Create(f.ctx, studio.Booking{
		InstructorID: "ana",
		ClientID:     "c2",
		Start:        at(0, 10).Add(30 * time.Minute),
		End:          at(0, 11).Add(30 * time.Minute),
	})
	var conflict *studio.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, studio.BookingRef(first.ID), conflict.With)

	_, err = f.bookings.Cancel(f.ctx, first.ID)
	require.NoError(t, err)

	_, err = f.bookings.Create(f.ctx, studio.Booking{
		InstructorID: "ana",
		ClientID:     "c2",
		Start:        at(0, 10).Add(30 * time.Minute),
		End:          at(0, 11).Add(30 * time.Minute),
	})
	assert.NoError(t, err)
	assert.Len(t, f.events.ofType(studio.EventBookingCancelled), 1)
}

func TestBookingService_OccurrenceBlocksBooking(t *testing.T) {
	f := newFixture(t)
	f.occurrence(t, "ana", at(1, 18), 10)

	_, err := f.bookings.Create(f.ctx, studio.Booking{
		InstructorID: "ana",
		ClientID:     "c1",
		ResourceID:   "room-9",
		Start:        at(1, 18),
		End:          at(1, 19),
	})
	assert.ErrorIs(t, err, studio.ErrConflict)
}

func TestBookingService_InvalidInterval(t *testing.T) {
	f := newFixture(t)
	_, err := f.bookings.Create(f.ctx, studio.Booking{
		InstructorID: "ana",
		ClientID:     "c1",
		Start:        at(0, 10),
		End:          at(0, 10),
	})
	assert.ErrorIs(t, err, studio.ErrInvalidInterval)
}

func TestBookingService_CancelTwiceIsTransitionError(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, "ana", "c1", at(0, 10))

	_, err := f.bookings.Cancel(f.ctx, b.ID)
	require.NoError(t, err)

	_, err = f.bookings.Cancel(f.ctx, b.ID)
	assert.ErrorIs(t, err, studio.ErrInvalidStateTransition)

	_, err = f.bookings.Cancel(f.ctx, "missing")
	assert.ErrorIs(t, err, studio.ErrInvalidStateTransition)
	assert.ErrorIs(t, err, studio.ErrNotFound)
}

func TestBookingService_RecordAttendanceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, "ana", "c1", at(0, 10))

	got, err := f.bookings.RecordAttendance(f.ctx, b.ID, true)
	require.NoError(t, err)
	assert.Equal(t, studio.BookingCompleted, got.Status)
	assert.Equal(t, studio.AttendanceAttended, got.Attendance)

	_, err = f.bookings.RecordAttendance(f.ctx, b.ID, true)
	assert.NoError(t, err)

	_, err = f.bookings.RecordAttendance(f.ctx, b.ID, false)
	assert.ErrorIs(t, err, studio.ErrInvalidStateTransition)
}

// =============================================================================
// RANDOMIZED INVARIANT
// =============================================================================

func TestCollisionGuard_RandomScheduleNeverOverlaps(t *testing.T) {
	// GIVEN: A few rooms and instructors
	// WHEN: Hundreds of random bookings and occurrences are attempted
	// THEN: No two committed, non-cancelled sessions sharing a room or an
	//       instructor overlap

	f := newFixture(t)
	rng := rand.New(rand.NewSource(42))
	rooms := []studio.ResourceID{"r1", "r2", "r3", ""}
	instructors := []studio.InstructorID{"ana", "ben", "cleo"}

	type committed struct {
		resource   studio.ResourceID
		instructor studio.InstructorID
		iv         studio.Interval
	}
	var accepted []committed

	for i := 0; i < 400; i++ {
		start := monday.Add(time.Duration(rng.Intn(7*24*4)) * 15 * time.Minute)
		end := start.Add(time.Duration(1+rng.Intn(8)) * 15 * time.Minute)
		room := rooms[rng.Intn(len(rooms))]
		instr := instructors[rng.Intn(len(instructors))]

		var err error
		if rng.Intn(3) == 0 {
			_, err = f.classes.ScheduleOccurrence(f.ctx, studio.ClassOccurrence{
				TemplateID: "yoga", InstructorID: instr, ResourceID: room,
				Start: start, End: end, Capacity: 5,
			})
		} else {
			_, err = f.bookings.Create(f.ctx, studio.Booking{
				InstructorID: instr, ClientID: "c", ResourceID: room,
				Start: start, End: end,
			})
		}
		if err != nil {
			require.ErrorIs(t, err, studio.ErrConflict)
			continue
		}
		accepted = append(accepted, committed{resource: room, instructor: instr, iv: studio.Interval{Start: start, End: end}})
	}

	require.NotEmpty(t, accepted)
	for i := range accepted {
		for j := i + 1; j < len(accepted); j++ {
			a, b := accepted[i], accepted[j]
			shared := a.instructor == b.instructor || (a.resource != "" && a.resource == b.resource)
			if shared && a.iv.Overlaps(b.iv) {
				t.Fatalf("overlap committed: %v %s/%s and %v %s/%s",
					a.iv, a.resource, a.instructor, b.iv, b.resource, b.instructor)
			}
		}
	}
}
