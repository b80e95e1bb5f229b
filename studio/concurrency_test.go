package studio_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/studio"
)

// inParallel releases n calls of fn at once and collects their errors.
func inParallel(n int, fn func(i int) error) []error {
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
	return errs
}

func TestRegister_ParallelRequestsForLastSeat(t *testing.T) {
	// GIVEN: Occurrence with capacity=1
	// WHEN: 20 clients register at the same time
	// THEN: Exactly one seat is booked, everyone else is waitlisted

	f := newFixture(t)
	o := f.occurrence(t, "ana", at(0, 18), 1)

	errs := inParallel(20, func(i int) error {
		_, err := f.classes.Register(f.ctx, o.ID, studio.ClientID(fmt.Sprintf("client-%02d", i)))
		return err
	})
	for _, err := range errs {
		require.NoError(t, err)
	}

	regs, err := f.store.RegistrationsForOccurrence(f.ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, regs, 20)

	booked, waitlisted := 0, 0
	for _, r := range regs {
		switch r.Status {
		case studio.RegistrationBooked:
			booked++
		case studio.RegistrationWaitlist:
			waitlisted++
		}
	}
	assert.Equal(t, 1, booked)
	assert.Equal(t, 19, waitlisted)
}

func TestBookingService_ParallelRequestsForOneSlot(t *testing.T) {
	// GIVEN: Ana is free at 10:00
	// WHEN: 20 clients book her 10:00-11:00 slot at the same time
	// THEN: Exactly one booking is accepted, the rest conflict

	f := newFixture(t)

	errs := inParallel(20, func(i int) error {
		_, err := f.bookings.Create(f.ctx, studio.Booking{
			InstructorID: "ana",
			ClientID:     studio.ClientID(fmt.Sprintf("client-%02d", i)),
			ResourceID:   "room-1",
			TemplateID:   "pt-60",
			Start:        at(0, 10),
			End:          at(0, 11),
		})
		return err
	})

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		var conflict *studio.ConflictError
		assert.ErrorAs(t, err, &conflict)
	}
	assert.Equal(t, 1, accepted)

	stored, err := f.store.BookingsForInstructor(f.ctx, "ana", studio.Interval{Start: at(0, 0), End: at(1, 0)})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}
