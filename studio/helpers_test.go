package studio_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/warp/studio-engine/logger"
	"github.com/warp/studio-engine/studio"
	"github.com/warp/studio-engine/studio/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var monday = time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)

func at(day, hour int) time.Time {
	return monday.AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour)
}

func march2025() studio.Interval {
	return studio.Interval{
		Start: time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC),
	}
}

// recorder is an in-test Publisher.
type recorder struct {
	mu     sync.Mutex
	events []studio.Event
}

func (r *recorder) Publish(_ context.Context, e studio.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) ofType(t studio.EventType) []studio.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []studio.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fixture wires every service to one in-memory store and a settable clock.
type fixture struct {
	ctx    context.Context
	store  *store.TxMemory
	now    time.Time
	events *recorder

	bookings  *studio.BookingService
	classes   *studio.ClassService
	generator *studio.SettlementGenerator
	lifecycle *studio.SettlementLifecycle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:    context.Background(),
		store:  store.NewTxMemory(),
		now:    at(-7, 9),
		events: &recorder{},
	}
	clock := studio.Clock(func() time.Time { return f.now })
	log := logger.Discard()

	f.bookings = &studio.BookingService{Store: f.store, Publisher: f.events, Log: log, Now: clock}
	f.classes = &studio.ClassService{Store: f.store, Publisher: f.events, Log: log, Now: clock}
	f.generator = &studio.SettlementGenerator{Store: f.store, Policy: studio.DefaultInclusionPolicy(), Log: log, Now: clock}
	f.lifecycle = &studio.SettlementLifecycle{Store: f.store, Generator: f.generator, Publisher: f.events, Log: log, Now: clock}
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) book(t *testing.T, instructor studio.InstructorID, client studio.ClientID, start time.Time) studio.Booking {
	t.Helper()
	b, err := f.bookings.Create(f.ctx, studio.Booking{
		InstructorID: instructor,
		ClientID:     client,
		ResourceID:   "room-" + studio.ResourceID(instructor),
		TemplateID:   "pt-60",
		Start:        start,
		End:          start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return b
}

func (f *fixture) occurrence(t *testing.T, instructor studio.InstructorID, start time.Time, capacity int) studio.ClassOccurrence {
	t.Helper()
	o, err := f.classes.ScheduleOccurrence(f.ctx, studio.ClassOccurrence{
		TemplateID:   "yoga",
		InstructorID: instructor,
		ResourceID:   "hall",
		Start:        start,
		End:          start.Add(time.Hour),
		Capacity:     capacity,
	})
	if err != nil {
		t.Fatalf("schedule occurrence: %v", err)
	}
	return o
}

func (f *fixture) price(t *testing.T, r studio.PriceRule) {
	t.Helper()
	if r.ValidFrom.IsZero() {
		r.ValidFrom = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = r.ValidFrom
	}
	r.Active = true
	if err := studio.ValidatePriceRule(r); err != nil {
		t.Fatalf("invalid price rule %s: %v", r.ID, err)
	}
	if err := f.store.SavePriceRule(f.ctx, r); err != nil {
		t.Fatalf("save price rule: %v", err)
	}
}

func templateDefault(id studio.PriceRuleID, template studio.TemplateID, entry, trainer int64) studio.PriceRule {
	return studio.PriceRule{
		ID:         id,
		Tier:       studio.TierTemplateDefault,
		TemplateID: template,
		Fees:       studio.NewFees(entry, trainer, "EUR"),
	}
}
