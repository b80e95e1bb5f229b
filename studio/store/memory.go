// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// STATE - Plain maps, no locking. Memory and the transaction view share it.
// =============================================================================

type state struct {
	bookings      map[studio.BookingID]studio.Booking
	occurrences   map[studio.OccurrenceID]studio.ClassOccurrence
	registrations map[studio.RegistrationID]studio.ClassRegistration
	priceRules    map[studio.PriceRuleID]studio.PriceRule
	settlements   map[studio.SettlementID]studio.Settlement
	settled       map[studio.SessionRef]studio.SettlementID
	runs          map[string]studio.SettlementRun
	instructors   map[studio.InstructorID]studio.Instructor
	resources     map[studio.ResourceID]studio.Resource
	seq           int64
}

func newState() *state {
	return &state{
		bookings:      make(map[studio.BookingID]studio.Booking),
		occurrences:   make(map[studio.OccurrenceID]studio.ClassOccurrence),
		registrations: make(map[studio.RegistrationID]studio.ClassRegistration),
		priceRules:    make(map[studio.PriceRuleID]studio.PriceRule),
		settlements:   make(map[studio.SettlementID]studio.Settlement),
		settled:       make(map[studio.SessionRef]studio.SettlementID),
		runs:          make(map[string]studio.SettlementRun),
		instructors:   make(map[studio.InstructorID]studio.Instructor),
		resources:     make(map[studio.ResourceID]studio.Resource),
	}
}

// clone copies every map. Values are structs; nested slices (settlement
// items) are copied too, so a restored snapshot is unaffected by writes
// made after it was taken.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k, v := range s.occurrences {
		c.occurrences[k] = v
	}
	for k, v := range s.registrations {
		c.registrations[k] = v
	}
	for k, v := range s.priceRules {
		c.priceRules[k] = v
	}
	for k, v := range s.settlements {
		v.Items = append([]studio.SettlementItem(nil), v.Items...)
		c.settlements[k] = v
	}
	for k, v := range s.settled {
		c.settled[k] = v
	}
	for k, v := range s.runs {
		c.runs[k] = v
	}
	for k, v := range s.instructors {
		c.instructors[k] = v
	}
	for k, v := range s.resources {
		c.resources[k] = v
	}
	c.seq = s.seq
	return c
}

// =============================================================================
// SESSIONS
// =============================================================================

func (s *state) ActiveSessionsOverlapping(_ context.Context, resource studio.ResourceID, instructor studio.InstructorID, iv studio.Interval) ([]studio.SessionSlot, error) {
	matches := func(r studio.ResourceID, i studio.InstructorID) bool {
		return (resource != "" && r == resource) || (instructor != "" && i == instructor)
	}
	var out []studio.SessionSlot
	for _, b := range s.bookings {
		if b.Status == studio.BookingCancelled || !b.Interval().Overlaps(iv) || !matches(b.ResourceID, b.InstructorID) {
			continue
		}
		out = append(out, studio.SessionSlot{Ref: studio.BookingRef(b.ID), ResourceID: b.ResourceID, InstructorID: b.InstructorID, Interval: b.Interval()})
	}
	for _, o := range s.occurrences {
		if o.Status == studio.OccurrenceCancelled || !o.Interval().Overlaps(iv) || !matches(o.ResourceID, o.InstructorID) {
			continue
		}
		out = append(out, studio.SessionSlot{Ref: studio.OccurrenceRef(o.ID), ResourceID: o.ResourceID, InstructorID: o.InstructorID, Interval: o.Interval()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.String() < out[j].Ref.String() })
	return out, nil
}

// =============================================================================
// BOOKINGS AND OCCURRENCES
// =============================================================================

func (s *state) SaveBooking(_ context.Context, b studio.Booking) error {
	s.bookings[b.ID] = b
	return nil
}

func (s *state) GetBooking(_ context.Context, id studio.BookingID) (studio.Booking, error) {
	b, ok := s.bookings[id]
	if !ok {
		return studio.Booking{}, studio.NotFoundError("booking", string(id))
	}
	return b, nil
}

func (s *state) BookingsForInstructor(_ context.Context, instructor studio.InstructorID, iv studio.Interval) ([]studio.Booking, error) {
	var out []studio.Booking
	for _, b := range s.bookings {
		if b.InstructorID == instructor && b.Interval().Overlaps(iv) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) SaveOccurrence(_ context.Context, o studio.ClassOccurrence) error {
	s.occurrences[o.ID] = o
	return nil
}

func (s *state) GetOccurrence(_ context.Context, id studio.OccurrenceID) (studio.ClassOccurrence, error) {
	o, ok := s.occurrences[id]
	if !ok {
		return studio.ClassOccurrence{}, studio.NotFoundError("occurrence", string(id))
	}
	return o, nil
}

func (s *state) OccurrencesForInstructor(_ context.Context, instructor studio.InstructorID, iv studio.Interval) ([]studio.ClassOccurrence, error) {
	var out []studio.ClassOccurrence
	for _, o := range s.occurrences {
		if o.InstructorID == instructor && o.Interval().Overlaps(iv) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) SaveInstructor(_ context.Context, in studio.Instructor) error {
	s.instructors[in.ID] = in
	return nil
}

func (s *state) ListInstructors(_ context.Context, activeOnly bool) ([]studio.Instructor, error) {
	var out []studio.Instructor
	for _, in := range s.instructors {
		if activeOnly && !in.Active {
			continue
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) SaveResource(_ context.Context, r studio.Resource) error {
	s.resources[r.ID] = r
	return nil
}

// =============================================================================
// REGISTRATIONS
// =============================================================================

func (s *state) InsertRegistration(_ context.Context, r *studio.ClassRegistration) error {
	if _, exists := s.registrations[r.ID]; exists {
		return studio.ErrConcurrentModification
	}
	s.seq++
	r.Seq = s.seq
	s.registrations[r.ID] = *r
	return nil
}

func (s *state) UpdateRegistration(_ context.Context, r studio.ClassRegistration) error {
	if _, ok := s.registrations[r.ID]; !ok {
		return studio.NotFoundError("registration", string(r.ID))
	}
	s.registrations[r.ID] = r
	return nil
}

func (s *state) GetRegistration(_ context.Context, id studio.RegistrationID) (studio.ClassRegistration, error) {
	r, ok := s.registrations[id]
	if !ok {
		return studio.ClassRegistration{}, studio.NotFoundError("registration", string(id))
	}
	return r, nil
}

func (s *state) RegistrationsForOccurrence(_ context.Context, id studio.OccurrenceID) ([]studio.ClassRegistration, error) {
	var out []studio.ClassRegistration
	for _, r := range s.registrations {
		if r.OccurrenceID == id {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BookedAt.Equal(out[j].BookedAt) {
			return out[i].BookedAt.Before(out[j].BookedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// =============================================================================
// PRICE RULES
// =============================================================================

func (s *state) PriceRules(_ context.Context, scope studio.PriceScope) ([]studio.PriceRule, error) {
	var out []studio.PriceRule
	for _, r := range s.priceRules {
		if r.Scope() == scope {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) SavePriceRule(_ context.Context, r studio.PriceRule) error {
	s.priceRules[r.ID] = r.Normalize()
	return nil
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func (s *state) InsertSettlement(_ context.Context, st studio.Settlement) error {
	if _, exists := s.settlements[st.ID]; exists {
		return studio.ErrConcurrentModification
	}
	seen := make(map[studio.SessionRef]bool, len(st.Items))
	for _, it := range st.Items {
		if _, taken := s.settled[it.Session]; taken || seen[it.Session] {
			return studio.ErrConcurrentModification
		}
		seen[it.Session] = true
	}
	st.Items = append([]studio.SettlementItem(nil), st.Items...)
	s.settlements[st.ID] = st
	for _, it := range st.Items {
		s.settled[it.Session] = st.ID
	}
	return nil
}

func (s *state) GetSettlement(_ context.Context, id studio.SettlementID) (studio.Settlement, error) {
	st, ok := s.settlements[id]
	if !ok {
		return studio.Settlement{}, studio.NotFoundError("settlement", string(id))
	}
	st.Items = append([]studio.SettlementItem(nil), st.Items...)
	return st, nil
}

func (s *state) ListSettlements(_ context.Context, f studio.SettlementFilter) ([]studio.Settlement, error) {
	var out []studio.Settlement
	for _, st := range s.settlements {
		if f.InstructorID != "" && st.InstructorID != f.InstructorID {
			continue
		}
		if f.Status != "" && st.Status != f.Status {
			continue
		}
		st.Items = append([]studio.SettlementItem(nil), st.Items...)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].PeriodStart.After(out[j].PeriodStart)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateSettlementHeader never touches the stored items.
func (s *state) UpdateSettlementHeader(_ context.Context, st studio.Settlement) error {
	cur, ok := s.settlements[st.ID]
	if !ok {
		return studio.NotFoundError("settlement", string(st.ID))
	}
	st.Items = cur.Items
	s.settlements[st.ID] = st
	return nil
}

func (s *state) DeleteSettlement(_ context.Context, id studio.SettlementID) error {
	st, ok := s.settlements[id]
	if !ok {
		return studio.NotFoundError("settlement", string(id))
	}
	for _, it := range st.Items {
		delete(s.settled, it.Session)
	}
	delete(s.settlements, id)
	return nil
}

func (s *state) DeleteSettlementItem(_ context.Context, id studio.SettlementID, itemID studio.SettlementItemID) error {
	st, ok := s.settlements[id]
	if !ok {
		return studio.NotFoundError("settlement", string(id))
	}
	for i, it := range st.Items {
		if it.ID == itemID {
			delete(s.settled, it.Session)
			st.Items = append(st.Items[:i:i], st.Items[i+1:]...)
			s.settlements[id] = st
			return nil
		}
	}
	return studio.NotFoundError("settlement item", string(itemID))
}

func (s *state) SettledSessions(_ context.Context, refs []studio.SessionRef) (map[studio.SessionRef]studio.SettlementID, error) {
	out := make(map[studio.SessionRef]studio.SettlementID)
	for _, ref := range refs {
		if id, ok := s.settled[ref]; ok {
			out[ref] = id
		}
	}
	return out, nil
}

func (s *state) SaveSettlementRun(_ context.Context, r studio.SettlementRun) error {
	s.runs[r.ID] = r
	return nil
}

func (s *state) GetSettlementRun(_ context.Context, id string) (studio.SettlementRun, error) {
	r, ok := s.runs[id]
	if !ok {
		return studio.SettlementRun{}, studio.NotFoundError("settlement run", id)
	}
	return r, nil
}

func (s *state) ListSettlementRuns(_ context.Context, status studio.RunStatus) ([]studio.SettlementRun, error) {
	var out []studio.SettlementRun
	for _, r := range s.runs {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// MEMORY STORE - Locked access to one state (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func (m *Memory) ActiveSessionsOverlapping(ctx context.Context, resource studio.ResourceID, instructor studio.InstructorID, iv studio.Interval) ([]studio.SessionSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ActiveSessionsOverlapping(ctx, resource, instructor, iv)
}

func (m *Memory) SaveBooking(ctx context.Context, b studio.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveBooking(ctx, b)
}

func (m *Memory) GetBooking(ctx context.Context, id studio.BookingID) (studio.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetBooking(ctx, id)
}

func (m *Memory) BookingsForInstructor(ctx context.Context, instructor studio.InstructorID, iv studio.Interval) ([]studio.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.BookingsForInstructor(ctx, instructor, iv)
}

func (m *Memory) SaveOccurrence(ctx context.Context, o studio.ClassOccurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveOccurrence(ctx, o)
}

func (m *Memory) GetOccurrence(ctx context.Context, id studio.OccurrenceID) (studio.ClassOccurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetOccurrence(ctx, id)
}

func (m *Memory) OccurrencesForInstructor(ctx context.Context, instructor studio.InstructorID, iv studio.Interval) ([]studio.ClassOccurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.OccurrencesForInstructor(ctx, instructor, iv)
}

func (m *Memory) SaveInstructor(ctx context.Context, in studio.Instructor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveInstructor(ctx, in)
}

func (m *Memory) ListInstructors(ctx context.Context, activeOnly bool) ([]studio.Instructor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListInstructors(ctx, activeOnly)
}

func (m *Memory) SaveResource(ctx context.Context, r studio.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveResource(ctx, r)
}

func (m *Memory) InsertRegistration(ctx context.Context, r *studio.ClassRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertRegistration(ctx, r)
}

func (m *Memory) UpdateRegistration(ctx context.Context, r studio.ClassRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateRegistration(ctx, r)
}

func (m *Memory) GetRegistration(ctx context.Context, id studio.RegistrationID) (studio.ClassRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetRegistration(ctx, id)
}

func (m *Memory) RegistrationsForOccurrence(ctx context.Context, id studio.OccurrenceID) ([]studio.ClassRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.RegistrationsForOccurrence(ctx, id)
}

func (m *Memory) PriceRules(ctx context.Context, scope studio.PriceScope) ([]studio.PriceRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.PriceRules(ctx, scope)
}

func (m *Memory) SavePriceRule(ctx context.Context, r studio.PriceRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SavePriceRule(ctx, r)
}

func (m *Memory) InsertSettlement(ctx context.Context, st studio.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertSettlement(ctx, st)
}

func (m *Memory) GetSettlement(ctx context.Context, id studio.SettlementID) (studio.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetSettlement(ctx, id)
}

func (m *Memory) ListSettlements(ctx context.Context, f studio.SettlementFilter) ([]studio.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListSettlements(ctx, f)
}

func (m *Memory) UpdateSettlementHeader(ctx context.Context, st studio.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateSettlementHeader(ctx, st)
}

func (m *Memory) DeleteSettlement(ctx context.Context, id studio.SettlementID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteSettlement(ctx, id)
}

func (m *Memory) DeleteSettlementItem(ctx context.Context, id studio.SettlementID, itemID studio.SettlementItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteSettlementItem(ctx, id, itemID)
}

func (m *Memory) SettledSessions(ctx context.Context, refs []studio.SessionRef) (map[studio.SessionRef]studio.SettlementID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.SettledSessions(ctx, refs)
}

func (m *Memory) SaveSettlementRun(ctx context.Context, r studio.SettlementRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveSettlementRun(ctx, r)
}

func (m *Memory) GetSettlementRun(ctx context.Context, id string) (studio.SettlementRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetSettlementRun(ctx, id)
}

func (m *Memory) ListSettlementRuns(ctx context.Context, status studio.RunStatus) ([]studio.SettlementRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListSettlementRuns(ctx, status)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, so transactions are serial.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(studio.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.st.clone()

	// The view writes straight into the live state; tm.mu is already held.
	if err := fn(tm.st); err != nil {
		tm.st = snapshot
		return err
	}
	return nil
}

var (
	_ studio.TxStore = (*TxMemory)(nil)
	_ studio.Store   = (*state)(nil)
)
