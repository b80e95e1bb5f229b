/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for demos and smoke tests. Each scenario goes through the same
	services as live traffic (collision guard, waitlist, settlement
	generator), with a scenario clock so past sessions can be attended,
	missed and cancelled at believable times.

AVAILABLE SCENARIOS:

	busy-class:     Capacity 2, three registrations, a cancellation that
	                promotes the waitlist
	month-end:      Last month's 1:1 sessions (attended, no-show, late and
	                early cancellation, a client override) settled into a draft
	pricing-gap:    A session with no price rule; generation reports it and
	                settles the rest

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "month-end"}

NOTE:

	Scenarios use fixed "demo-" ids and refuse to load twice. Only use in
	development/demo environments.

SEE ALSO:
  - handlers.go: Services the loaders call
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/studio-engine/studio"
)

var errScenarioLoaded = errors.New("scenario already loaded")

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type ScenarioResultDTO struct {
	Scenario   ScenarioDTO    `json:"scenario"`
	Generation *GenerationDTO `json:"generation,omitempty"`
	Roster     *RosterDTO     `json:"roster,omitempty"`
}

type scenarioLoader func(ctx context.Context, h *Handler) (ScenarioResultDTO, error)

var scenarios = []ScenarioDTO{
	{
		ID:          "busy-class",
		Name:        "Busy Class",
		Description: "Capacity 2 with three registrations; a cancellation promotes the waitlist",
	},
	{
		ID:          "month-end",
		Name:        "Month-End Settlement",
		Description: "Last month's 1:1 sessions with every outcome, settled into a draft",
	},
	{
		ID:          "pricing-gap",
		Name:        "Pricing Gap",
		Description: "One unpriced session; generation reports it and settles the rest",
	},
}

var scenarioLoaders = map[string]scenarioLoader{
	"busy-class":  loadBusyClassScenario,
	"month-end":   loadMonthEndScenario,
	"pricing-gap": loadPricingGapScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario runs a scenario loader.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown scenario "+req.ScenarioID)
		return
	}
	res, err := load(r.Context(), h)
	if errors.Is(err, errScenarioLoaded) {
		writeError(w, http.StatusConflict, "scenario_loaded", err.Error())
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	for _, s := range scenarios {
		if s.ID == req.ScenarioID {
			res.Scenario = s
		}
	}
	h.Log.Info("Scenario loaded", "scenario_id", req.ScenarioID)
	writeJSON(w, http.StatusCreated, res)
}

// =============================================================================
// SCENARIO CLOCK
// =============================================================================

// scenarioEnv builds services that share the handler's store but run on a
// clock the loader moves by hand.
type scenarioEnv struct {
	t        time.Time
	bookings *studio.BookingService
	classes  *studio.ClassService
}

func newScenarioEnv(h *Handler, start time.Time) *scenarioEnv {
	env := &scenarioEnv{t: start}
	clock := studio.Clock(func() time.Time { return env.t })
	env.bookings = &studio.BookingService{Store: h.Store, Log: h.Log, Now: clock}
	env.classes = &studio.ClassService{Store: h.Store, Log: h.Log, Now: clock}
	return env
}

func (e *scenarioEnv) set(t time.Time) { e.t = t }

func ensureNotLoaded(ctx context.Context, h *Handler, id studio.InstructorID) error {
	list, err := h.Store.ListInstructors(ctx, false)
	if err != nil {
		return err
	}
	for _, in := range list {
		if in.ID == id {
			return fmt.Errorf("%w: instructor %s exists", errScenarioLoaded, id)
		}
	}
	return nil
}

func savePrice(ctx context.Context, h *Handler, rule studio.PriceRule) error {
	rule.Active = true
	rule.CreatedAt = h.now()
	if err := studio.ValidatePriceRule(rule); err != nil {
		return err
	}
	return h.Store.SavePriceRule(ctx, rule)
}

func fees(entry, trainer string) studio.Fees {
	return studio.Fees{
		Entry:    decimal.RequireFromString(entry),
		Trainer:  decimal.RequireFromString(trainer),
		Currency: "EUR",
	}
}

// =============================================================================
// LOADERS
// =============================================================================

func loadBusyClassScenario(ctx context.Context, h *Handler) (ScenarioResultDTO, error) {
	const instructor = studio.InstructorID("demo-ben")
	if err := ensureNotLoaded(ctx, h, instructor); err != nil {
		return ScenarioResultDTO{}, err
	}
	now := h.now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 18, 0, 0, 0, time.UTC).AddDate(0, 0, 2)
	env := newScenarioEnv(h, now)

	if err := h.Store.SaveInstructor(ctx, studio.Instructor{ID: instructor, Name: "Ben (demo)", Active: true}); err != nil {
		return ScenarioResultDTO{}, err
	}
	if err := h.Store.SaveResource(ctx, studio.Resource{ID: "demo-hall", Name: "Main hall"}); err != nil {
		return ScenarioResultDTO{}, err
	}
	if err := savePrice(ctx, h, studio.PriceRule{
		ID: "demo-yoga-default", Tier: studio.TierTemplateDefault, TemplateID: "demo-yoga",
		Fees: fees("15.00", "9.00"), ValidFrom: start.AddDate(-1, 0, 0),
	}); err != nil {
		return ScenarioResultDTO{}, err
	}

	o, err := env.classes.ScheduleOccurrence(ctx, studio.ClassOccurrence{
		ID: "demo-yoga-class", TemplateID: "demo-yoga", InstructorID: instructor, ResourceID: "demo-hall",
		Start: start, End: start.Add(time.Hour), Capacity: 2,
	})
	if err != nil {
		return ScenarioResultDTO{}, err
	}

	var first studio.ClassRegistration
	for i, client := range []studio.ClientID{"demo-alice", "demo-bob", "demo-carol"} {
		env.set(now.Add(time.Duration(i+1) * time.Minute))
		reg, err := env.classes.Register(ctx, o.ID, client)
		if err != nil {
			return ScenarioResultDTO{}, err
		}
		if i == 0 {
			first = reg
		}
	}
	env.set(now.Add(time.Hour))
	if _, err := env.classes.Cancel(ctx, first.ID); err != nil {
		return ScenarioResultDTO{}, err
	}

	roster, err := env.classes.Roster(ctx, o.ID)
	if err != nil {
		return ScenarioResultDTO{}, err
	}
	return ScenarioResultDTO{Roster: &RosterDTO{
		Occurrence: toOccurrenceDTO(roster.Occurrence),
		Booked:     toRegistrationDTOs(roster.Booked),
		Waitlist:   toRegistrationDTOs(roster.Waitlist),
		Available:  roster.Available,
	}}, nil
}

type demoSession struct {
	id      studio.BookingID
	client  studio.ClientID
	tmpl    studio.TemplateID
	day     int
	outcome string // attended, no_show, late_cancel, early_cancel
}

// playSessions books every session a week before the period, then plays
// each outcome at a believable time.
func playSessions(ctx context.Context, env *scenarioEnv, period studio.Interval, instructor studio.InstructorID, resource studio.ResourceID, sessions []demoSession) error {
	env.set(period.Start.AddDate(0, 0, -7))
	starts := make(map[studio.BookingID]time.Time, len(sessions))
	for _, s := range sessions {
		start := period.Start.AddDate(0, 0, s.day).Add(10 * time.Hour)
		starts[s.id] = start
		if _, err := env.bookings.Create(ctx, studio.Booking{
			ID: s.id, InstructorID: instructor, ClientID: s.client, ResourceID: resource, TemplateID: s.tmpl,
			Start: start, End: start.Add(time.Hour),
		}); err != nil {
			return err
		}
	}
	for _, s := range sessions {
		start := starts[s.id]
		var err error
		switch s.outcome {
		case "attended", "no_show":
			env.set(start.Add(10 * time.Minute))
			_, err = env.bookings.RecordAttendance(ctx, s.id, s.outcome == "attended")
		case "late_cancel":
			env.set(start.Add(-2 * time.Hour))
			_, err = env.bookings.Cancel(ctx, s.id)
		case "early_cancel":
			env.set(start.Add(-72 * time.Hour))
			_, err = env.bookings.Cancel(ctx, s.id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func loadMonthEndScenario(ctx context.Context, h *Handler) (ScenarioResultDTO, error) {
	const instructor = studio.InstructorID("demo-ana")
	if err := ensureNotLoaded(ctx, h, instructor); err != nil {
		return ScenarioResultDTO{}, err
	}
	period := PreviousMonth(h.now(), time.UTC)
	env := newScenarioEnv(h, period.Start)

	if err := h.Store.SaveInstructor(ctx, studio.Instructor{ID: instructor, Name: "Ana (demo)", Active: true}); err != nil {
		return ScenarioResultDTO{}, err
	}
	if err := h.Store.SaveResource(ctx, studio.Resource{ID: "demo-room-1", Name: "Studio 1"}); err != nil {
		return ScenarioResultDTO{}, err
	}
	validFrom := period.Start.AddDate(-1, 0, 0)
	for _, rule := range []studio.PriceRule{
		{ID: "demo-pt-default", Tier: studio.TierTemplateDefault, TemplateID: "demo-pt-60", Fees: fees("40.00", "25.00"), ValidFrom: validFrom},
		{ID: "demo-pt-vip", Tier: studio.TierTemplateOverride, ClientID: "demo-vip", TemplateID: "demo-pt-60", Fees: fees("30.00", "25.00"), ValidFrom: validFrom},
	} {
		if err := savePrice(ctx, h, rule); err != nil {
			return ScenarioResultDTO{}, err
		}
	}

	if err := playSessions(ctx, env, period, instructor, "demo-room-1", []demoSession{
		{"demo-b1", "demo-dana", "demo-pt-60", 2, "attended"},
		{"demo-b2", "demo-vip", "demo-pt-60", 4, "attended"},
		{"demo-b3", "demo-eli", "demo-pt-60", 7, "no_show"},
		{"demo-b4", "demo-fay", "demo-pt-60", 9, "late_cancel"},
		{"demo-b5", "demo-dana", "demo-pt-60", 11, "early_cancel"},
	}); err != nil {
		return ScenarioResultDTO{}, err
	}

	policy := studio.InclusionPolicy{
		NoShowTrainerFee:     true,
		LateCancelEntryFee:   true,
		LateCancelTrainerFee: true,
		LateCancelLeadTime:   studio.DefaultLateCancelLeadTime,
	}
	res, err := h.Generator.Generate(ctx, studio.GenerateRequest{InstructorID: instructor, Period: period, Policy: &policy})
	if err != nil {
		return ScenarioResultDTO{}, err
	}
	gen := toGenerationDTO(res)
	return ScenarioResultDTO{Generation: &gen}, nil
}

func loadPricingGapScenario(ctx context.Context, h *Handler) (ScenarioResultDTO, error) {
	const instructor = studio.InstructorID("demo-cleo")
	if err := ensureNotLoaded(ctx, h, instructor); err != nil {
		return ScenarioResultDTO{}, err
	}
	period := PreviousMonth(h.now(), time.UTC)
	env := newScenarioEnv(h, period.Start)

	if err := h.Store.SaveInstructor(ctx, studio.Instructor{ID: instructor, Name: "Cleo (demo)", Active: true}); err != nil {
		return ScenarioResultDTO{}, err
	}
	if err := savePrice(ctx, h, studio.PriceRule{
		ID: "demo-stretch-default", Tier: studio.TierTemplateDefault, TemplateID: "demo-stretch",
		Fees: fees("20.00", "12.00"), ValidFrom: period.Start.AddDate(-1, 0, 0),
	}); err != nil {
		return ScenarioResultDTO{}, err
	}

	if err := playSessions(ctx, env, period, instructor, "demo-room-2", []demoSession{
		{"demo-c1", "demo-gus", "demo-stretch", 3, "attended"},
		{"demo-c2", "demo-gus", "demo-pilates", 5, "attended"},
	}); err != nil {
		return ScenarioResultDTO{}, err
	}

	res, err := h.Generator.Generate(ctx, studio.GenerateRequest{InstructorID: instructor, Period: period})
	if err != nil {
		return ScenarioResultDTO{}, err
	}
	gen := toGenerationDTO(res)
	return ScenarioResultDTO{Generation: &gen}, nil
}
