package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/api"
	"github.com/warp/studio-engine/events"
	"github.com/warp/studio-engine/lock"
	"github.com/warp/studio-engine/logger"
	"github.com/warp/studio-engine/studio"
	"github.com/warp/studio-engine/studio/store"
)

var now = time.Date(2025, time.March, 20, 9, 0, 0, 0, time.UTC)

type apiFixture struct {
	t      *testing.T
	srv    http.Handler
	h      *api.Handler
	store  *store.TxMemory
	events *events.Memory
}

func newAPI(t *testing.T, opts api.RouterOptions) *apiFixture {
	t.Helper()
	st := store.NewTxMemory()
	rec := events.NewMemory(0)
	h := api.NewHandler(api.Deps{
		Store:     st,
		Locker:    lock.NewLocal(),
		Publisher: rec,
		Policy:    studio.DefaultInclusionPolicy(),
		Log:       logger.Discard(),
		Now:       func() time.Time { return now },
	})
	h.Events = rec
	return &apiFixture{t: t, srv: api.NewRouter(h, opts), h: h, store: st, events: rec}
}

func (f *apiFixture) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func booking(client, start, end string) map[string]any {
	return map[string]any{
		"instructor_id": "ana",
		"client_id":     client,
		"resource_id":   "room-1",
		"template_id":   "pt-60",
		"start":         start,
		"end":           end,
	}
}

func (f *apiFixture) yogaPrice() {
	rec := f.do(http.MethodPost, "/api/prices", map[string]any{
		"tier":        "template_default",
		"template_id": "pt-60",
		"entry_fee":   "15.00",
		"trainer_fee": "9.50",
		"currency":    "EUR",
		"valid_from":  "2025-01-01T00:00:00Z",
	})
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestBookings_ConflictAndCancel(t *testing.T) {
	// GIVEN: A booking 10:00-11:00 in room-1
	// WHEN: An overlapping booking is attempted, then the first is cancelled
	// THEN: 409 conflict first, 201 after the cancellation

	f := newAPI(t, api.RouterOptions{})

	rec := f.do(http.MethodPost, "/api/bookings", booking("c1", "2025-03-24T10:00:00Z", "2025-03-24T11:00:00Z"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[api.BookingDTO](t, rec)
	assert.Equal(t, "scheduled", first.Status)

	rec = f.do(http.MethodPost, "/api/bookings", booking("c2", "2025-03-24T10:30:00Z", "2025-03-24T11:30:00Z"))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode[api.ErrorResponse](t, rec).Code)

	// Back-to-back is fine.
	rec = f.do(http.MethodPost, "/api/bookings", booking("c3", "2025-03-24T11:00:00Z", "2025-03-24T12:00:00Z"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(http.MethodPost, "/api/bookings/"+first.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode[api.BookingDTO](t, rec).Status)
	assert.Len(t, f.events.OfType(studio.EventBookingCancelled), 1)

	rec = f.do(http.MethodPost, "/api/bookings/"+first.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state_transition", decode[api.ErrorResponse](t, rec).Code)

	rec = f.do(http.MethodPost, "/api/bookings", booking("c2", "2025-03-24T10:30:00Z", "2025-03-24T11:00:00Z"))
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestBookings_ValidationAndErrors(t *testing.T) {
	f := newAPI(t, api.RouterOptions{})

	rec := f.do(http.MethodPost, "/api/bookings", map[string]any{"client_id": "c1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, "validation", body.Code)
	assert.Equal(t, "required", body.Fields["instructor_id"])
	assert.Equal(t, "required", body.Fields["start"])

	rec = f.do(http.MethodPost, "/api/bookings", booking("c1", "2025-03-24T11:00:00Z", "2025-03-24T10:00:00Z"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_interval", decode[api.ErrorResponse](t, rec).Code)

	rec = f.do(http.MethodPost, "/api/bookings", map[string]any{"instructor_id": "ana", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", decode[api.ErrorResponse](t, rec).Code)

	rec = f.do(http.MethodGet, "/api/bookings/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/api/registrations/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/api/runs", map[string]any{})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClasses_WaitlistPromotion(t *testing.T) {
	// GIVEN: A class with one seat and two registrations
	// WHEN: The booked client cancels
	// THEN: The waitlisted client is promoted and the roster shows it

	f := newAPI(t, api.RouterOptions{})

	rec := f.do(http.MethodPost, "/api/occurrences", map[string]any{
		"id": "yoga-1", "template_id": "yoga", "instructor_id": "ben", "resource_id": "hall",
		"start": "2025-03-25T18:00:00Z", "end": "2025-03-25T19:00:00Z", "capacity": 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/api/occurrences/yoga-1/registrations", map[string]any{"client_id": "A"})
	require.Equal(t, http.StatusCreated, rec.Code)
	a := decode[api.RegistrationDTO](t, rec)
	assert.Equal(t, "booked", a.Status)

	rec = f.do(http.MethodPost, "/api/occurrences/yoga-1/registrations", map[string]any{"client_id": "B"})
	require.Equal(t, http.StatusCreated, rec.Code)
	b := decode[api.RegistrationDTO](t, rec)
	assert.Equal(t, "waitlist", b.Status)

	rec = f.do(http.MethodPost, "/api/occurrences/yoga-1/registrations", map[string]any{"client_id": "B"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_registered", decode[api.ErrorResponse](t, rec).Code)

	rec = f.do(http.MethodGet, "/api/registrations/"+b.ID+"/position", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[api.WaitlistPositionDTO](t, rec).Position)

	rec = f.do(http.MethodPost, "/api/registrations/"+a.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decode[api.CancelRegistrationDTO](t, rec)
	require.Len(t, cancelled.Promoted, 1)
	assert.Equal(t, b.ID, cancelled.Promoted[0].ID)

	rec = f.do(http.MethodGet, "/api/occurrences/yoga-1/roster", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	roster := decode[api.RosterDTO](t, rec)
	require.Len(t, roster.Booked, 1)
	assert.Equal(t, "B", roster.Booked[0].ClientID)
	assert.Empty(t, roster.Waitlist)
	assert.Equal(t, 0, roster.Available)

	rec = f.do(http.MethodGet, "/api/events?type=registration.promoted", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.EventDTO](t, rec), 1)
}

func TestSettlements_GenerateFinalizePay(t *testing.T) {
	// GIVEN: A priced, attended booking in March
	// WHEN: March is settled, finalized and paid over HTTP
	// THEN: Totals come from the price rule; a finalized settlement is locked

	f := newAPI(t, api.RouterOptions{})
	f.yogaPrice()

	rec := f.do(http.MethodPost, "/api/bookings", booking("c1", "2025-03-12T10:00:00Z", "2025-03-12T11:00:00Z"))
	require.Equal(t, http.StatusCreated, rec.Code)
	b := decode[api.BookingDTO](t, rec)
	rec = f.do(http.MethodPost, "/api/bookings/"+b.ID+"/attendance", map[string]any{"attended": true})
	require.Equal(t, http.StatusOK, rec.Code)

	march := map[string]any{"instructor_id": "ana", "period_start": "2025-03-01T00:00:00Z", "period_end": "2025-04-01T00:00:00Z"}
	rec = f.do(http.MethodPost, "/api/settlements", march)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	gen := decode[api.GenerationDTO](t, rec)
	require.NotNil(t, gen.Settlement)
	assert.True(t, gen.Complete)
	require.Len(t, gen.Settlement.Items, 1)
	assert.True(t, decimal.RequireFromString(gen.Settlement.TotalEntryFee).Equal(decimal.RequireFromString("15")))
	assert.True(t, decimal.RequireFromString(gen.Settlement.TotalTrainerFee).Equal(decimal.RequireFromString("9.5")))
	id := gen.Settlement.ID
	item := gen.Settlement.Items[0].ID

	// Same period again: nothing left to settle.
	rec = f.do(http.MethodPost, "/api/settlements", march)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[api.GenerationDTO](t, rec).Empty)

	rec = f.do(http.MethodPost, "/api/settlements/"+id+"/pay", map[string]any{"payment_ref": "bank-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/api/settlements/"+id+"/finalize", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "finalized", decode[api.SettlementDTO](t, rec).Status)
	assert.Len(t, f.events.OfType(studio.EventSettlementFinalized), 1)

	rec = f.do(http.MethodDelete, "/api/settlements/"+id+"/items/"+item, nil)
	assert.Equal(t, http.StatusLocked, rec.Code)
	rec = f.do(http.MethodPost, "/api/settlements/"+id+"/regenerate", nil)
	assert.Equal(t, http.StatusLocked, rec.Code)

	rec = f.do(http.MethodPost, "/api/settlements/"+id+"/pay", map[string]any{"payment_ref": "bank-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	paid := decode[api.SettlementDTO](t, rec)
	assert.Equal(t, "paid", paid.Status)
	assert.Equal(t, "bank-1", paid.PaymentRef)
	assert.NotNil(t, paid.PaidAt)

	rec = f.do(http.MethodGet, "/api/settlements?status=paid&instructor_id=ana", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.SettlementDTO](t, rec), 1)

	rec = f.do(http.MethodGet, "/api/settlements?status=void", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettlements_EmptyAndUnpricedPeriods(t *testing.T) {
	f := newAPI(t, api.RouterOptions{})

	rec := f.do(http.MethodPost, "/api/settlements", map[string]any{
		"instructor_id": "ana", "period_start": "2025-03-01T00:00:00Z", "period_end": "2025-04-01T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[api.GenerationDTO](t, rec).Empty)

	// An attended session without any price rule.
	rec = f.do(http.MethodPost, "/api/bookings", booking("c1", "2025-03-12T10:00:00Z", "2025-03-12T11:00:00Z"))
	require.Equal(t, http.StatusCreated, rec.Code)
	b := decode[api.BookingDTO](t, rec)
	rec = f.do(http.MethodPost, "/api/bookings/"+b.ID+"/attendance", map[string]any{"attended": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/api/settlements", map[string]any{
		"instructor_id": "ana", "period_start": "2025-03-01T00:00:00Z", "period_end": "2025-04-01T00:00:00Z",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	gen := decode[api.GenerationDTO](t, rec)
	assert.Nil(t, gen.Settlement)
	require.Len(t, gen.MissingPricing, 1)
	assert.Equal(t, "c1", gen.MissingPricing[0].ClientID)
	assert.Equal(t, b.ID, gen.MissingPricing[0].SessionID)
}

func TestPrices_SaveAndResolve(t *testing.T) {
	f := newAPI(t, api.RouterOptions{})
	f.yogaPrice()

	rec := f.do(http.MethodPost, "/api/prices", map[string]any{
		"tier": "template_override", "client_id": "vip", "template_id": "pt-60",
		"entry_fee": "10", "trainer_fee": "9.50", "currency": "EUR", "valid_from": "2025-02-01T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(http.MethodPost, "/api/prices/resolve", map[string]any{
		"client_id": "vip", "template_id": "pt-60", "at": "2025-03-12T10:00:00Z",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[api.ResolvedPriceDTO](t, rec)
	assert.Equal(t, "template_override", got.Source)
	assert.Equal(t, "10", got.EntryFee)

	rec = f.do(http.MethodPost, "/api/prices/resolve", map[string]any{
		"client_id": "vip", "template_id": "spin", "at": "2025-03-12T10:00:00Z",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "missing_pricing", decode[api.ErrorResponse](t, rec).Code)

	// Override without a client is a domain validation error.
	rec = f.do(http.MethodPost, "/api/prices", map[string]any{
		"tier": "template_override", "template_id": "pt-60",
		"entry_fee": "10", "trainer_fee": "5", "currency": "EUR", "valid_from": "2025-02-01T00:00:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/prices", map[string]any{
		"tier": "global", "template_id": "pt-60",
		"entry_fee": "ten", "trainer_fee": "5", "currency": "eur", "valid_from": "2025-02-01T00:00:00Z",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	fields := decode[api.ErrorResponse](t, rec).Fields
	assert.Equal(t, "oneof", fields["tier"])
	assert.Equal(t, "numeric", fields["entry_fee"])
	assert.Equal(t, "uppercase", fields["currency"])
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	// GIVEN: The same booking POSTed twice with one Idempotency-Key
	// THEN: The second call replays the first 201 instead of a 409

	f := newAPI(t, api.RouterOptions{IdempotencyTTL: time.Minute})
	body := booking("c1", "2025-03-24T10:00:00Z", "2025-03-24T11:00:00Z")

	first := f.do(http.MethodPost, "/api/bookings", body, api.IdempotencyHeader, "key-1")
	require.Equal(t, http.StatusCreated, first.Code)

	second := f.do(http.MethodPost, "/api/bookings", body, api.IdempotencyHeader, "key-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	third := f.do(http.MethodPost, "/api/bookings", body, api.IdempotencyHeader, "key-2")
	assert.Equal(t, http.StatusConflict, third.Code)
}

func TestRateLimitPerIP(t *testing.T) {
	f := newAPI(t, api.RouterOptions{RateLimitPerSec: 1, RateLimitBurst: 1})

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodGet, "/healthz", nil).Code)
}

func TestScenarios_MonthEnd(t *testing.T) {
	// GIVEN: The month-end demo (attended, VIP, no-show, late and early cancel)
	// WHEN: Loaded on 2025-03-20
	// THEN: February is settled into a draft with four lines; loading twice is refused

	f := newAPI(t, api.RouterOptions{})

	rec := f.do(http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": "month-end"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[api.ScenarioResultDTO](t, rec)
	require.NotNil(t, res.Generation)
	require.NotNil(t, res.Generation.Settlement)

	s := res.Generation.Settlement
	assert.Equal(t, time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC), s.PeriodStart.UTC())
	assert.Len(t, s.Items, 4)
	// 40 + 30 (VIP) + 0 (no-show entry) + 40 (late cancel)
	assert.True(t, decimal.RequireFromString(s.TotalEntryFee).Equal(decimal.NewFromInt(110)))
	assert.True(t, decimal.RequireFromString(s.TotalTrainerFee).Equal(decimal.NewFromInt(100)))

	rec = f.do(http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": "month-end"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScenarios_BusyClassAndPricingGap(t *testing.T) {
	f := newAPI(t, api.RouterOptions{})

	rec := f.do(http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": "busy-class"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	roster := decode[api.ScenarioResultDTO](t, rec).Roster
	require.NotNil(t, roster)
	require.Len(t, roster.Booked, 2)
	assert.Equal(t, "demo-bob", roster.Booked[0].ClientID)
	assert.Equal(t, "demo-carol", roster.Booked[1].ClientID)

	rec = f.do(http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": "pricing-gap"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	gen := decode[api.ScenarioResultDTO](t, rec).Generation
	require.NotNil(t, gen)
	assert.False(t, gen.Complete)
	require.Len(t, gen.MissingPricing, 1)
	assert.Equal(t, "demo-pilates", gen.MissingPricing[0].TemplateID)
	require.NotNil(t, gen.Settlement)
	assert.Len(t, gen.Settlement.Items, 1)

	list, err := f.store.ListInstructors(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
