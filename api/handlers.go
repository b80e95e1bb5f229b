/*
handlers.go - HTTP API handlers for the studio engine

PURPOSE:
  Exposes bookings, class registrations, pricing and settlements over
  REST. Handlers parse and validate requests, call the studio services,
  and map results and errors to JSON. No business rule lives here.

ENDPOINTS:
  Directory:
    POST   /api/instructors                      Create or update instructor
    GET    /api/instructors                      List instructors (?active=true)
    POST   /api/resources                        Create or update resource

  Bookings (1:1):
    POST   /api/bookings                         Create (collision checked)
    GET    /api/bookings/{id}                    Get
    POST   /api/bookings/{id}/cancel             Cancel
    POST   /api/bookings/{id}/attendance         Record attended / no-show

  Classes:
    POST   /api/occurrences                      Schedule (collision checked)
    GET    /api/occurrences/{id}/roster          Booked list, waitlist, seats
    POST   /api/occurrences/{id}/cancel          Cancel the class
    PUT    /api/occurrences/{id}/capacity        Change capacity
    POST   /api/occurrences/{id}/promote         Fill free seats from waitlist
    POST   /api/occurrences/{id}/registrations   Register a client
    POST   /api/registrations/{id}/cancel        Cancel (promotes waitlist)
    POST   /api/registrations/{id}/checkin       Record attended / no-show
    GET    /api/registrations/{id}/position      Waitlist position

  Pricing:
    POST   /api/prices                           Store a price rule
    POST   /api/prices/resolve                   Resolve the cascade

  Settlements:
    GET    /api/settlements                      List (?instructor_id, ?status)
    POST   /api/settlements                      Generate a draft
    GET    /api/settlements/{id}                 Get with items
    DELETE /api/settlements/{id}                 Delete a draft
    POST   /api/settlements/{id}/finalize        draft -> finalized
    POST   /api/settlements/{id}/pay             finalized -> paid
    POST   /api/settlements/{id}/regenerate      Replace a draft
    DELETE /api/settlements/{id}/items/{item}    Remove a draft line

  Runs (background generation):
    POST   /api/runs                             Enqueue
    GET    /api/runs                             List (?status)
    GET    /api/runs/{id}                        Get
    POST   /api/runs/{id}/cancel                 Cancel

  Ops:
    GET    /api/events                           Recent events (memory publisher)
    GET    /api/scenarios                        Demo scenarios
    POST   /api/scenarios/load                   Load a demo scenario
    GET    /healthz                              Liveness

SECURITY NOTE:
  No authentication middleware. Deploy behind the studio gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/warp/studio-engine/events"
	"github.com/warp/studio-engine/logger"
	"github.com/warp/studio-engine/studio"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the collaborators the services are built from.
type Deps struct {
	Store     studio.TxStore
	Locker    studio.Locker
	Publisher studio.Publisher
	Policy    studio.InclusionPolicy
	Log       *logger.Logger
	Now       studio.Clock
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     studio.TxStore
	Bookings  *studio.BookingService
	Classes   *studio.ClassService
	Prices    studio.PriceResolver
	Generator *studio.SettlementGenerator
	Lifecycle *studio.SettlementLifecycle
	Runs      *SettlementWorker // optional; /api/runs answers 503 without it
	Events    *events.Memory    // optional; /api/events answers 404 without it
	Log       *logger.Logger
	Now       studio.Clock
	Ping      func(ctx context.Context) error

	validate *validator.Validate
}

// NewHandler wires the studio services from d.
func NewHandler(d Deps) *Handler {
	if d.Log == nil {
		d.Log = logger.Discard()
	}
	gen := &studio.SettlementGenerator{Store: d.Store, Policy: d.Policy, Log: d.Log, Now: d.Now}
	return &Handler{
		Store:     d.Store,
		Bookings:  &studio.BookingService{Store: d.Store, Locker: d.Locker, Publisher: d.Publisher, Log: d.Log, Now: d.Now},
		Classes:   &studio.ClassService{Store: d.Store, Locker: d.Locker, Publisher: d.Publisher, Log: d.Log, Now: d.Now},
		Prices:    studio.PriceResolver{Prices: d.Store},
		Generator: gen,
		Lifecycle: &studio.SettlementLifecycle{Store: d.Store, Generator: gen, Publisher: d.Publisher, Log: d.Log, Now: d.Now},
		Log:       d.Log,
		Now:       d.Now,
		validate:  newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (h *Handler) SaveInstructor(w http.ResponseWriter, r *http.Request) {
	var req InstructorRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := studio.Instructor{
		ID:     studio.InstructorID(req.ID),
		SiteID: studio.SiteID(req.SiteID),
		Name:   req.Name,
		Active: req.Active == nil || *req.Active,
	}
	if err := h.Store.SaveInstructor(r.Context(), in); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, InstructorDTO{ID: string(in.ID), SiteID: string(in.SiteID), Name: in.Name, Active: in.Active})
}

func (h *Handler) ListInstructors(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListInstructors(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]InstructorDTO, len(list))
	for i, in := range list {
		out[i] = InstructorDTO{ID: string(in.ID), SiteID: string(in.SiteID), Name: in.Name, Active: in.Active}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) SaveResource(w http.ResponseWriter, r *http.Request) {
	var req ResourceRequest
	if !h.decode(w, r, &req) {
		return
	}
	res := studio.Resource{ID: studio.ResourceID(req.ID), SiteID: studio.SiteID(req.SiteID), Name: req.Name}
	if err := h.Store.SaveResource(r.Context(), res); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// =============================================================================
// BOOKINGS
// =============================================================================

func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.Bookings.Create(r.Context(), req.toBooking())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingDTO(b))
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Store.GetBooking(r.Context(), studio.BookingID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Bookings.Cancel(r.Context(), studio.BookingID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

func (h *Handler) RecordAttendance(w http.ResponseWriter, r *http.Request) {
	var req AttendanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.Bookings.RecordAttendance(r.Context(), studio.BookingID(chi.URLParam(r, "id")), *req.Attended)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// =============================================================================
// CLASSES
// =============================================================================

func (h *Handler) ScheduleOccurrence(w http.ResponseWriter, r *http.Request) {
	var req ScheduleOccurrenceRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.Classes.ScheduleOccurrence(r.Context(), req.toOccurrence())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOccurrenceDTO(o))
}

func (h *Handler) GetRoster(w http.ResponseWriter, r *http.Request) {
	roster, err := h.Classes.Roster(r.Context(), studio.OccurrenceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RosterDTO{
		Occurrence: toOccurrenceDTO(roster.Occurrence),
		Booked:     toRegistrationDTOs(roster.Booked),
		Waitlist:   toRegistrationDTOs(roster.Waitlist),
		Available:  roster.Available,
	})
}

func (h *Handler) CancelOccurrence(w http.ResponseWriter, r *http.Request) {
	o, err := h.Classes.CancelOccurrence(r.Context(), studio.OccurrenceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOccurrenceDTO(o))
}

func (h *Handler) ChangeCapacity(w http.ResponseWriter, r *http.Request) {
	var req ChangeCapacityRequest
	if !h.decode(w, r, &req) {
		return
	}
	promoted, err := h.Classes.ChangeCapacity(r.Context(), studio.OccurrenceID(chi.URLParam(r, "id")), *req.Capacity)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"promoted": toRegistrationDTOs(promoted)})
}

func (h *Handler) PromoteWaitlist(w http.ResponseWriter, r *http.Request) {
	promoted, err := h.Classes.PromoteWaitlist(r.Context(), studio.OccurrenceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"promoted": toRegistrationDTOs(promoted)})
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	reg, err := h.Classes.Register(r.Context(), studio.OccurrenceID(chi.URLParam(r, "id")), studio.ClientID(req.ClientID))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRegistrationDTO(reg))
}

func (h *Handler) CancelRegistration(w http.ResponseWriter, r *http.Request) {
	res, err := h.Classes.Cancel(r.Context(), studio.RegistrationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelRegistrationDTO{
		Registration: toRegistrationDTO(res.Registration),
		Promoted:     toRegistrationDTOs(res.Promoted),
	})
}

func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req AttendanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	reg, err := h.Classes.CheckIn(r.Context(), studio.RegistrationID(chi.URLParam(r, "id")), *req.Attended)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRegistrationDTO(reg))
}

func (h *Handler) WaitlistPosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pos, err := h.Classes.WaitlistPosition(r.Context(), studio.RegistrationID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WaitlistPositionDTO{RegistrationID: id, Position: pos})
}

// =============================================================================
// PRICING
// =============================================================================

func (h *Handler) SavePriceRule(w http.ResponseWriter, r *http.Request) {
	var req PriceRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	rule, err := req.toRule()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if rule.ID == "" {
		rule.ID = studio.PriceRuleID(uuid.NewString())
	}
	rule.CreatedAt = h.now()
	if err := studio.ValidatePriceRule(rule); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	rule = rule.Normalize()
	if err := h.Store.SavePriceRule(r.Context(), rule); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.Log.Info("Price rule saved", "id", rule.ID, "tier", rule.Tier, "fees", rule.Fees.String())
	writeJSON(w, http.StatusCreated, toPriceRuleDTO(rule))
}

func (h *Handler) ResolvePrice(w http.ResponseWriter, r *http.Request) {
	var req ResolvePriceRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.Prices.Resolve(r.Context(), studio.PriceQuery{
		ClientID:     studio.ClientID(req.ClientID),
		TemplateID:   studio.TemplateID(req.TemplateID),
		OccurrenceID: studio.OccurrenceID(req.OccurrenceID),
		At:           req.At.UTC(),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ResolvedPriceDTO{
		EntryFee:   p.Fees.Entry.String(),
		TrainerFee: p.Fees.Trainer.String(),
		Currency:   p.Fees.Currency,
		Source:     string(p.Source),
		RuleID:     string(p.RuleID),
	})
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := studio.SettlementFilter{
		InstructorID: studio.InstructorID(q.Get("instructor_id")),
		Status:       studio.SettlementStatus(q.Get("status")),
	}
	switch filter.Status {
	case "", studio.SettlementDraft, studio.SettlementFinalized, studio.SettlementPaid:
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown status "+string(filter.Status))
		return
	}
	list, err := h.Lifecycle.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]SettlementDTO, len(list))
	for i, s := range list {
		out[i] = toSettlementDTO(s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GenerateSettlement(w http.ResponseWriter, r *http.Request) {
	var req GenerateSettlementRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Generator.Generate(r.Context(), studio.GenerateRequest{
		InstructorID: studio.InstructorID(req.InstructorID),
		Period:       studio.Interval{Start: req.PeriodStart, End: req.PeriodEnd},
		Policy:       req.Policy.toPolicy(),
	})
	h.writeGeneration(w, r, res, err)
}

func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	s, err := h.Lifecycle.Get(r.Context(), studio.SettlementID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(s))
}

func (h *Handler) DeleteSettlement(w http.ResponseWriter, r *http.Request) {
	if err := h.Lifecycle.DeleteDraft(r.Context(), studio.SettlementID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) FinalizeSettlement(w http.ResponseWriter, r *http.Request) {
	s, err := h.Lifecycle.Finalize(r.Context(), studio.SettlementID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(s))
}

func (h *Handler) PaySettlement(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.Lifecycle.MarkPaid(r.Context(), studio.SettlementID(chi.URLParam(r, "id")), req.PaymentRef)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(s))
}

func (h *Handler) RegenerateSettlement(w http.ResponseWriter, r *http.Request) {
	var req RegenerateRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	res, err := h.Lifecycle.Regenerate(r.Context(), studio.SettlementID(chi.URLParam(r, "id")), req.Policy.toPolicy())
	h.writeGeneration(w, r, res, err)
}

func (h *Handler) RemoveSettlementItem(w http.ResponseWriter, r *http.Request) {
	s, err := h.Lifecycle.RemoveItem(r.Context(),
		studio.SettlementID(chi.URLParam(r, "id")),
		studio.SettlementItemID(chi.URLParam(r, "item")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(s))
}

// writeGeneration answers generate and regenerate: 201 with a settlement,
// 200 empty=true for an empty period, 422 when every session lacked a price.
func (h *Handler) writeGeneration(w http.ResponseWriter, r *http.Request, res *studio.GenerationResult, err error) {
	if errors.Is(err, studio.ErrEmptyPeriod) {
		writeJSON(w, http.StatusOK, GenerationDTO{Empty: true, MissingPricing: []MissingPricingDTO{}})
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if res.Settlement == nil {
		writeJSON(w, http.StatusUnprocessableEntity, toGenerationDTO(res))
		return
	}
	writeJSON(w, http.StatusCreated, toGenerationDTO(res))
}

// =============================================================================
// RUNS
// =============================================================================

func (h *Handler) EnqueueRun(w http.ResponseWriter, r *http.Request) {
	if !h.runsEnabled(w) {
		return
	}
	var req EnqueueRunRequest
	if !h.decode(w, r, &req) {
		return
	}
	run, err := h.Runs.Enqueue(r.Context(), studio.InstructorID(req.InstructorID),
		studio.Interval{Start: req.PeriodStart, End: req.PeriodEnd})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toRunDTO(run))
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if !h.runsEnabled(w) {
		return
	}
	runs, err := h.Runs.List(r.Context(), studio.RunStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]RunDTO, len(runs))
	for i, run := range runs {
		out[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if !h.runsEnabled(w) {
		return
	}
	run, err := h.Runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	if !h.runsEnabled(w) {
		return
	}
	run, err := h.Runs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toRunDTO(run))
}

func (h *Handler) runsEnabled(w http.ResponseWriter) bool {
	if h.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "runs_disabled", "settlement worker is not running")
		return false
	}
	return true
}

// =============================================================================
// OPS
// =============================================================================

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		writeError(w, http.StatusNotFound, "not_found", "event log is not enabled")
		return
	}
	var list []studio.Event
	if t := r.URL.Query().Get("type"); t != "" {
		list = h.Events.OfType(studio.EventType(t))
	} else {
		list = h.Events.Events()
	}
	out := make([]EventDTO, len(list))
	for i, e := range list {
		out[i] = EventDTO{ID: e.ID, Type: string(e.Type), Key: e.Key, OccurredAt: e.OccurredAt, Payload: e.Payload}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			h.Log.Error("Health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decode reads a JSON body into dst and validates it. On failure the
// response is already written.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeDomainError(w, r, err)
		return false
	}
	return true
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now().UTC()
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
