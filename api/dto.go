/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry validator/v10 tags for shape checks (required
  fields, enums, non-negative numbers). Business rules (intervals,
  collisions, capacity) stay in the studio package so every caller gets
  them, not only HTTP.

MONEY:
  Fees travel as decimal strings ("15.50") and are parsed with
  shopspring/decimal. Never float64.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// BOOKINGS
// =============================================================================

type CreateBookingRequest struct {
	ID           string    `json:"id,omitempty" validate:"omitempty,max=64"`
	InstructorID string    `json:"instructor_id" validate:"required"`
	ClientID     string    `json:"client_id" validate:"required"`
	ResourceID   string    `json:"resource_id"`
	TemplateID   string    `json:"template_id" validate:"required"`
	Start        time.Time `json:"start" validate:"required"`
	End          time.Time `json:"end" validate:"required"`
}

func (r CreateBookingRequest) toBooking() studio.Booking {
	return studio.Booking{
		ID:           studio.BookingID(r.ID),
		InstructorID: studio.InstructorID(r.InstructorID),
		ClientID:     studio.ClientID(r.ClientID),
		ResourceID:   studio.ResourceID(r.ResourceID),
		TemplateID:   studio.TemplateID(r.TemplateID),
		Start:        r.Start,
		End:          r.End,
	}
}

// AttendanceRequest records check-in for a booking or registration.
type AttendanceRequest struct {
	Attended *bool `json:"attended" validate:"required"`
}

type BookingDTO struct {
	ID           string     `json:"id"`
	InstructorID string     `json:"instructor_id"`
	ClientID     string     `json:"client_id"`
	ResourceID   string     `json:"resource_id,omitempty"`
	TemplateID   string     `json:"template_id,omitempty"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	Status       string     `json:"status"`
	Attendance   string     `json:"attendance,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CheckedInAt  *time.Time `json:"checked_in_at,omitempty"`
}

func toBookingDTO(b studio.Booking) BookingDTO {
	return BookingDTO{
		ID:           string(b.ID),
		InstructorID: string(b.InstructorID),
		ClientID:     string(b.ClientID),
		ResourceID:   string(b.ResourceID),
		TemplateID:   string(b.TemplateID),
		Start:        b.Start,
		End:          b.End,
		Status:       string(b.Status),
		Attendance:   string(b.Attendance),
		CreatedAt:    b.CreatedAt,
		CancelledAt:  b.CancelledAt,
		CheckedInAt:  b.CheckedInAt,
	}
}

// =============================================================================
// CLASSES
// =============================================================================

type ScheduleOccurrenceRequest struct {
	ID           string    `json:"id,omitempty" validate:"omitempty,max=64"`
	TemplateID   string    `json:"template_id" validate:"required"`
	InstructorID string    `json:"instructor_id" validate:"required"`
	ResourceID   string    `json:"resource_id"`
	Start        time.Time `json:"start" validate:"required"`
	End          time.Time `json:"end" validate:"required"`
	Capacity     *int      `json:"capacity" validate:"required,gte=0"`
}

func (r ScheduleOccurrenceRequest) toOccurrence() studio.ClassOccurrence {
	return studio.ClassOccurrence{
		ID:           studio.OccurrenceID(r.ID),
		TemplateID:   studio.TemplateID(r.TemplateID),
		InstructorID: studio.InstructorID(r.InstructorID),
		ResourceID:   studio.ResourceID(r.ResourceID),
		Start:        r.Start,
		End:          r.End,
		Capacity:     *r.Capacity,
	}
}

type ChangeCapacityRequest struct {
	Capacity *int `json:"capacity" validate:"required,gte=0"`
}

type RegisterRequest struct {
	ClientID string `json:"client_id" validate:"required"`
}

type OccurrenceDTO struct {
	ID           string    `json:"id"`
	TemplateID   string    `json:"template_id"`
	InstructorID string    `json:"instructor_id"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Capacity     int       `json:"capacity"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

func toOccurrenceDTO(o studio.ClassOccurrence) OccurrenceDTO {
	return OccurrenceDTO{
		ID:           string(o.ID),
		TemplateID:   string(o.TemplateID),
		InstructorID: string(o.InstructorID),
		ResourceID:   string(o.ResourceID),
		Start:        o.Start,
		End:          o.End,
		Capacity:     o.Capacity,
		Status:       string(o.Status),
		CreatedAt:    o.CreatedAt,
	}
}

type RegistrationDTO struct {
	ID            string     `json:"id"`
	OccurrenceID  string     `json:"occurrence_id"`
	ClientID      string     `json:"client_id"`
	Status        string     `json:"status"`
	BookedAt      time.Time  `json:"booked_at"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	CancelledFrom string     `json:"cancelled_from,omitempty"`
	CheckedInAt   *time.Time `json:"checked_in_at,omitempty"`
	PromotedAt    *time.Time `json:"promoted_at,omitempty"`
}

func toRegistrationDTO(r studio.ClassRegistration) RegistrationDTO {
	return RegistrationDTO{
		ID:            string(r.ID),
		OccurrenceID:  string(r.OccurrenceID),
		ClientID:      string(r.ClientID),
		Status:        string(r.Status),
		BookedAt:      r.BookedAt,
		CancelledAt:   r.CancelledAt,
		CancelledFrom: string(r.CancelledFrom),
		CheckedInAt:   r.CheckedInAt,
		PromotedAt:    r.PromotedAt,
	}
}

func toRegistrationDTOs(regs []studio.ClassRegistration) []RegistrationDTO {
	out := make([]RegistrationDTO, len(regs))
	for i, r := range regs {
		out[i] = toRegistrationDTO(r)
	}
	return out
}

type CancelRegistrationDTO struct {
	Registration RegistrationDTO   `json:"registration"`
	Promoted     []RegistrationDTO `json:"promoted"`
}

type RosterDTO struct {
	Occurrence OccurrenceDTO     `json:"occurrence"`
	Booked     []RegistrationDTO `json:"booked"`
	Waitlist   []RegistrationDTO `json:"waitlist"`
	Available  int               `json:"available"`
}

type WaitlistPositionDTO struct {
	RegistrationID string `json:"registration_id"`
	Position       int    `json:"position"`
}

// =============================================================================
// PRICING
// =============================================================================

type PriceRuleRequest struct {
	ID           string     `json:"id,omitempty" validate:"omitempty,max=64"`
	Tier         string     `json:"tier" validate:"required,oneof=occurrence_override template_override template_default"`
	ClientID     string     `json:"client_id"`
	OccurrenceID string     `json:"occurrence_id"`
	TemplateID   string     `json:"template_id"`
	EntryFee     string     `json:"entry_fee" validate:"required,numeric"`
	TrainerFee   string     `json:"trainer_fee" validate:"required,numeric"`
	Currency     string     `json:"currency" validate:"required,len=3,uppercase"`
	ValidFrom    time.Time  `json:"valid_from" validate:"required"`
	ValidUntil   *time.Time `json:"valid_until"`
	Active       *bool      `json:"active"`
}

func (r PriceRuleRequest) toRule() (studio.PriceRule, error) {
	entry, err := decimal.NewFromString(r.EntryFee)
	if err != nil {
		return studio.PriceRule{}, err
	}
	trainer, err := decimal.NewFromString(r.TrainerFee)
	if err != nil {
		return studio.PriceRule{}, err
	}
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return studio.PriceRule{
		ID:           studio.PriceRuleID(r.ID),
		Tier:         studio.PriceTier(r.Tier),
		ClientID:     studio.ClientID(r.ClientID),
		OccurrenceID: studio.OccurrenceID(r.OccurrenceID),
		TemplateID:   studio.TemplateID(r.TemplateID),
		Fees:         studio.Fees{Entry: entry, Trainer: trainer, Currency: r.Currency},
		ValidFrom:    r.ValidFrom.UTC(),
		ValidUntil:   r.ValidUntil,
		Active:       active,
	}, nil
}

type PriceRuleDTO struct {
	ID           string     `json:"id"`
	Tier         string     `json:"tier"`
	ClientID     string     `json:"client_id,omitempty"`
	OccurrenceID string     `json:"occurrence_id,omitempty"`
	TemplateID   string     `json:"template_id,omitempty"`
	EntryFee     string     `json:"entry_fee"`
	TrainerFee   string     `json:"trainer_fee"`
	Currency     string     `json:"currency"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidUntil   *time.Time `json:"valid_until,omitempty"`
	Active       bool       `json:"active"`
}

func toPriceRuleDTO(r studio.PriceRule) PriceRuleDTO {
	return PriceRuleDTO{
		ID:           string(r.ID),
		Tier:         string(r.Tier),
		ClientID:     string(r.ClientID),
		OccurrenceID: string(r.OccurrenceID),
		TemplateID:   string(r.TemplateID),
		EntryFee:     r.Fees.Entry.String(),
		TrainerFee:   r.Fees.Trainer.String(),
		Currency:     r.Fees.Currency,
		ValidFrom:    r.ValidFrom,
		ValidUntil:   r.ValidUntil,
		Active:       r.Active,
	}
}

type ResolvePriceRequest struct {
	ClientID     string    `json:"client_id" validate:"required"`
	TemplateID   string    `json:"template_id" validate:"required"`
	OccurrenceID string    `json:"occurrence_id"`
	At           time.Time `json:"at" validate:"required"`
}

type ResolvedPriceDTO struct {
	EntryFee   string `json:"entry_fee"`
	TrainerFee string `json:"trainer_fee"`
	Currency   string `json:"currency"`
	Source     string `json:"source"`
	RuleID     string `json:"rule_id"`
}

// =============================================================================
// DIRECTORY
// =============================================================================

type InstructorRequest struct {
	ID     string `json:"id" validate:"required,max=64"`
	SiteID string `json:"site_id"`
	Name   string `json:"name" validate:"required"`
	Active *bool  `json:"active"`
}

type InstructorDTO struct {
	ID     string `json:"id"`
	SiteID string `json:"site_id,omitempty"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type ResourceRequest struct {
	ID     string `json:"id" validate:"required,max=64"`
	SiteID string `json:"site_id"`
	Name   string `json:"name" validate:"required"`
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

// PolicyDTO is the wire form of studio.InclusionPolicy. Lead time is in
// minutes; zero means the default.
type PolicyDTO struct {
	NoShowEntryFee            bool `json:"no_show_entry_fee"`
	NoShowTrainerFee          bool `json:"no_show_trainer_fee"`
	LateCancelEntryFee        bool `json:"late_cancel_entry_fee"`
	LateCancelTrainerFee      bool `json:"late_cancel_trainer_fee"`
	LateCancelLeadTimeMinutes int  `json:"late_cancel_lead_time_minutes" validate:"gte=0"`
}

func (p *PolicyDTO) toPolicy() *studio.InclusionPolicy {
	if p == nil {
		return nil
	}
	policy := studio.InclusionPolicy{
		NoShowEntryFee:       p.NoShowEntryFee,
		NoShowTrainerFee:     p.NoShowTrainerFee,
		LateCancelEntryFee:   p.LateCancelEntryFee,
		LateCancelTrainerFee: p.LateCancelTrainerFee,
		LateCancelLeadTime:   time.Duration(p.LateCancelLeadTimeMinutes) * time.Minute,
	}.Normalize()
	return &policy
}

func toPolicyDTO(p studio.InclusionPolicy) PolicyDTO {
	return PolicyDTO{
		NoShowEntryFee:            p.NoShowEntryFee,
		NoShowTrainerFee:          p.NoShowTrainerFee,
		LateCancelEntryFee:        p.LateCancelEntryFee,
		LateCancelTrainerFee:      p.LateCancelTrainerFee,
		LateCancelLeadTimeMinutes: int(p.LateCancelLeadTime / time.Minute),
	}
}

type GenerateSettlementRequest struct {
	InstructorID string     `json:"instructor_id" validate:"required"`
	PeriodStart  time.Time  `json:"period_start" validate:"required"`
	PeriodEnd    time.Time  `json:"period_end" validate:"required"`
	Policy       *PolicyDTO `json:"policy"`
}

type RegenerateRequest struct {
	Policy *PolicyDTO `json:"policy"`
}

type PayRequest struct {
	PaymentRef string `json:"payment_ref" validate:"required,max=128"`
}

type SettlementItemDTO struct {
	ID           string    `json:"id"`
	SessionKind  string    `json:"session_kind"`
	SessionID    string    `json:"session_id"`
	OccurrenceID string    `json:"occurrence_id,omitempty"`
	ClientID     string    `json:"client_id"`
	SessionStart time.Time `json:"session_start"`
	EntryFee     string    `json:"entry_fee"`
	TrainerFee   string    `json:"trainer_fee"`
	Currency     string    `json:"currency"`
	Outcome      string    `json:"outcome"`
	PriceSource  string    `json:"price_source"`
	PriceRuleID  string    `json:"price_rule_id"`
}

type SettlementDTO struct {
	ID              string              `json:"id"`
	InstructorID    string              `json:"instructor_id"`
	PeriodStart     time.Time           `json:"period_start"`
	PeriodEnd       time.Time           `json:"period_end"`
	Status          string              `json:"status"`
	Currency        string              `json:"currency,omitempty"`
	TotalEntryFee   string              `json:"total_entry_fee"`
	TotalTrainerFee string              `json:"total_trainer_fee"`
	Policy          PolicyDTO           `json:"policy"`
	CreatedAt       time.Time           `json:"created_at"`
	FinalizedAt     *time.Time          `json:"finalized_at,omitempty"`
	PaidAt          *time.Time          `json:"paid_at,omitempty"`
	PaymentRef      string              `json:"payment_ref,omitempty"`
	Items           []SettlementItemDTO `json:"items"`
}

func toSettlementDTO(s studio.Settlement) SettlementDTO {
	items := make([]SettlementItemDTO, len(s.Items))
	for i, it := range s.Items {
		items[i] = SettlementItemDTO{
			ID:           string(it.ID),
			SessionKind:  string(it.Session.Kind),
			SessionID:    it.Session.ID,
			OccurrenceID: string(it.OccurrenceID),
			ClientID:     string(it.ClientID),
			SessionStart: it.SessionStart,
			EntryFee:     it.EntryFee.String(),
			TrainerFee:   it.TrainerFee.String(),
			Currency:     it.Currency,
			Outcome:      string(it.Outcome),
			PriceSource:  string(it.PriceSource),
			PriceRuleID:  string(it.PriceRuleID),
		}
	}
	return SettlementDTO{
		ID:              string(s.ID),
		InstructorID:    string(s.InstructorID),
		PeriodStart:     s.PeriodStart,
		PeriodEnd:       s.PeriodEnd,
		Status:          string(s.Status),
		Currency:        s.Currency,
		TotalEntryFee:   s.TotalEntryFee.String(),
		TotalTrainerFee: s.TotalTrainerFee.String(),
		Policy:          toPolicyDTO(s.Policy),
		CreatedAt:       s.CreatedAt,
		FinalizedAt:     s.FinalizedAt,
		PaidAt:          s.PaidAt,
		PaymentRef:      s.PaymentRef,
		Items:           items,
	}
}

type MissingPricingDTO struct {
	ClientID     string    `json:"client_id"`
	TemplateID   string    `json:"template_id"`
	OccurrenceID string    `json:"occurrence_id,omitempty"`
	SessionKind  string    `json:"session_kind"`
	SessionID    string    `json:"session_id"`
	At           time.Time `json:"at"`
}

// GenerationDTO answers generate and regenerate.
type GenerationDTO struct {
	Empty          bool                `json:"empty"`
	Complete       bool                `json:"complete"`
	Settlement     *SettlementDTO      `json:"settlement,omitempty"`
	MissingPricing []MissingPricingDTO `json:"missing_pricing"`
	AlreadySettled int                 `json:"already_settled"`
	NotChargeable  int                 `json:"not_chargeable"`
}

func toGenerationDTO(res *studio.GenerationResult) GenerationDTO {
	out := GenerationDTO{
		Complete:       res.Complete(),
		MissingPricing: make([]MissingPricingDTO, len(res.MissingPricing)),
		AlreadySettled: res.AlreadySettled,
		NotChargeable:  res.NotChargeable,
	}
	if res.Settlement != nil {
		s := toSettlementDTO(*res.Settlement)
		out.Settlement = &s
	}
	for i, m := range res.MissingPricing {
		out.MissingPricing[i] = MissingPricingDTO{
			ClientID:     string(m.ClientID),
			TemplateID:   string(m.TemplateID),
			OccurrenceID: string(m.OccurrenceID),
			SessionKind:  string(m.Session.Kind),
			SessionID:    m.Session.ID,
			At:           m.At,
		}
	}
	return out
}

// =============================================================================
// RUNS AND EVENTS
// =============================================================================

type EnqueueRunRequest struct {
	InstructorID string    `json:"instructor_id" validate:"required"`
	PeriodStart  time.Time `json:"period_start" validate:"required"`
	PeriodEnd    time.Time `json:"period_end" validate:"required"`
}

type RunDTO struct {
	ID           string     `json:"id"`
	InstructorID string     `json:"instructor_id"`
	PeriodStart  time.Time  `json:"period_start"`
	PeriodEnd    time.Time  `json:"period_end"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	SettlementID string     `json:"settlement_id,omitempty"`
	MissingCount int        `json:"missing_count"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func toRunDTO(r studio.SettlementRun) RunDTO {
	return RunDTO{
		ID:           r.ID,
		InstructorID: string(r.InstructorID),
		PeriodStart:  r.PeriodStart,
		PeriodEnd:    r.PeriodEnd,
		Status:       string(r.Status),
		Attempts:     r.Attempts,
		SettlementID: string(r.SettlementID),
		MissingCount: r.MissingCount,
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
	}
}

type EventDTO struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}
