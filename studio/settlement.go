/*
settlement.go - Instructor settlement generation

PURPOSE:
  Turns an instructor's rendered sessions over a period into one draft
  Settlement with one immutable SettlementItem per billable session.

ALGORITHM:
  1. Load bookings and occurrences of the instructor intersecting
     [period_start, period_end)
  2. Derive an outcome per session:
       attended        - always billable, full fees
       no_show         - billable per the no-show policy
       late_cancelled  - cancelled inside the lead time, billable per
                         the late-cancel policy. Early cancellations and
                         cancelled waitlist entries are never billable.
  3. Drop sessions already held by any existing settlement
  4. Resolve the price at the SESSION START, not at generation time
  5. Insert header + items in the same transaction as the reads

PARTIAL SUCCESS:
  A pricing gap does not abort the run. Every MissingPricingError is
  collected into the result and the sessions that did resolve are
  still settled. The operator fixes the gaps and runs again; step 3
  makes the re-run pick up only the previously missing sessions.

FAIL CLOSED:
  No item is ever written with a fabricated zero fee. A component is
  zero only when the policy says it is not chargeable.

CANCELLATION:
  ctx is checked between sessions. Cancelling returns ctx.Err() and the
  transaction rolls back, leaving nothing half-written.

SEE ALSO:
  - pricing.go: Price cascade
  - policy.go: Inclusion policy
  - lifecycle.go: What happens to the draft afterwards
*/
package studio

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/studio-engine/logger"
)

type SettlementGenerator struct {
	Store  TxStore
	Policy InclusionPolicy // default policy, snapshotted into each settlement
	Log    *logger.Logger
	Now    Clock
}

type GenerateRequest struct {
	InstructorID InstructorID
	Period       Interval
	Policy       *InclusionPolicy // overrides the generator default when set
}

// GenerationResult is returned even when some sessions could not be priced.
// Settlement is nil when nothing could be persisted.
type GenerationResult struct {
	Settlement     *Settlement
	MissingPricing []MissingPricingError
	AlreadySettled int // sessions skipped because another settlement holds them
	NotChargeable  int // sessions the policy charges nothing for
}

// Complete reports whether every eligible session was settled.
func (r *GenerationResult) Complete() bool {
	return r != nil && len(r.MissingPricing) == 0
}

// candidate is one potentially billable session.
type candidate struct {
	ref          SessionRef
	clientID     ClientID
	templateID   TemplateID
	occurrenceID OccurrenceID
	start        time.Time
	outcome      ItemOutcome
}

// Generate runs the whole generation in one transaction. It returns
// ErrEmptyPeriod when the period holds no eligible, unsettled session.
func (g *SettlementGenerator) Generate(ctx context.Context, req GenerateRequest) (*GenerationResult, error) {
	var res *GenerationResult
	err := g.Store.WithTx(ctx, func(tx Store) error {
		var err error
		res, err = g.generateTx(ctx, tx, req)
		return err
	})
	log := logOrDiscard(g.Log)
	if err != nil {
		if errors.Is(err, ErrEmptyPeriod) {
			log.Info("Settlement period empty", "instructor_id", req.InstructorID, "period", req.Period.String())
		} else {
			log.Error("Settlement generation failed", "instructor_id", req.InstructorID, "period", req.Period.String(), "error", err)
		}
		return nil, err
	}

	attrs := []any{
		"instructor_id", req.InstructorID,
		"period", req.Period.String(),
		"missing_pricing", len(res.MissingPricing),
		"already_settled", res.AlreadySettled,
		"not_chargeable", res.NotChargeable,
	}
	if res.Settlement != nil {
		attrs = append(attrs,
			"settlement_id", res.Settlement.ID,
			"items", len(res.Settlement.Items),
			"total_trainer_fee", res.Settlement.TotalTrainerFee.String(),
		)
	}
	if res.Complete() {
		log.Info("Settlement generated", attrs...)
	} else {
		log.Warn("Settlement generated with pricing gaps", attrs...)
	}
	return res, nil
}

func (g *SettlementGenerator) generateTx(ctx context.Context, tx Store, req GenerateRequest) (*GenerationResult, error) {
	if req.InstructorID == "" {
		return nil, invalidInput("instructor id is required")
	}
	if !req.Period.Valid() {
		return nil, ErrInvalidInterval
	}
	policy := g.Policy
	if req.Policy != nil {
		policy = *req.Policy
	}
	policy = policy.Normalize()
	period := Interval{Start: req.Period.Start.UTC(), End: req.Period.End.UTC()}

	candidates, err := collectCandidates(ctx, tx, req.InstructorID, period, policy)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrEmptyPeriod
	}

	refs := make([]SessionRef, len(candidates))
	for i, c := range candidates {
		refs[i] = c.ref
	}
	settled, err := tx.SettledSessions(ctx, refs)
	if err != nil {
		return nil, err
	}

	now := g.Now.now()
	res := &GenerationResult{}
	s := Settlement{
		ID:           SettlementID(uuid.NewString()),
		InstructorID: req.InstructorID,
		PeriodStart:  period.Start,
		PeriodEnd:    period.End,
		Status:       SettlementDraft,
		Policy:       policy,
		CreatedAt:    now,
	}
	resolver := PriceResolver{Prices: tx}

	for _, c := range candidates {
		// Checkpoint: operator cancellation is honoured between sessions.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, ok := settled[c.ref]; ok {
			res.AlreadySettled++
			continue
		}
		chargeEntry, chargeTrainer := policy.Charges(c.outcome)
		if !chargeEntry && !chargeTrainer {
			res.NotChargeable++
			continue
		}

		price, err := resolver.Resolve(ctx, PriceQuery{
			ClientID:     c.clientID,
			TemplateID:   c.templateID,
			OccurrenceID: c.occurrenceID,
			At:           c.start,
		})
		if err != nil {
			var missing *MissingPricingError
			if errors.As(err, &missing) {
				missing.Session = c.ref
				res.MissingPricing = append(res.MissingPricing, *missing)
				continue
			}
			return nil, err
		}

		if s.Currency == "" {
			s.Currency = price.Fees.Currency
		} else if s.Currency != price.Fees.Currency {
			return nil, &CurrencyMismatchError{Expected: s.Currency, Got: price.Fees.Currency, Session: c.ref}
		}

		item := SettlementItem{
			ID:           SettlementItemID(uuid.NewString()),
			SettlementID: s.ID,
			Session:      c.ref,
			OccurrenceID: c.occurrenceID,
			ClientID:     c.clientID,
			SessionStart: c.start,
			EntryFee:     decimal.Zero,
			TrainerFee:   decimal.Zero,
			Currency:     price.Fees.Currency,
			Outcome:      c.outcome,
			PriceSource:  price.Source,
			PriceRuleID:  price.RuleID,
			CreatedAt:    now,
		}
		if chargeEntry {
			item.EntryFee = price.Fees.Entry
		}
		if chargeTrainer {
			item.TrainerFee = price.Fees.Trainer
		}
		s.Items = append(s.Items, item)
	}

	if len(s.Items) == 0 {
		if len(res.MissingPricing) > 0 {
			return res, nil
		}
		return nil, ErrEmptyPeriod
	}

	s.recomputeTotals()
	if err := tx.InsertSettlement(ctx, s); err != nil {
		return nil, err
	}
	res.Settlement = &s
	return res, nil
}

// collectCandidates derives billable outcomes from bookings and
// registrations, ordered by session start.
func collectCandidates(ctx context.Context, tx Store, instructor InstructorID, period Interval, policy InclusionPolicy) ([]candidate, error) {
	var out []candidate

	bookings, err := tx.BookingsForInstructor(ctx, instructor, period)
	if err != nil {
		return nil, err
	}
	for _, b := range bookings {
		outcome, ok := bookingOutcome(b, policy)
		if !ok {
			continue
		}
		out = append(out, candidate{
			ref:        BookingRef(b.ID),
			clientID:   b.ClientID,
			templateID: b.TemplateID,
			start:      b.Start,
			outcome:    outcome,
		})
	}

	occurrences, err := tx.OccurrencesForInstructor(ctx, instructor, period)
	if err != nil {
		return nil, err
	}
	for _, o := range occurrences {
		if o.Status == OccurrenceCancelled {
			continue
		}
		regs, err := tx.RegistrationsForOccurrence(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range regs {
			outcome, ok := registrationOutcome(r, o, policy)
			if !ok {
				continue
			}
			out = append(out, candidate{
				ref:          RegistrationRef(r.ID),
				clientID:     r.ClientID,
				templateID:   o.TemplateID,
				occurrenceID: o.ID,
				start:        o.Start,
				outcome:      outcome,
			})
		}
	}

	sortCandidates(out)
	return out, nil
}

func bookingOutcome(b Booking, policy InclusionPolicy) (ItemOutcome, bool) {
	switch {
	case b.Status == BookingCancelled:
		if b.CancelledAt != nil && policy.IsLateCancellation(b.Start, *b.CancelledAt) {
			return OutcomeLateCancelled, true
		}
		return "", false
	case b.Attendance == AttendanceAttended:
		return OutcomeAttended, true
	case b.Attendance == AttendanceNoShow:
		return OutcomeNoShow, true
	default:
		return "", false
	}
}

func registrationOutcome(r ClassRegistration, o ClassOccurrence, policy InclusionPolicy) (ItemOutcome, bool) {
	switch r.Status {
	case RegistrationAttended:
		return OutcomeAttended, true
	case RegistrationNoShow:
		return OutcomeNoShow, true
	case RegistrationCancelled:
		// Only a cancelled seat is billable; a cancelled waitlist entry never held one.
		if r.CancelledFrom != RegistrationBooked || r.CancelledAt == nil {
			return "", false
		}
		if policy.IsLateCancellation(o.Start, *r.CancelledAt) {
			return OutcomeLateCancelled, true
		}
		return "", false
	default:
		return "", false
	}
}

// sortCandidates orders by start; equal starts keep load order (bookings first).
func sortCandidates(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].start.Before(cs[j].start) })
}
