/*
pricing.go - Price cascade for a client and a session

PURPOSE:
  Resolves the entry fee and trainer fee a client pays for a session at
  a point in time, from a layered override hierarchy.

CASCADE (first match wins):
  1. Client override scoped to the exact occurrence
  2. Client override scoped to the class template / service type
  3. Template default price
  4. Nothing matched: MissingPricingError. Never a zero fee.

  Every tier uses the same validity test (PriceRule.AppliesAt) and the
  same tie-break, so the tiers cannot drift apart.

TIE-BREAK WITHIN A TIER:
  Latest ValidFrom wins. Equal ValidFrom: latest CreatedAt, then the
  smallest ID, so the result never depends on storage order.

PURITY:
  Resolve reads from a PriceStore and has no side effects. The Source
  tier and RuleID on the result are audit metadata and must be carried
  into any financial record built from it.
*/
package studio

import (
	"context"
	"errors"
	"strings"
	"time"
)

// PriceQuery identifies what is being priced. OccurrenceID is empty for
// 1:1 bookings, which skip the occurrence tier.
type PriceQuery struct {
	ClientID     ClientID
	TemplateID   TemplateID
	OccurrenceID OccurrenceID
	At           time.Time
}

type ResolvedPrice struct {
	Fees   Fees
	Source PriceTier
	RuleID PriceRuleID
}

// priceTier is one step of the cascade: a tier name and how to build its
// lookup scope from a query. ok=false skips the tier.
type priceTier struct {
	tier  PriceTier
	scope func(q PriceQuery) (PriceScope, bool)
}

var priceCascade = []priceTier{
	{
		tier: TierOccurrenceOverride,
		scope: func(q PriceQuery) (PriceScope, bool) {
			return PriceScope{Tier: TierOccurrenceOverride, ClientID: q.ClientID, OccurrenceID: q.OccurrenceID},
				q.ClientID != "" && q.OccurrenceID != ""
		},
	},
	{
		tier: TierTemplateOverride,
		scope: func(q PriceQuery) (PriceScope, bool) {
			return PriceScope{Tier: TierTemplateOverride, ClientID: q.ClientID, TemplateID: q.TemplateID},
				q.ClientID != "" && q.TemplateID != ""
		},
	},
	{
		tier: TierTemplateDefault,
		scope: func(q PriceQuery) (PriceScope, bool) {
			return PriceScope{Tier: TierTemplateDefault, TemplateID: q.TemplateID},
				q.TemplateID != ""
		},
	},
}

type PriceResolver struct {
	Prices PriceStore
}

// Resolve walks the cascade and returns the first matching rule.
func (r PriceResolver) Resolve(ctx context.Context, q PriceQuery) (ResolvedPrice, error) {
	for _, t := range priceCascade {
		scope, ok := t.scope(q)
		if !ok {
			continue
		}
		rules, err := r.Prices.PriceRules(ctx, scope)
		if err != nil {
			return ResolvedPrice{}, err
		}
		if rule, found := SelectPriceRule(rules, q.At); found {
			return ResolvedPrice{Fees: rule.Fees, Source: t.tier, RuleID: rule.ID}, nil
		}
	}
	return ResolvedPrice{}, &MissingPricingError{
		ClientID:     q.ClientID,
		TemplateID:   q.TemplateID,
		OccurrenceID: q.OccurrenceID,
		At:           q.At,
	}
}

// SelectPriceRule applies the validity test and the tie-break to the rules
// of one tier.
func SelectPriceRule(rules []PriceRule, at time.Time) (PriceRule, bool) {
	var best PriceRule
	found := false
	for _, rule := range rules {
		if !rule.AppliesAt(at) {
			continue
		}
		if !found || rulePrecedes(rule, best) {
			best = rule
			found = true
		}
	}
	return best, found
}

func rulePrecedes(a, b PriceRule) bool {
	if !a.ValidFrom.Equal(b.ValidFrom) {
		return a.ValidFrom.After(b.ValidFrom)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ValidatePriceRule checks a rule before it is stored.
func ValidatePriceRule(r PriceRule) error {
	var problems []string
	switch r.Tier {
	case TierOccurrenceOverride:
		if r.ClientID == "" || r.OccurrenceID == "" {
			problems = append(problems, "occurrence override requires client_id and occurrence_id")
		}
	case TierTemplateOverride:
		if r.ClientID == "" || r.TemplateID == "" {
			problems = append(problems, "template override requires client_id and template_id")
		}
	case TierTemplateDefault:
		if r.TemplateID == "" {
			problems = append(problems, "template default requires template_id")
		}
		if r.ClientID != "" {
			problems = append(problems, "template default cannot be client specific")
		}
	default:
		problems = append(problems, "unknown tier "+string(r.Tier))
	}
	if r.Fees.Entry.IsNegative() || r.Fees.Trainer.IsNegative() {
		problems = append(problems, "fees must not be negative")
	}
	if len(r.Fees.Currency) != 3 {
		problems = append(problems, "currency must be a 3-letter code")
	}
	if r.ValidFrom.IsZero() {
		problems = append(problems, "valid_from is required")
	}
	if r.ValidUntil != nil && r.ValidUntil.Before(r.ValidFrom) {
		problems = append(problems, "valid_until is before valid_from")
	}
	if len(problems) > 0 {
		return errors.Join(ErrInvalidInput, errors.New(strings.Join(problems, "; ")))
	}
	return nil
}
