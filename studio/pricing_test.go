package studio_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/studio"
)

func TestResolve_OccurrenceOverrideBeatsTemplateDefault(t *testing.T) {
	// GIVEN: Occurrence override (entry=1000) and template default (entry=1500), both valid
	// WHEN: Resolving for that client and occurrence
	// THEN: 1000 from the occurrence override

	f := newFixture(t)
	f.price(t, templateDefault("default", "yoga", 1500, 900))
	f.price(t, studio.PriceRule{
		ID:           "vip-occ",
		Tier:         studio.TierOccurrenceOverride,
		ClientID:     "A",
		OccurrenceID: "occ-1",
		Fees:         studio.NewFees(1000, 800, "EUR"),
	})

	resolver := studio.PriceResolver{Prices: f.store}
	got, err := resolver.Resolve(f.ctx, studio.PriceQuery{
		ClientID: "A", TemplateID: "yoga", OccurrenceID: "occ-1", At: at(0, 18),
	})
	require.NoError(t, err)
	assert.True(t, got.Fees.Entry.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, studio.TierOccurrenceOverride, got.Source)
	assert.Equal(t, studio.PriceRuleID("vip-occ"), got.RuleID)

	// Another client falls through to the default.
	other, err := resolver.Resolve(f.ctx, studio.PriceQuery{
		ClientID: "B", TemplateID: "yoga", OccurrenceID: "occ-1", At: at(0, 18),
	})
	require.NoError(t, err)
	assert.Equal(t, studio.TierTemplateDefault, other.Source)
	assert.True(t, other.Fees.Entry.Equal(decimal.NewFromInt(1500)))
}

func TestResolve_TemplateOverrideBeatsDefault(t *testing.T) {
	f := newFixture(t)
	f.price(t, templateDefault("default", "yoga", 1500, 900))
	f.price(t, studio.PriceRule{
		ID:         "a-yoga",
		Tier:       studio.TierTemplateOverride,
		ClientID:   "A",
		TemplateID: "yoga",
		Fees:       studio.NewFees(1200, 900, "EUR"),
	})

	got, err := studio.PriceResolver{Prices: f.store}.Resolve(f.ctx, studio.PriceQuery{
		ClientID: "A", TemplateID: "yoga", OccurrenceID: "occ-9", At: at(0, 18),
	})
	require.NoError(t, err)
	assert.Equal(t, studio.TierTemplateOverride, got.Source)
}

func TestResolve_OverridesIgnoreIdsOutsideTheirTier(t *testing.T) {
	// GIVEN: Template default yoga=1500, an occurrence override for A on occ-1
	//        saved with its template id, and a template override for B saved
	//        with an occurrence id
	// WHEN: Resolving A on occ-1 and B on any yoga occurrence
	// THEN: Both overrides apply

	f := newFixture(t)
	f.price(t, templateDefault("default", "yoga", 1500, 900))
	f.price(t, studio.PriceRule{
		ID:           "a-occ",
		Tier:         studio.TierOccurrenceOverride,
		ClientID:     "A",
		OccurrenceID: "occ-1",
		TemplateID:   "yoga",
		Fees:         studio.NewFees(1000, 800, "EUR"),
	})
	f.price(t, studio.PriceRule{
		ID:           "b-yoga",
		Tier:         studio.TierTemplateOverride,
		ClientID:     "B",
		OccurrenceID: "occ-1",
		TemplateID:   "yoga",
		Fees:         studio.NewFees(1100, 800, "EUR"),
	})

	resolver := studio.PriceResolver{Prices: f.store}
	a, err := resolver.Resolve(f.ctx, studio.PriceQuery{
		ClientID: "A", TemplateID: "yoga", OccurrenceID: "occ-1", At: at(0, 18),
	})
	require.NoError(t, err)
	assert.Equal(t, studio.TierOccurrenceOverride, a.Source)
	assert.True(t, a.Fees.Entry.Equal(decimal.NewFromInt(1000)))

	b, err := resolver.Resolve(f.ctx, studio.PriceQuery{
		ClientID: "B", TemplateID: "yoga", OccurrenceID: "occ-7", At: at(0, 18),
	})
	require.NoError(t, err)
	assert.Equal(t, studio.TierTemplateOverride, b.Source)
	assert.True(t, b.Fees.Entry.Equal(decimal.NewFromInt(1100)))
}

func TestPriceRule_NormalizeKeepsOnlyTierKeys(t *testing.T) {
	occ := studio.PriceRule{Tier: studio.TierOccurrenceOverride, ClientID: "A", OccurrenceID: "o", TemplateID: "yoga"}
	assert.Equal(t, studio.PriceScope{Tier: studio.TierOccurrenceOverride, ClientID: "A", OccurrenceID: "o"}, occ.Scope())

	tmpl := studio.PriceRule{Tier: studio.TierTemplateOverride, ClientID: "A", OccurrenceID: "o", TemplateID: "yoga"}
	assert.Equal(t, studio.PriceScope{Tier: studio.TierTemplateOverride, ClientID: "A", TemplateID: "yoga"}, tmpl.Scope())

	def := studio.PriceRule{Tier: studio.TierTemplateDefault, OccurrenceID: "o", TemplateID: "yoga"}
	assert.Equal(t, studio.PriceScope{Tier: studio.TierTemplateDefault, TemplateID: "yoga"}, def.Scope())
	assert.Empty(t, def.Normalize().OccurrenceID)
}

func TestResolve_NothingMatchesIsMissingPricing(t *testing.T) {
	// GIVEN: No rule anywhere for (client, template)
	// THEN: MissingPricing, never a zero fee

	f := newFixture(t)
	f.price(t, templateDefault("pilates", "pilates", 1500, 900))

	_, err := studio.PriceResolver{Prices: f.store}.Resolve(f.ctx, studio.PriceQuery{
		ClientID: "A", TemplateID: "yoga", At: at(0, 18),
	})
	var missing *studio.MissingPricingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, studio.ClientID("A"), missing.ClientID)
	assert.Equal(t, studio.TemplateID("yoga"), missing.TemplateID)
	assert.True(t, errors.Is(err, studio.ErrMissingPricing))
}

func TestResolve_ValidityWindowAndInactiveRules(t *testing.T) {
	// GIVEN: An override that expired before the session, an inactive one,
	//        and a template default
	// THEN: The default wins; the expired rule still applies to earlier sessions

	f := newFixture(t)
	f.price(t, templateDefault("default", "yoga", 1500, 900))

	expired := at(-1, 0)
	f.price(t, studio.PriceRule{
		ID:         "old",
		Tier:       studio.TierTemplateOverride,
		ClientID:   "A",
		TemplateID: "yoga",
		Fees:       studio.NewFees(500, 400, "EUR"),
		ValidUntil: &expired,
	})
	inactive := studio.PriceRule{
		ID:         "off",
		Tier:       studio.TierTemplateOverride,
		ClientID:   "A",
		TemplateID: "yoga",
		Fees:       studio.NewFees(1, 1, "EUR"),
		ValidFrom:  at(-30, 0),
		CreatedAt:  at(-30, 0),
	}
	require.NoError(t, f.store.SavePriceRule(f.ctx, inactive))

	resolver := studio.PriceResolver{Prices: f.store}
	got, err := resolver.Resolve(f.ctx, studio.PriceQuery{ClientID: "A", TemplateID: "yoga", At: at(0, 18)})
	require.NoError(t, err)
	assert.Equal(t, studio.PriceRuleID("default"), got.RuleID)

	before, err := resolver.Resolve(f.ctx, studio.PriceQuery{ClientID: "A", TemplateID: "yoga", At: at(-2, 18)})
	require.NoError(t, err)
	assert.Equal(t, studio.PriceRuleID("old"), before.RuleID)
}

func TestSelectPriceRule_TieBreakIsDeterministic(t *testing.T) {
	base := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	rules := []studio.PriceRule{
		{ID: "b", Active: true, ValidFrom: base, CreatedAt: base},
		{ID: "a", Active: true, ValidFrom: base, CreatedAt: base},
		{ID: "c", Active: true, ValidFrom: base, CreatedAt: base.Add(-time.Hour)},
		{ID: "old", Active: true, ValidFrom: base.Add(-24 * time.Hour), CreatedAt: base.Add(time.Hour)},
	}

	got, ok := studio.SelectPriceRule(rules, base.Add(time.Hour))
	require.True(t, ok)
	assert.Equal(t, studio.PriceRuleID("a"), got.ID)

	// Order of input never matters.
	reversed := []studio.PriceRule{rules[3], rules[2], rules[1], rules[0]}
	again, ok := studio.SelectPriceRule(reversed, base.Add(time.Hour))
	require.True(t, ok)
	assert.Equal(t, got.ID, again.ID)
}

func TestResolve_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.price(t, templateDefault("default", "yoga", 1500, 900))
	f.price(t, studio.PriceRule{
		ID: "x", Tier: studio.TierTemplateOverride, ClientID: "A", TemplateID: "yoga",
		Fees: studio.NewFees(1100, 700, "EUR"),
	})
	f.price(t, studio.PriceRule{
		ID: "y", Tier: studio.TierTemplateOverride, ClientID: "A", TemplateID: "yoga",
		Fees: studio.NewFees(1300, 700, "EUR"),
	})

	resolver := studio.PriceResolver{Prices: f.store}
	q := studio.PriceQuery{ClientID: "A", TemplateID: "yoga", At: at(0, 18)}
	first, err := resolver.Resolve(f.ctx, q)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := resolver.Resolve(f.ctx, q)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, studio.PriceRuleID("x"), first.RuleID)
}

func TestValidatePriceRule(t *testing.T) {
	valid := templateDefault("d", "yoga", 10, 5)
	valid.ValidFrom = at(0, 0)
	require.NoError(t, studio.ValidatePriceRule(valid))

	tests := []struct {
		name   string
		mutate func(*studio.PriceRule)
	}{
		{"negative fee", func(r *studio.PriceRule) { r.Fees.Entry = decimal.NewFromInt(-1) }},
		{"bad currency", func(r *studio.PriceRule) { r.Fees.Currency = "EURO" }},
		{"default with client", func(r *studio.PriceRule) { r.ClientID = "A" }},
		{"override without client", func(r *studio.PriceRule) { r.Tier = studio.TierTemplateOverride }},
		{"until before from", func(r *studio.PriceRule) {
			until := r.ValidFrom.Add(-time.Hour)
			r.ValidUntil = &until
		}},
		{"unknown tier", func(r *studio.PriceRule) { r.Tier = "global" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			assert.ErrorIs(t, studio.ValidatePriceRule(r), studio.ErrInvalidInput)
		})
	}
}
