package studio

import (
	"fmt"
	"time"
)

// =============================================================================
// INCLUSION POLICY - Which non-attended sessions are billable
// =============================================================================

// DefaultLateCancelLeadTime is the default cut-off: cancelling less than
// this long before the session start counts as a late cancellation.
const DefaultLateCancelLeadTime = 24 * time.Hour

// InclusionPolicy says which fee components are charged for no-shows and
// late cancellations. Attended sessions are always charged in full.
//
// The policy in force at generation time is copied onto the settlement
// header, so a later policy change never alters how an existing settlement
// reads.
type InclusionPolicy struct {
	NoShowEntryFee       bool          `json:"no_show_entry_fee" yaml:"no_show_entry_fee"`
	NoShowTrainerFee     bool          `json:"no_show_trainer_fee" yaml:"no_show_trainer_fee"`
	LateCancelEntryFee   bool          `json:"late_cancel_entry_fee" yaml:"late_cancel_entry_fee"`
	LateCancelTrainerFee bool          `json:"late_cancel_trainer_fee" yaml:"late_cancel_trainer_fee"`
	LateCancelLeadTime   time.Duration `json:"late_cancel_lead_time" yaml:"late_cancel_lead_time"`
}

// DefaultInclusionPolicy charges nothing for no-shows or late cancellations
// and uses the 24h cut-off.
func DefaultInclusionPolicy() InclusionPolicy {
	return InclusionPolicy{LateCancelLeadTime: DefaultLateCancelLeadTime}
}

// Normalize fills in the default lead time.
func (p InclusionPolicy) Normalize() InclusionPolicy {
	if p.LateCancelLeadTime <= 0 {
		p.LateCancelLeadTime = DefaultLateCancelLeadTime
	}
	return p
}

// Charges returns which fee components are billable for an outcome.
func (p InclusionPolicy) Charges(o ItemOutcome) (entry, trainer bool) {
	switch o {
	case OutcomeAttended:
		return true, true
	case OutcomeNoShow:
		return p.NoShowEntryFee, p.NoShowTrainerFee
	case OutcomeLateCancelled:
		return p.LateCancelEntryFee, p.LateCancelTrainerFee
	default:
		return false, false
	}
}

// IsLateCancellation reports whether a cancellation at cancelledAt for a
// session starting at start falls inside the lead time.
func (p InclusionPolicy) IsLateCancellation(start, cancelledAt time.Time) bool {
	return start.Sub(cancelledAt) < p.Normalize().LateCancelLeadTime
}

func (p InclusionPolicy) String() string {
	return fmt.Sprintf("no_show(entry=%t,trainer=%t) late_cancel(entry=%t,trainer=%t,lead=%s)",
		p.NoShowEntryFee, p.NoShowTrainerFee, p.LateCancelEntryFee, p.LateCancelTrainerFee, p.Normalize().LateCancelLeadTime)
}
