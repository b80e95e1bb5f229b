/*
lifecycle.go - Settlement state transitions

STATE MACHINE:
  draft ──Finalize──► finalized ──MarkPaid──► paid

  draft:      Items may be removed, the whole draft may be deleted or
              regenerated. Nothing has been communicated yet.
  finalized:  Locked. Totals and items are frozen; the instructor has
              been told what they will be paid.
  paid:       Locked. Carries the payment timestamp and reference.

  Transitions are strict: repeating one (finalizing a finalized
  settlement) is a TransitionError, not a silent success.

LOCKING:
  Every mutation other than the forward transitions checks the status
  inside the same transaction as the write and returns a
  SettlementLockedError outside draft. Items are never edited in place
  in any state.

RELEASING SESSIONS:
  Deleting a draft or removing one of its items frees the underlying
  sessions; the next generation for that period picks them up again.
*/
package studio

import (
	"context"
	"strings"

	"github.com/warp/studio-engine/logger"
)

type SettlementLifecycle struct {
	Store     TxStore
	Generator *SettlementGenerator // required by Regenerate
	Publisher Publisher            // optional
	Log       *logger.Logger
	Now       Clock
}

// Get returns a settlement with its items.
func (l *SettlementLifecycle) Get(ctx context.Context, id SettlementID) (Settlement, error) {
	return l.Store.GetSettlement(ctx, id)
}

// List returns settlement headers with items, newest period first.
func (l *SettlementLifecycle) List(ctx context.Context, f SettlementFilter) ([]Settlement, error) {
	return l.Store.ListSettlements(ctx, f)
}

// Finalize locks a draft. An empty draft cannot be finalized.
func (l *SettlementLifecycle) Finalize(ctx context.Context, id SettlementID) (Settlement, error) {
	now := l.Now.now()
	s, err := l.transition(ctx, id, SettlementDraft, SettlementFinalized, func(s *Settlement) error {
		if len(s.Items) == 0 {
			return ErrEmptySettlement
		}
		s.FinalizedAt = &now
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}

	log := logOrDiscard(l.Log)
	log.Info("Settlement finalized",
		"id", id,
		"instructor_id", s.InstructorID,
		"items", len(s.Items),
		"total_trainer_fee", s.TotalTrainerFee.String(),
	)
	publishAll(ctx, l.Publisher, log, []Event{
		newEvent(EventSettlementFinalized, string(id), now, settlementPayload(s)),
	})
	return s, nil
}

// MarkPaid records the payout of a finalized settlement.
func (l *SettlementLifecycle) MarkPaid(ctx context.Context, id SettlementID, paymentRef string) (Settlement, error) {
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return Settlement{}, invalidInput("payment reference is required")
	}
	now := l.Now.now()
	s, err := l.transition(ctx, id, SettlementFinalized, SettlementPaid, func(s *Settlement) error {
		s.PaidAt = &now
		s.PaymentRef = paymentRef
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}

	log := logOrDiscard(l.Log)
	log.Info("Settlement paid", "id", id, "payment_ref", paymentRef)
	publishAll(ctx, l.Publisher, log, []Event{
		newEvent(EventSettlementPaid, string(id), now, settlementPayload(s)),
	})
	return s, nil
}

// DeleteDraft removes a draft and releases its sessions.
func (l *SettlementLifecycle) DeleteDraft(ctx context.Context, id SettlementID) error {
	err := l.Store.WithTx(ctx, func(tx Store) error {
		s, err := tx.GetSettlement(ctx, id)
		if err != nil {
			return err
		}
		if s.Status != SettlementDraft {
			return &SettlementLockedError{SettlementID: id, Status: s.Status, Operation: "delete"}
		}
		return tx.DeleteSettlement(ctx, id)
	})
	if err != nil {
		return err
	}
	logOrDiscard(l.Log).Info("Draft settlement deleted", "id", id)
	return nil
}

// RemoveItem drops one line from a draft and recomputes the totals.
func (l *SettlementLifecycle) RemoveItem(ctx context.Context, id SettlementID, itemID SettlementItemID) (Settlement, error) {
	var out Settlement
	err := l.Store.WithTx(ctx, func(tx Store) error {
		s, err := tx.GetSettlement(ctx, id)
		if err != nil {
			return err
		}
		if s.Status != SettlementDraft {
			return &SettlementLockedError{SettlementID: id, Status: s.Status, Operation: "remove item"}
		}
		kept := s.Items[:0:0]
		found := false
		for _, it := range s.Items {
			if it.ID == itemID {
				found = true
				continue
			}
			kept = append(kept, it)
		}
		if !found {
			return notFound("settlement item", string(itemID))
		}
		if err := tx.DeleteSettlementItem(ctx, id, itemID); err != nil {
			return err
		}
		s.Items = kept
		s.recomputeTotals()
		if len(kept) == 0 {
			s.Currency = ""
		}
		out = s
		return tx.UpdateSettlementHeader(ctx, s)
	})
	if err != nil {
		return Settlement{}, err
	}
	logOrDiscard(l.Log).Info("Settlement item removed", "id", id, "item_id", itemID, "remaining", len(out.Items))
	return out, nil
}

// Regenerate replaces a draft with a fresh generation over the same
// instructor and period. The old draft is deleted and the new one
// inserted in one transaction, so its sessions are never settled twice
// and never left unsettled by a failure halfway. A nil policy reuses the
// draft's policy snapshot. When no session can be priced any more the
// transaction is rolled back, the draft is kept and the first
// MissingPricingError is returned.
func (l *SettlementLifecycle) Regenerate(ctx context.Context, id SettlementID, policy *InclusionPolicy) (*GenerationResult, error) {
	if l.Generator == nil {
		return nil, invalidInput("regenerate requires a settlement generator")
	}
	var res *GenerationResult
	err := l.Store.WithTx(ctx, func(tx Store) error {
		old, err := tx.GetSettlement(ctx, id)
		if err != nil {
			return err
		}
		if old.Status != SettlementDraft {
			return &SettlementLockedError{SettlementID: id, Status: old.Status, Operation: "regenerate"}
		}
		if err := tx.DeleteSettlement(ctx, id); err != nil {
			return err
		}
		p := old.Policy
		if policy != nil {
			p = *policy
		}
		res, err = l.Generator.generateTx(ctx, tx, GenerateRequest{
			InstructorID: old.InstructorID,
			Period:       old.Period(),
			Policy:       &p,
		})
		if err != nil {
			return err
		}
		// Nothing priced: keep the old draft.
		if res.Settlement == nil && len(res.MissingPricing) > 0 {
			missing := res.MissingPricing[0]
			return &missing
		}
		return nil
	})
	if err != nil {
		logOrDiscard(l.Log).Warn("Settlement regeneration failed", "id", id, "error", err)
		return nil, err
	}
	attrs := []any{"replaced_id", id, "missing_pricing", len(res.MissingPricing)}
	if res.Settlement != nil {
		attrs = append(attrs, "id", res.Settlement.ID, "items", len(res.Settlement.Items))
	}
	logOrDiscard(l.Log).Info("Settlement regenerated", attrs...)
	return res, nil
}

// transition applies a forward status change after checking the current
// status. mutate may reject the change or stamp timestamps.
func (l *SettlementLifecycle) transition(ctx context.Context, id SettlementID, from, to SettlementStatus, mutate func(*Settlement) error) (Settlement, error) {
	var out Settlement
	err := l.Store.WithTx(ctx, func(tx Store) error {
		s, err := tx.GetSettlement(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				return &TransitionError{Entity: "settlement", ID: string(id), To: string(to), Cause: err}
			}
			return err
		}
		if s.Status != from {
			return &TransitionError{Entity: "settlement", ID: string(id), From: string(s.Status), To: string(to)}
		}
		if err := mutate(&s); err != nil {
			return err
		}
		s.Status = to
		out = s
		return tx.UpdateSettlementHeader(ctx, s)
	})
	return out, err
}
