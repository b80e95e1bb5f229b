/*
errors.go - Centralized error types for the studio engine

PURPOSE:
  All error types in one place so the HTTP layer (and any other caller)
  can classify failures with errors.Is / errors.As instead of matching
  strings.

ERROR TAXONOMY:
  Conflict                - collision detected; user-correctable, no retry
  InvalidStateTransition  - terminal or absent record; surfaced, not retried
  MissingPricing          - configuration gap; collected, generation continues
  EmptyPeriod             - nothing eligible; informational
  SettlementLocked        - mutation of a finalized/paid settlement; rejected
  ConcurrentModification  - lost a race at commit time; safe to retry

  Infrastructure errors (database, broker) are wrapped with %w and passed
  through untouched. The core never swallows them and never retries them.

SEE ALSO:
  - api/errors.go: Maps these errors to HTTP status codes
*/
package studio

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrConflict               = errors.New("scheduling conflict")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrMissingPricing         = errors.New("missing pricing")
	ErrEmptyPeriod            = errors.New("no eligible sessions in period")
	ErrSettlementLocked       = errors.New("settlement is locked")
	ErrNotFound               = errors.New("not found")
	ErrAlreadyRegistered      = errors.New("client already registered for occurrence")
	ErrOccurrenceClosed       = errors.New("occurrence is not open for registration")
	ErrCurrencyMismatch       = errors.New("currency mismatch within settlement")
	ErrEmptySettlement        = errors.New("settlement has no items")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrInvalidInterval        = errors.New("invalid interval: end must be after start")
	ErrInvalidInput           = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConflictError reports the existing session a request collides with.
type ConflictError struct {
	With       SessionRef
	Dimensions []string // "resource", "instructor"
	Existing   Interval
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicts with %s on %s %s",
		e.With, strings.Join(e.Dimensions, "+"), e.Existing)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// TransitionError reports an illegal state change. Cause is set when the
// record does not exist, so callers can also match ErrNotFound.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
	Cause  error
}

func (e *TransitionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: cannot transition to %s: %v", e.Entity, e.ID, e.To, e.Cause)
	}
	return fmt.Sprintf("%s %s: cannot transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrInvalidStateTransition, e.Cause}
	}
	return []error{ErrInvalidStateTransition}
}

// MissingPricingError is one actionable (client, target) pricing gap.
type MissingPricingError struct {
	ClientID     ClientID
	TemplateID   TemplateID
	OccurrenceID OccurrenceID
	Session      SessionRef
	At           time.Time
}

func (e *MissingPricingError) Error() string {
	target := "template " + string(e.TemplateID)
	if e.OccurrenceID != "" {
		target = "occurrence " + string(e.OccurrenceID) + " (" + target + ")"
	}
	return fmt.Sprintf("no price for client %s on %s at %s",
		e.ClientID, target, e.At.UTC().Format(time.RFC3339))
}

func (e *MissingPricingError) Unwrap() error { return ErrMissingPricing }

// SettlementLockedError reports an attempted mutation of a settlement
// that has left the draft state.
type SettlementLockedError struct {
	SettlementID SettlementID
	Status       SettlementStatus
	Operation    string
}

func (e *SettlementLockedError) Error() string {
	return fmt.Sprintf("settlement %s is %s: %s not permitted", e.SettlementID, e.Status, e.Operation)
}

func (e *SettlementLockedError) Unwrap() error { return ErrSettlementLocked }

// DuplicateRegistrationError carries the registration the client already holds.
type DuplicateRegistrationError struct {
	OccurrenceID OccurrenceID
	ClientID     ClientID
	Existing     RegistrationID
	Status       RegistrationStatus
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("client %s already holds %s registration %s for occurrence %s",
		e.ClientID, e.Status, e.Existing, e.OccurrenceID)
}

func (e *DuplicateRegistrationError) Unwrap() error { return ErrAlreadyRegistered }

// CurrencyMismatchError reports a settlement that would mix currencies.
type CurrencyMismatchError struct {
	Expected string
	Got      string
	Session  SessionRef
}

func (e *CurrencyMismatchError) Error() string {
	return fmt.Sprintf("session %s priced in %s, settlement is in %s", e.Session, e.Got, e.Expected)
}

func (e *CurrencyMismatchError) Unwrap() error { return ErrCurrencyMismatch }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is a logic or input failure that
// retrying cannot fix.
func IsClientError(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrAlreadyRegistered) ||
		errors.Is(err, ErrOccurrenceClosed) ||
		errors.Is(err, ErrSettlementLocked) ||
		errors.Is(err, ErrMissingPricing) ||
		errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrEmptySettlement) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func notFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

// NotFoundError builds a wrapped ErrNotFound. Stores use it so every
// implementation reports missing rows identically.
func NotFoundError(entity, id string) error { return notFound(entity, id) }

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
