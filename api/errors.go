/*
errors.go - Mapping of engine errors to HTTP responses

  400  invalid input, invalid interval, request validation
  404  missing record
  409  conflict, duplicate registration, closed occurrence,
       invalid state transition, empty settlement, lost race
  422  missing pricing, currency mismatch
  423  settlement locked
  500  everything else (details are logged, not returned)

EmptyPeriod is not an error on the wire: generation answers 200 with
"empty": true.
*/
package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/warp/studio-engine/studio"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type errorClass struct {
	target error
	status int
	code   string
}

// Order matters: a TransitionError on a missing record matches both
// ErrNotFound and ErrInvalidStateTransition and is reported as 404.
var errorClasses = []errorClass{
	{studio.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{studio.ErrInvalidInterval, http.StatusBadRequest, "invalid_interval"},
	{studio.ErrNotFound, http.StatusNotFound, "not_found"},
	{studio.ErrSettlementLocked, http.StatusLocked, "settlement_locked"},
	{studio.ErrConflict, http.StatusConflict, "conflict"},
	{studio.ErrAlreadyRegistered, http.StatusConflict, "already_registered"},
	{studio.ErrOccurrenceClosed, http.StatusConflict, "occurrence_closed"},
	{studio.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
	{studio.ErrEmptySettlement, http.StatusConflict, "empty_settlement"},
	{studio.ErrConcurrentModification, http.StatusConflict, "concurrent_modification"},
	{studio.ErrMissingPricing, http.StatusUnprocessableEntity, "missing_pricing"},
	{studio.ErrCurrencyMismatch, http.StatusUnprocessableEntity, "currency_mismatch"},
}

func classify(err error) (int, string) {
	for _, c := range errorClasses {
		if errors.Is(err, c.target) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// writeDomainError maps err to a status and writes it. Internal errors
// are logged with the request id and answered without details.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		writeValidationError(w, ve)
		return
	}

	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.Log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "request_id", requestID(r), "error", err)
		writeJSON(w, status, ErrorResponse{Error: "internal error", Code: code})
		return
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func writeValidationError(w http.ResponseWriter, ve validator.ValidationErrors) {
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fe.Field()] = fe.Tag()
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Code: "validation", Fields: fields})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
