// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
)

// Extender is implemented by errors that carry machine-readable problem fields.
type Extender interface {
	ProblemFields() map[string]any
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var extra map[string]any
	var ext Extender
	if errors.As(err, &ext) {
		extra = ext.ProblemFields()
	}
	switch {
	case errors.Is(err, shared.ErrNotFound):
		problem(w, http.StatusNotFound, "Not Found", err.Error(), extra)
	case errors.Is(err, shared.ErrValidation):
		problem(w, http.StatusBadRequest, "Validation Failed", err.Error(), extra)
	case errors.Is(err, shared.ErrPolicyViolation):
		problem(w, http.StatusUnprocessableEntity, "Policy Violation", err.Error(), extra)
	case errors.Is(err, shared.ErrConflict):
		problem(w, http.StatusConflict, "Conflict", err.Error(), extra)
	case errors.Is(err, shared.ErrUnauthenticated):
		problem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), nil)
	case errors.Is(err, shared.ErrUpstream):
		problem(w, http.StatusBadGateway, "Upstream Failure", shared.UserSafeMessage(err), nil)
	default:
		problem(w, http.StatusInternalServerError, "Internal Error", "", nil)
	}
}

// ValidationProblem reports field level validation failures.
func ValidationProblem(w http.ResponseWriter, fields map[string]string) {
	JSON(w, http.StatusBadRequest, ProblemDetail{
		Title:  "Validation Failed",
		Status: http.StatusBadRequest,
		Errors: fields,
	})
}
