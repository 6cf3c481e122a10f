// Package server provides the HTTP control surface for discovery and monitoring runs.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/pharma-watch/internal/engine"
	"github.com/jonathan/pharma-watch/internal/tracker"
)

// ErrValidation indicates a malformed request parameter or body.
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrNotFound indicates a missing resource.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// HTTPStatus returns the appropriate HTTP status code for an error.
func HTTPStatus(err error) int {
	var (
		conflict   *tracker.ConflictError
		notFound   *tracker.NotFoundError
		state      *tracker.StateError
		invalid    *engine.InvalidParamsError
		validation *ErrValidation
		missing    *ErrNotFound
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &conflict), errors.As(err, &state):
		return http.StatusConflict
	case errors.As(err, &notFound), errors.As(err, &missing):
		return http.StatusNotFound
	case errors.As(err, &invalid), errors.As(err, &validation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
