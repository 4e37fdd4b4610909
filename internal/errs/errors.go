// Package errs defines the error kinds shared by the relay, the lobby matcher
// and the HTTP API. Callers classify errors with errors.Is.
package errs

import (
	"errors"
	"net/http"
)

type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrValidation             = Error("validation failed")
	ErrMalformedPayload       = Error("malformed payload")
	ErrNotFound               = Error("not found")
	ErrLobbyFull              = Error("lobby is full")
	ErrPersistenceUnavailable = Error("persistence unavailable")
	ErrSessionClosed          = Error("session closed")
)

// HTTPStatus maps an error onto the status code the lobby API responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, ErrLobbyFull):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
