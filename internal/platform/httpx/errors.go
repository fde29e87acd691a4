// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/shared"
)

// Sentinel errors for the HTTP layer.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var transportErr *agora.TransportError
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case shared.IsIntegrity(err):
		Problem(w, http.StatusConflict, "Integrity Violation", err.Error())
	case shared.IsDuplicate(err):
		Problem(w, http.StatusConflict, "Duplicate Configuration", err.Error())
	case errors.Is(err, shared.ErrLocked):
		Problem(w, http.StatusConflict, "Sync In Progress", err.Error())
	case shared.IsConfiguration(err):
		Problem(w, http.StatusBadRequest, "Configuration Error", err.Error())
	case errors.Is(err, shared.ErrValidation), errors.Is(err, ErrBadRequest):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.As(err, &transportErr):
		Problem(w, http.StatusBadGateway, "POS Unreachable", transportErr.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
