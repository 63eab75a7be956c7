// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the encounter API.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/afya/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes. Workflow
// refusals are client-resolvable conflicts, never server errors; a storage
// outage is 503 so offline clients know to keep the record and retry.
var statusForCode = map[string]int{
	model.ErrBadRequest:              http.StatusBadRequest,
	model.ErrUnauthorized:            http.StatusUnauthorized,
	model.ErrForbidden:               http.StatusForbidden,
	model.ErrNotFound:                http.StatusNotFound,
	model.ErrConflict:                http.StatusConflict,
	model.ErrValidationError:         http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:       http.StatusUnprocessableEntity,
	model.ErrMissingRequiredFields:   http.StatusUnprocessableEntity,
	model.ErrGuardRejected:           http.StatusConflict,
	model.ErrNotSyncable:             http.StatusConflict,
	model.ErrSchemaError:             http.StatusConflict,
	model.ErrSyncError:               http.StatusBadGateway,
	model.ErrPersistenceUnavailable:  http.StatusServiceUnavailable,
	model.ErrInternalError:           http.StatusInternalServerError,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err is not an *ErrorEnvelope, a generic 500 is returned.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := err.(*model.ErrorEnvelope)
	if !ok {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
