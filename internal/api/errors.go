package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/hivehub/internal/auth"
	"github.com/nerrad567/hivehub/internal/device"
	"github.com/nerrad567/hivehub/internal/hub"
	"github.com/nerrad567/hivehub/internal/protocol"
)

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeUnavailable  = "unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	var body protocol.ErrorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="hivehub", Basic realm="hivehub"`)
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// errorStatus maps a domain error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound),
		errors.Is(err, device.ErrNetworkNotFound),
		errors.Is(err, device.ErrCommandNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, device.ErrInvalidDevice),
		errors.Is(err, device.ErrInvalidMessage),
		errors.Is(err, auth.ErrInvalidLogin):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, device.ErrKeyMismatch),
		errors.Is(err, device.ErrNetworkKeyMismatch),
		errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, ErrCodeForbidden
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrUserInactive),
		errors.Is(err, auth.ErrKeyInvalid),
		errors.Is(err, auth.ErrKeyExpired),
		errors.Is(err, auth.ErrKeyRevoked):
		return http.StatusUnauthorized, ErrCodeUnauthorized
	case errors.Is(err, auth.ErrLoginExists):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, hub.ErrClosed),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeDomainError writes err with the status errorStatus assigns to it.
// Internal errors are logged and reported without detail.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status == http.StatusUnauthorized {
		writeUnauthorized(w, err.Error())
		return
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestID(r),
			"error", err,
		)
		writeInternalError(w, "internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}
