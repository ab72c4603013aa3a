// Package handlers exposes the engine's HTTP action surface: thin
// JSON dispatch over the service layer.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gridbase-io/gridbase-engine/pkg/apperrors"
	"github.com/gridbase-io/gridbase-engine/pkg/sqlsafe"
)

// UserKeyHeader carries the caller's half of the credential encryption
// key. It is never logged and never stored.
const UserKeyHeader = "X-Grid-User-Key"

// ApiResponse is the uniform response envelope.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// ErrorResponse writes a JSON error envelope.
func ErrorResponse(w http.ResponseWriter, status int, code, message string) error {
	return WriteJSON(w, status, ApiResponse{
		Success: false,
		Error:   code,
		Message: message,
	})
}

// ServiceError maps service-layer errors onto HTTP status and error
// codes. Unmapped errors become opaque 500s; their detail belongs in
// logs, not responses.
func ServiceError(w http.ResponseWriter, err error) error {
	var validationErr *sqlsafe.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return ErrorResponse(w, http.StatusBadRequest, "sql_rejected", validationErr.Error())
	case errors.Is(err, apperrors.ErrNotFound):
		return ErrorResponse(w, http.StatusNotFound, "not_found", "Datasource not found")
	case errors.Is(err, apperrors.ErrOrganizationReadOnly):
		return ErrorResponse(w, http.StatusForbidden, "organization_read_only", "Organization datasources cannot be modified")
	case errors.Is(err, apperrors.ErrUserKeyRequired):
		return ErrorResponse(w, http.StatusBadRequest, "user_key_required", "The "+UserKeyHeader+" header is required for this operation")
	case errors.Is(err, apperrors.ErrCredentialsKeyMismatch):
		return ErrorResponse(w, http.StatusForbidden, "credentials_key_mismatch", "Stored credentials do not decrypt under the provided key")
	case errors.Is(err, apperrors.ErrReauthRequired):
		return ErrorResponse(w, http.StatusUnauthorized, "reauth_required", "The warehouse session requires re-authentication")
	case errors.Is(err, apperrors.ErrConflict):
		return ErrorResponse(w, http.StatusConflict, "conflict", "A datasource with this name already exists")
	case errors.Is(err, apperrors.ErrBackendUnavailable):
		return ErrorResponse(w, http.StatusBadRequest, "backend_unavailable", "The requested backend type is not available")
	case errors.Is(err, apperrors.ErrStateExpired):
		return ErrorResponse(w, http.StatusBadRequest, "state_expired", "The authorization flow took too long; start again")
	default:
		return ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Internal error")
	}
}
