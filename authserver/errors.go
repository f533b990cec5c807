package authserver

import (
	"encoding/json"
	"net/http"
)

// OAuth 2.0 error codes used by this server.
const (
	errInvalidRequest          = "invalid_request"
	errInvalidClient           = "invalid_client"
	errInvalidGrant            = "invalid_grant"
	errUnauthorizedClient      = "unauthorized_client"
	errUnsupportedGrantType    = "unsupported_grant_type"
	errUnsupportedResponseType = "unsupported_response_type"
	errServerError             = "server_error"
)

// flowError is a typed validation failure threaded through the endpoint
// pipelines so every exit point carries a specific machine-readable code.
type flowError struct {
	status      int
	code        string
	description string
}

func (e *flowError) Error() string {
	return e.code + ": " + e.description
}

func failRequest(code, description string) *flowError {
	return &flowError{status: http.StatusBadRequest, code: code, description: description}
}

func failClient(description string) *flowError {
	return &flowError{status: http.StatusUnauthorized, code: errInvalidClient, description: description}
}

// writeJSONError renders a flowError as the standard OAuth JSON error body.
func writeJSONError(w http.ResponseWriter, ferr *flowError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(ferr.status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             ferr.code,
		"error_description": ferr.description,
	})
}
