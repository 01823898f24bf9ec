package proxy

import (
	"encoding/json"
	"net/http"
)

// Error envelope types, matching the provider error dialects so the agent
// runtime handles gateway rejections and provider errors on one code path.
const (
	typeAuthentication = "authentication_error"
	typePermission     = "permission_error"
	typeRateLimit      = "rate_limit_error"
	typeInvalidRequest = "invalid_request_error"
	typeAPIError       = "api_error"
)

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// writeError emits the uniform rejection envelope. Rate-limit headers, when
// required, are set by the caller before this runs.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorBody{Message: message, Type: errType},
	})
}
