// Package apierr writes OpenAI-shaped error bodies:
// {"error":{"type":..,"code":..,"message":..}}.
package apierr

import (
	"encoding/json"
	"net/http"
)

const (
	CodeInvalidRequest    = "invalid_request_error"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInsufficientQuota = "insufficient_quota"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeAPIError          = "api_error"
)

type Body struct {
	Error Detail `json:"error"`
}

type Detail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func Write(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Body{Error: Detail{
		Type:    code,
		Code:    code,
		Message: message,
	}})
}
