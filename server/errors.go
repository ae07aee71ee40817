package server

import (
	"net/http"

	"github.com/crashkill/hub-automation-sub001/errors"
)

// Sentinel errors owned by the HTTP surface
var (
	// ErrRateLimited indicates the webhook fired more often than allowed
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrMaxClients indicates the event stream connection limit was reached
	ErrMaxClients = errors.New("too many event stream clients")
)

// kindOf extends errors.Kind with the server's own sentinels
func kindOf(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrMaxClients), errors.Is(err, errors.ErrServiceUnavailable):
		return "unavailable"
	default:
		return errors.Kind(err)
	}
}

// statusFor maps an error to its HTTP status code
func statusFor(err error) int {
	switch kindOf(err) {
	case "config_validation", "invalid_request":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "already_running", "in_use", "duplicate_type":
		return http.StatusConflict
	case "unsupported_operation", "missing_secret":
		return http.StatusUnprocessableEntity
	case "rate_limited":
		return http.StatusTooManyRequests
	case "unavailable":
		return http.StatusServiceUnavailable
	case "plugin_timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
