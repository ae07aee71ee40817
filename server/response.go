package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/logger"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// errorResponse is the body of every failed request
type errorResponse struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind"`
	Details []string `json:"details,omitempty"`
	Hint    string   `json:"hint,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes err as a JSON error with the status its kind maps to
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{
		Error:   err.Error(),
		Kind:    kindOf(err),
		Details: errors.ValidationMessages(err),
		Hint:    errors.FlattenHints(err),
	}
	if resp.Details != nil {
		resp.Error = errors.ErrConfigValidation.Error()
	}

	log := logger.FromContext(r.Context(), s.logger)
	if status >= http.StatusInternalServerError {
		log.Errorw("Request failed",
			"method", r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldError, err)
	} else {
		log.Debugw("Request rejected",
			"method", r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldErrorKind, resp.Kind,
			logger.FieldError, err)
	}

	if encErr := writeJSON(w, status, resp); encErr != nil {
		log.Warnw("Failed to write error response", logger.FieldError, encErr)
	}
}

// respond writes data, logging encode failures
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	if err := writeJSON(w, status, data); err != nil {
		logger.FromContext(r.Context(), s.logger).Warnw("Failed to write response",
			logger.FieldPath, r.URL.Path,
			logger.FieldError, err)
	}
}

// readJSON decodes a JSON request body into v. An empty body leaves v
// untouched when optional is true.
func readJSON(r *http.Request, v interface{}, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return errors.NewInvalidRequestError("invalid request body: %v", err)
	}
	return nil
}

// queryInt parses an optional positive integer query parameter
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.NewInvalidRequestError("%s must be a positive integer, got %q", name, raw)
	}
	return n, nil
}
