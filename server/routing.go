package server

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/logger"
)

// Handler returns the routed HTTP handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.HandleHealth)

	mux.HandleFunc("GET /api/plugins", s.HandlePlugins)
	mux.HandleFunc("GET /api/plugins/{type}/schema", s.HandlePluginSchema)

	mux.HandleFunc("GET /api/automations", s.HandleListAutomations)
	mux.HandleFunc("POST /api/automations", s.HandleCreateAutomation)
	mux.HandleFunc("GET /api/automations/{id}", s.HandleGetAutomation)
	mux.HandleFunc("PUT /api/automations/{id}", s.HandleUpdateAutomation)
	mux.HandleFunc("DELETE /api/automations/{id}", s.HandleDeleteAutomation)
	mux.HandleFunc("PUT /api/automations/{id}/definition", s.HandleApplyAutomation)
	mux.HandleFunc("POST /api/automations/{id}/{action}", s.HandleAutomationAction) // start|stop|pause|resume
	mux.HandleFunc("GET /api/automations/{id}/executions", s.HandleAutomationExecutions)
	mux.HandleFunc("GET /api/automations/{id}/metrics", s.HandleAutomationMetrics)
	mux.HandleFunc("GET /api/executions/{id}", s.HandleExecution)

	mux.HandleFunc("POST /hooks/{id}", s.HandleWebhook)
	mux.HandleFunc("GET /ws/events", s.HandleEvents)

	return s.requestMiddleware(s.corsMiddleware(mux))
}

// requestMiddleware tags each request with an id, rejects requests while
// draining and logs the outcome
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(logger.WithRequestID(r.Context(), requestID))

		if s.getState() != ServerStateRunning {
			s.writeError(w, r, errors.Wrap(errors.ErrServiceUnavailable, "server is shutting down"))
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.FromContext(r.Context(), s.logger).Debugw("Request handled",
			"method", r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, rec.status,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	})
}

// corsMiddleware adds CORS headers for configured origins and answers preflights
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin allows requests without an Origin header and origins matching
// a configured prefix. Prefix matching admits any port.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// statusRecorder captures the response status for logging. It forwards
// Hijack so websocket upgrades pass through the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
