package server

import (
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/crashkill/hub-automation-sub001/automation"
	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/logger"
	"github.com/crashkill/hub-automation-sub001/pulse/execution"
)

// hookLimiter holds one token bucket per automation. The bucket refills at
// perMinute tokens a minute and holds at most perMinute tokens.
type hookLimiter struct {
	mu        sync.Mutex
	perMinute int
	limiters  map[string]*rate.Limiter
}

func newHookLimiter(perMinute int) *hookLimiter {
	return &hookLimiter{
		perMinute: perMinute,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// allow reports whether automationID may fire now
func (h *hookLimiter) allow(automationID string) bool {
	h.mu.Lock()
	if h.perMinute <= 0 {
		h.mu.Unlock()
		return true
	}
	l, ok := h.limiters[automationID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(h.perMinute)), h.perMinute)
		h.limiters[automationID] = l
	}
	h.mu.Unlock()
	return l.Allow()
}

// setRate changes the limit and resets every bucket
func (h *hookLimiter) setRate(perMinute int) {
	h.mu.Lock()
	h.perMinute = perMinute
	h.limiters = make(map[string]*rate.Limiter)
	h.mu.Unlock()
}

func (h *hookLimiter) limit() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.perMinute
}

// forget drops the bucket of a deleted automation
func (h *hookLimiter) forget(automationID string) {
	h.mu.Lock()
	delete(h.limiters, automationID)
	h.mu.Unlock()
}

// SetWebhookRate changes the per-automation webhook limit, 0 for unlimited
func (s *Server) SetWebhookRate(perMinute int) {
	s.hooks.setRate(perMinute)
	s.logger.Infow("Webhook rate changed", "max_fires_per_minute", perMinute)
}

// HandleWebhook handles POST /hooks/{id}. The body is discarded; the run
// uses the stored parameters and is recorded as triggered by webhook.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logger.WithAutomationID(r.Context(), id)
	r = r.WithContext(ctx)
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, maxBodyBytes))

	// Unknown ids are rejected before a bucket is allocated for them
	if _, err := s.svc.GetByID(ctx, id); err != nil {
		if errors.IsNotFoundError(err) {
			s.hooks.forget(id)
		}
		s.writeError(w, r, err)
		return
	}
	if !s.hooks.allow(id) {
		s.writeError(w, r, errors.WithHintf(
			errors.Wrapf(ErrRateLimited, "webhook for automation %s", id),
			"at most %d fires per minute are accepted", s.hooks.limit()))
		return
	}

	exec, err := s.svc.Start(ctx, id, automation.StartOptions{Trigger: execution.TriggerWebhook})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	logger.FromContext(ctx, s.logger).Infow("Webhook fired",
		logger.FieldExecutionID, exec.ID,
		"remote", r.RemoteAddr)
	s.respond(w, r, http.StatusAccepted, exec)
}
