package server

import (
	"net/http"

	"github.com/crashkill/hub-automation-sub001/automation"
	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/logger"
	"github.com/crashkill/hub-automation-sub001/plugin"
	"github.com/crashkill/hub-automation-sub001/pulse/execution"
)

// defaultExecutionLimit is the page size of the executions listing
const defaultExecutionLimit = 50

// startRequest is the optional body of POST /api/automations/{id}/start
type startRequest struct {
	UserID string `json:"user_id"`
}

// HandleListAutomations handles GET /api/automations?status=&type=
func (s *Server) HandleListAutomations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.svc.List(r.Context(), automation.Filter{
		Status: plugin.Status(q.Get("status")),
		Type:   q.Get("type"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, list)
}

// HandleCreateAutomation handles POST /api/automations
func (s *Server) HandleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var def automation.Definition
	if err := readJSON(r, &def, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.svc.Create(r.Context(), &def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusCreated, a)
}

// HandleGetAutomation handles GET /api/automations/{id}
func (s *Server) HandleGetAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, a)
}

// HandleUpdateAutomation handles PUT /api/automations/{id}. The body is a
// partial update; omitted fields keep their values.
func (s *Server) HandleUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	var u automation.Update
	if err := readJSON(r, &u, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.svc.Update(r.Context(), r.PathValue("id"), u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, a)
}

// HandleApplyAutomation handles PUT /api/automations/{id}/definition. It
// creates the automation or replaces every mutable field of the stored one.
func (s *Server) HandleApplyAutomation(w http.ResponseWriter, r *http.Request) {
	var def automation.Definition
	if err := readJSON(r, &def, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	def.ID = r.PathValue("id")
	a, err := s.svc.Upsert(r.Context(), &def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, a)
}

// HandleDeleteAutomation handles DELETE /api/automations/{id}
func (s *Server) HandleDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAutomationAction handles POST /api/automations/{id}/{action}
// for start, stop, pause and resume
func (s *Server) HandleAutomationAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action := r.PathValue("action")
	ctx := logger.WithAutomationID(r.Context(), id)

	var (
		exec   *execution.Execution
		err    error
		status = http.StatusOK
	)
	switch action {
	case "start":
		var req startRequest
		if err = readJSON(r, &req, true); err != nil {
			break
		}
		exec, err = s.svc.Start(ctx, id, automation.StartOptions{
			Trigger: execution.TriggerAPI,
			UserID:  req.UserID,
		})
		status = http.StatusAccepted
	case "stop":
		exec, err = s.svc.Stop(ctx, id)
	case "pause":
		exec, err = s.svc.Pause(ctx, id)
	case "resume":
		exec, err = s.svc.Resume(ctx, id)
	default:
		err = errors.NewNotFoundError("action", action)
	}
	if err != nil {
		s.writeError(w, r.WithContext(ctx), err)
		return
	}

	logger.FromContext(ctx, s.logger).Infow("Automation "+action,
		logger.FieldExecutionID, exec.ID,
		logger.FieldStatus, exec.Status)
	s.respond(w, r, status, exec)
}

// HandleAutomationExecutions handles GET /api/automations/{id}/executions?limit=
func (s *Server) HandleAutomationExecutions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultExecutionLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	execs, err := s.svc.Executions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if execs == nil {
		execs = []*execution.Execution{}
	}
	s.respond(w, r, http.StatusOK, execs)
}

// HandleAutomationMetrics handles GET /api/automations/{id}/metrics
func (s *Server) HandleAutomationMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Metrics(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, snap)
}

// HandleExecution handles GET /api/executions/{id}
func (s *Server) HandleExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.svc.Execution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, exec)
}
