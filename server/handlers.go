package server

import (
	"net/http"

	"github.com/crashkill/hub-automation-sub001/plugin"
	"github.com/crashkill/hub-automation-sub001/version"
)

// pluginView is a plugin as listed by the API
type pluginView struct {
	plugin.Metadata
	Pausable bool `json:"pausable"`
}

// schemaView is the form description of one automation type
type schemaView struct {
	Type     string         `json:"type"`
	Schema   plugin.Schema  `json:"schema"`
	Defaults map[string]any `json:"defaults"`
}

// HandleHealth handles GET /health
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	plugins := s.svc.PluginHealth(r.Context())
	healthy := true
	for _, h := range plugins {
		if !h.Healthy {
			healthy = false
			break
		}
	}

	s.mu.RLock()
	clients := len(s.clients)
	s.mu.RUnlock()

	status := "ok"
	if !healthy {
		status = "degraded"
	}
	s.respond(w, r, http.StatusOK, map[string]interface{}{
		"status":  status,
		"version": version.Get(),
		"plugins": plugins,
		"clients": clients,
	})
}

// HandlePlugins handles GET /api/plugins
func (s *Server) HandlePlugins(w http.ResponseWriter, r *http.Request) {
	plugins := s.svc.Plugins()
	out := make([]pluginView, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, pluginView{Metadata: p.Metadata(), Pausable: plugin.CanPause(p)})
	}
	s.respond(w, r, http.StatusOK, out)
}

// HandlePluginSchema handles GET /api/plugins/{type}/schema
func (s *Server) HandlePluginSchema(w http.ResponseWriter, r *http.Request) {
	automationType := r.PathValue("type")
	p, err := s.svc.Plugin(automationType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, schemaView{
		Type:     automationType,
		Schema:   p.GetConfigSchema(),
		Defaults: p.GetDefaultConfig(),
	})
}
