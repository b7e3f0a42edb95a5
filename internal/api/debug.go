package api

import (
	"net/http"
	"time"

	"dispatchsim/internal/buildinfo"
)

// DebugInfo handles GET /debug/info
func (s *Server) DebugInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"build":      buildinfo.Info(),
		"time":       time.Now().UTC().Format(time.RFC3339),
		"simulation": s.Clock.State(),
		"planner":    s.Planner.Config().Level,
		"config":     s.Config,
	})
}
