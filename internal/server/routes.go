package server

import (
	"net/http"

	"github.com/ternarybob/crawjud/internal/handlers"
)

const (
	RouteBotLogs = "/ws/bot_logs"
	RouteJobs    = "/api/jobs"
	RouteHealth  = "/api/health"
	RouteFiles   = "/files/"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Room server for progress events and stop requests
	mux.HandleFunc(RouteBotLogs, s.app.RoomHub.HandleWebSocket)

	mux.HandleFunc(RouteHealth, s.app.JobHandler.HealthHandler)
	mux.HandleFunc(RouteJobs, s.app.JobHandler.CreateJobHandler) // POST
	mux.HandleFunc(RouteJobs+"/", s.handleJobRoutes)             // GET /{pid}, POST /{pid}/stop

	// Result archives of the local artifact store
	if dir := s.app.ArtifactDir(); dir != "" {
		mux.Handle(RouteFiles, http.StripPrefix(RouteFiles, http.FileServer(http.Dir(dir))))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteError(w, http.StatusNotFound, "Not found")
	})

	return mux
}

// handleJobRoutes dispatches /api/jobs/{pid} and its sub-resources
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	if RouteByPathSuffix(w, r, RouteJobs+"/", []PathSuffixRouter{
		{Suffix: "/stop", Handler: s.app.JobHandler.StopJobHandler},
	}) {
		return
	}
	RouteByMethod(w, r, MethodRouter{
		http.MethodGet: s.app.JobHandler.GetJobHandler,
	})
}
