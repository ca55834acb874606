package relay

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type sessionsResponse struct {
	Usernames []string `json:"usernames"`
	Live      int      `json:"live"`
}

// NewRouter mounts the session endpoint at path next to the health, sessions
// and metrics endpoints.
func NewRouter(path string, handler *Handler, manager *Manager, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(path, handler.ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		usernames := manager.Usernames()
		if usernames == nil {
			usernames = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sessionsResponse{Usernames: usernames, Live: manager.Len()})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}
