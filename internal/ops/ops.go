// Package ops builds the gateway's internal-only operations HTTP surface:
// health, Prometheus metrics, read-only backend introspection, and a
// notification self-test route. It is a loopback-only operational surface,
// distinct from the Minecraft-facing listeners.
package ops

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corvus-paas/corvus-gate/internal/backend"
	"github.com/corvus-paas/corvus-gate/internal/metrics"
	"github.com/corvus-paas/corvus-gate/internal/notify"
	"github.com/corvus-paas/corvus-gate/internal/registry"
)

// BackendLister exposes every live backend for read-only introspection.
type BackendLister interface {
	List() []*backend.Backend
}

// Reloader re-reads the registry file and reconciles live listeners/backends
// against it, mirroring the SIGHUP handler's behavior for operators who
// prefer an HTTP trigger.
type Reloader interface {
	Reload() error
}

// ReloaderFunc adapts a plain func() error to a Reloader.
type ReloaderFunc func() error

func (f ReloaderFunc) Reload() error { return f() }

// Dependencies groups everything the ops router needs.
type Dependencies struct {
	Logger   *slog.Logger
	Metrics  *metrics.Collector
	Registry *registry.Loader
	Backends BackendLister
	Notifier *notify.Manager
	Reloader Reloader
}

// NewRouter builds the ops http.Handler. The caller is responsible for
// binding it to a loopback-only address; this package does not enforce that
// itself.
func NewRouter(deps Dependencies) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", handleHealthz)
	router.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))

	router.Route("/debug", func(r chi.Router) {
		r.Get("/backends", handleDebugBackends(deps.Backends))
		r.Post("/notify/test/{channel}", handleNotifyTest(deps.Notifier))
		r.Post("/reload", handleReload(deps.Reloader))
	})

	return router
}

type healthzResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthzResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

type backendView struct {
	Server            string `json:"server"`
	Phase             string `json:"phase"`
	ActiveConnections int    `json:"active_connections"`
}

func handleDebugBackends(backends BackendLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		live := backends.List()
		views := make([]backendView, 0, len(live))
		for _, b := range live {
			views = append(views, backendView{
				Server:            b.Server().Name,
				Phase:             string(b.Phase()),
				ActiveConnections: b.ActiveConnections(),
			})
		}
		writeJSON(w, http.StatusOK, views)
	}
}

type notifyTestResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func handleNotifyTest(notifier *notify.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel := chi.URLParam(r, "channel")
		if err := notifier.Test(channel); err != nil {
			writeJSON(w, http.StatusOK, notifyTestResponse{Success: false, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, notifyTestResponse{Success: true})
	}
}

type reloadResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func handleReload(reloader Reloader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reloader.Reload(); err != nil {
			writeJSON(w, http.StatusOK, reloadResponse{Success: false, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, reloadResponse{Success: true})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
