package worker

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/fedround/internal/cluster"
)

// RegisterRoutes adds /health, /status and, when gatherer is not nil,
// /metrics to r. A worker that has shut down answers /health with 503.
func (w *Worker) RegisterRoutes(r *mux.Router, gatherer prometheus.Gatherer) {
	r.HandleFunc(cluster.HealthPath, func(rw http.ResponseWriter, _ *http.Request) {
		code := http.StatusOK
		if w.State() == StateShutdown {
			code = http.StatusServiceUnavailable
		}
		cluster.WriteJSON(rw, code, map[string]any{
			"rank":  w.fabric.Rank(),
			"state": w.State().String(),
		})
	}).Methods(http.MethodGet)
	r.HandleFunc("/status", func(rw http.ResponseWriter, _ *http.Request) {
		cluster.WriteJSON(rw, http.StatusOK, w.Status())
	}).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}
