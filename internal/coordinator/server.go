package coordinator

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/fedround/internal/cluster"
)

// HTTP routes served by the coordinator next to the fabric.
const (
	StatusPath   = "/status"
	MetricsPath  = "/metrics"
	ConvergePath = "/control/converge"
)

// RegisterRoutes adds the health, status, metrics and control routes to r.
// gatherer may be nil to leave out /metrics.
func (c *Coordinator) RegisterRoutes(r *mux.Router, gatherer prometheus.Gatherer) {
	r.HandleFunc(cluster.HealthPath, c.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(StatusPath, c.handleStatus).Methods(http.MethodGet)
	r.HandleFunc(ConvergePath, c.handleConverge).Methods(http.MethodPost)
	if gatherer != nil {
		r.Handle(MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

func (c *Coordinator) handleHealth(w http.ResponseWriter, _ *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"rank":   c.fabric.Rank(),
		"phase":  c.phase.Load(),
	})
}

func (c *Coordinator) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, c.Status())
}

func (c *Coordinator) handleConverge(w http.ResponseWriter, _ *http.Request) {
	c.Converge()
	cluster.WriteJSON(w, http.StatusAccepted, map[string]bool{"converging": true})
}
