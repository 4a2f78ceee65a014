package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wizardbeardstudio/open-balance-go/internal/breaker"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/clock"
)

// SystemHandler serves liveness and Prometheus metrics outside the API mux.
type SystemHandler struct {
	Version   string
	StartedAt time.Time
	Clock     clock.Clock
	Breakers  *breaker.Registry
	Gatherer  prometheus.Gatherer
}

func (h SystemHandler) Register(mux *http.ServeMux) {
	gatherer := h.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.HandleFunc("/healthz", h.health)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// health always answers 200 while the process is up. Open circuits are
// reported as "degraded" rather than failing the probe.
func (h SystemHandler) health(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	var circuits []breaker.Snapshot
	if h.Breakers != nil {
		circuits = h.Breakers.Snapshots()
		for _, c := range circuits {
			if c.State == breaker.StateOpen.String() {
				status = "degraded"
			}
		}
	}
	resp := map[string]any{"status": status, "version": h.Version, "circuits": circuits}
	if !h.StartedAt.IsZero() {
		resp["uptime_seconds"] = int64(clock.Or(h.Clock).Now().Sub(h.StartedAt).Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}
