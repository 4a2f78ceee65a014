package server

import (
	"log/slog"

	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wizardbeardstudio/open-balance-go/internal/breaker"
)

// HealthMirror publishes one gRPC health service per circuit breaker. A
// dependency is NOT_SERVING while its breaker is open.
type HealthMirror struct {
	hs     *health.Server
	logger *slog.Logger
}

func NewHealthMirror(hs *health.Server, logger *slog.Logger) *HealthMirror {
	if logger == nil {
		logger = slog.Default()
	}
	hs.SetServingStatus("", healthv1.HealthCheckResponse_SERVING)
	return &HealthMirror{hs: hs, logger: logger}
}

// Track marks dependencies as serving before their breakers see traffic.
func (m *HealthMirror) Track(names ...string) {
	for _, n := range names {
		m.hs.SetServingStatus(n, healthv1.HealthCheckResponse_SERVING)
	}
}

// OnTransition has the breaker.TransitionFunc signature.
func (m *HealthMirror) OnTransition(name string, from, to breaker.State) {
	st := healthv1.HealthCheckResponse_SERVING
	if to == breaker.StateOpen {
		st = healthv1.HealthCheckResponse_NOT_SERVING
	}
	m.hs.SetServingStatus(name, st)
	m.logger.Info("dependency health changed", "dependency", name, "from", from.String(), "to", to.String(), "serving", st.String())
}

// Shutdown flips every service to NOT_SERVING ahead of a graceful stop.
func (m *HealthMirror) Shutdown() {
	m.hs.Shutdown()
}
