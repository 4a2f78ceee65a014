package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if labelsMatch(m, labels) && m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if labelsMatch(m, labels) && m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(metric *dto.Metric, expected map[string]string) bool {
	actual := make(map[string]string, len(metric.GetLabel()))
	for _, lp := range metric.GetLabel() {
		actual[lp.GetName()] = lp.GetValue()
	}
	for k, v := range expected {
		if actual[k] != v {
			return false
		}
	}
	return true
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *Metrics
	m.ObserveLedgerApply("purchase", "applied")
	m.ObserveExpirySweep(3, nil)
	m.ObserveBreakerTransition("payment_gateway", "closed", "open")
	m.ObserveCache("balance", true, nil)
	m.ObserveGateway("create_invoice", time.Now(), nil)
}

func TestObserveExpirySweep(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveExpirySweep(4, nil)
	m.ObserveExpirySweep(0, errors.New("db down"))

	if got := counterValue(t, reg, "open_balance_ledger_sweep_runs_total", map[string]string{"result": "success"}); got != 1 {
		t.Fatalf("expected one successful sweep, got=%v", got)
	}
	if got := counterValue(t, reg, "open_balance_ledger_sweep_runs_total", map[string]string{"result": "error"}); got != 1 {
		t.Fatalf("expected one failed sweep, got=%v", got)
	}
	if got := counterValue(t, reg, "open_balance_ledger_sweep_expired_total", nil); got != 4 {
		t.Fatalf("expected 4 expired, got=%v", got)
	}
}

func TestBreakerTransitionsDriveStateGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveBreakerTransition("payment_gateway", "closed", "open")
	if got := gaugeValue(t, reg, "open_balance_breaker_state", map[string]string{"name": "payment_gateway"}); got != 2 {
		t.Fatalf("expected open state gauge 2, got=%v", got)
	}
	m.ObserveBreakerTransition("payment_gateway", "open", "half_open")
	m.ObserveBreakerTransition("payment_gateway", "half_open", "closed")
	if got := gaugeValue(t, reg, "open_balance_breaker_state", map[string]string{"name": "payment_gateway"}); got != 0 {
		t.Fatalf("expected closed state gauge 0, got=%v", got)
	}
	if got := counterValue(t, reg, "open_balance_breaker_transitions_total", map[string]string{"from": "open", "to": "half_open"}); got != 1 {
		t.Fatalf("expected one half-open transition, got=%v", got)
	}
}

func TestObserveRateLimitAndCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveRateLimit("payment", false, "burst")
	m.ObserveCache("balance", false, errors.New("redis down"))

	if got := counterValue(t, reg, "open_balance_ratelimit_decisions_total", map[string]string{"action": "payment", "result": "rejected", "scope": "burst"}); got != 1 {
		t.Fatalf("expected one rejected decision, got=%v", got)
	}
	if got := counterValue(t, reg, "open_balance_cache_requests_total", map[string]string{"kind": "balance", "result": "error"}); got != 1 {
		t.Fatalf("expected one cache error, got=%v", got)
	}
}
