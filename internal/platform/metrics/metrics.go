package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "open_balance"

// Metrics is safe to use as a nil pointer; every Observe method is then a no-op.
type Metrics struct {
	ledgerApplies      *prometheus.CounterVec
	ledgerTransitions  *prometheus.CounterVec
	sweepRunsTotal     *prometheus.CounterVec
	sweepExpiredTotal  prometheus.Counter
	sweepLastExpired   prometheus.Gauge
	sweepLastRunUnix   prometheus.Gauge
	webhookRequests    *prometheus.CounterVec
	rateLimitDecisions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec
	cacheRequests      *prometheus.CounterVec
	gatewayRequests    *prometheus.CounterVec
	gatewayLatency     *prometheus.HistogramVec
	notificationsTotal *prometheus.CounterVec
	purchasesTotal     *prometheus.CounterVec
}

// NewMetrics registers all collectors on reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ledgerApplies: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "apply_total",
				Help:      "Ledger apply calls partitioned by transaction type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		ledgerTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "transitions_total",
				Help:      "Transaction status transitions by target status.",
			},
			[]string{"status"},
		),
		sweepRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger_sweep",
				Name:      "runs_total",
				Help:      "Pending transaction expiry sweeps partitioned by result.",
			},
			[]string{"result"},
		),
		sweepExpiredTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger_sweep",
				Name:      "expired_total",
				Help:      "Total number of pending transactions expired by the sweep.",
			},
		),
		sweepLastExpired: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ledger_sweep",
				Name:      "last_expired",
				Help:      "Number of transactions expired in the most recent sweep.",
			},
		),
		sweepLastRunUnix: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ledger_sweep",
				Name:      "last_run_unix",
				Help:      "Unix time of the most recent sweep.",
			},
		),
		webhookRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "requests_total",
				Help:      "Payment webhook deliveries by outcome.",
			},
			[]string{"outcome"},
		),
		rateLimitDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Rate limit decisions by action, result and rejecting scope.",
			},
			[]string{"action", "result", "scope"},
		),
		breakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit state per dependency: 0 closed, 1 half open, 2 open.",
			},
			[]string{"name"},
		),
		breakerTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Circuit state transitions per dependency.",
			},
			[]string{"name", "from", "to"},
		),
		breakerRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "rejections_total",
				Help:      "Calls rejected without reaching the dependency.",
			},
			[]string{"name"},
		),
		cacheRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "requests_total",
				Help:      "Cache lookups by entry kind and result.",
			},
			[]string{"kind", "result"},
		),
		gatewayRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Payment gateway calls by operation and result.",
			},
			[]string{"op", "result"},
		),
		gatewayLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Payment gateway call latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		notificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "messages_total",
				Help:      "User notifications by result.",
			},
			[]string{"result"},
		),
		purchasesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "purchase",
				Name:      "requests_total",
				Help:      "Purchase and recharge requests by channel and outcome.",
			},
			[]string{"channel", "outcome"},
		),
	}
}

func (m *Metrics) ObserveLedgerApply(txType, outcome string) {
	if m == nil {
		return
	}
	m.ledgerApplies.WithLabelValues(txType, outcome).Inc()
}

func (m *Metrics) ObserveLedgerTransition(status string) {
	if m == nil {
		return
	}
	m.ledgerTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveExpirySweep(expired int64, err error) {
	if m == nil {
		return
	}
	m.sweepLastRunUnix.Set(float64(time.Now().UTC().Unix()))
	m.sweepLastExpired.Set(float64(expired))
	if err != nil {
		m.sweepRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.sweepRunsTotal.WithLabelValues("success").Inc()
	if expired > 0 {
		m.sweepExpiredTotal.Add(float64(expired))
	}
}

func (m *Metrics) ObserveWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhookRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRateLimit(action string, allowed bool, scope string) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	m.rateLimitDecisions.WithLabelValues(action, result, scope).Inc()
}

func (m *Metrics) ObserveBreakerTransition(name, from, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(name, from, to).Inc()
	m.breakerState.WithLabelValues(name).Set(breakerStateValue(to))
}

func (m *Metrics) ObserveBreakerRejection(name string) {
	if m == nil {
		return
	}
	m.breakerRejections.WithLabelValues(name).Inc()
}

func breakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}

func (m *Metrics) ObserveCache(kind string, hit bool, err error) {
	if m == nil {
		return
	}
	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case hit:
		result = "hit"
	}
	m.cacheRequests.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveGateway(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayRequests.WithLabelValues(op, result).Inc()
	m.gatewayLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObserveNotification(err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "error"
	}
	m.notificationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePurchase(channel, outcome string) {
	if m == nil {
		return
	}
	m.purchasesTotal.WithLabelValues(channel, outcome).Inc()
}
