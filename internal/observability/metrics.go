package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the task kernel.
type Metrics struct {
	TaskEvents      *prometheus.CounterVec
	ClaimConflicts  prometheus.Counter
	ActiveWorkers   prometheus.Gauge
	StepLatency     prometheus.Histogram
	GuardRejections *prometheus.CounterVec
	LedgerCostUSD   prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		ClaimConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_conflicts_total",
			Help:      "Claim attempts that found nothing eligible.",
		}),
		ActiveWorkers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently driving a task.",
		}),
		StepLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_latency_ms",
			Help:      "Step execution latency in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
		}),
		GuardRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_rejections_total",
			Help:      "Rate/Cost Guard rejections by reason.",
		}, []string{"reason"}),
		LedgerCostUSD: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_cost_usd_total",
			Help:      "Accumulated external-call cost in USD.",
		}),
	}
}

func (m *Metrics) ObserveTaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveStepLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.StepLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveGuardRejection(reason string) {
	if m == nil {
		return
	}
	m.GuardRejections.WithLabelValues(reason).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
