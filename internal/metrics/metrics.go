// Package metrics registers the gateway's prometheus collectors,
// mirroring the shape of the teacher's common/metrics.MetricsRecorder
// interface but scoped to this system's own components instead of the
// teacher's channel/user/rate-limit surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "proxyChat request latency by provider and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "status_class"})

	QuotaDebitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_quota_debit_total",
		Help: "Number of quota debits performed.",
	}, []string{"provider"})

	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_anchor_batch_size",
		Help:    "Number of audit records per anchored batch.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})

	AnchorLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_anchor_submit_latency_seconds",
		Help:    "Time spent inside one anchor submission, including chain round trips.",
		Buckets: prometheus.DefBuckets,
	})

	AnchorFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_anchor_failures_total",
		Help: "Number of anchor batch submissions that failed.",
	})

	BudgetUtilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_daily_anchor_budget_utilization_ratio",
		Help: "Fraction of today's anchoring transaction budget consumed so far.",
	})
)

// Register adds all collectors to reg. Called once at startup from
// cmd/gateway.
func Register(reg *prometheus.Registry) {
	reg.MustRegister(
		RequestDuration,
		QuotaDebitTotal,
		BatchSize,
		AnchorLatency,
		AnchorFailuresTotal,
		BudgetUtilization,
	)
}

// ObserveRequest records one completed proxyChat call.
func ObserveRequest(provider, statusClass string, elapsed time.Duration) {
	RequestDuration.WithLabelValues(provider, statusClass).Observe(elapsed.Seconds())
}
