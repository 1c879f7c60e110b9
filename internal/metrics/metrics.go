// Package metrics exposes Prometheus instrumentation for audit runs and
// model calls.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "siteaudit"

// Recorder holds the service's collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer

	audits         *prometheus.CounterVec
	auditDuration  prometheus.Histogram
	modelCalls     *prometheus.CounterVec
	modelRetries   prometheus.Counter
	categoryScores *prometheus.HistogramVec
	collectorFails *prometheus.CounterVec
	activeStreams  prometheus.Gauge
}

// New registers all collectors on reg.
func New(reg *prometheus.Registry) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		gatherer: reg,
		audits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audits_total",
			Help:      "Audit runs by terminal outcome.",
		}, []string{"outcome"}),
		auditDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audit_duration_seconds",
			Help:      "Wall-clock duration of audit runs.",
			Buckets:   []float64{5, 10, 20, 30, 45, 60, 90, 120, 180, 300},
		}),
		modelCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model calls by call site and outcome.",
		}, []string{"site", "outcome"}),
		modelRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_rate_limit_retries_total",
			Help:      "Backoff waits caused by rate-limited model calls.",
		}),
		categoryScores: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "category_score",
			Help:      "Distribution of category scores.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}, []string{"category"}),
		collectorFails: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collector_failures_total",
			Help:      "Non-fatal collector failures by collector.",
		}, []string{"collector"}),
		activeStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Open audit event streams.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *Recorder) AuditFinished(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.audits.WithLabelValues(outcome).Inc()
	r.auditDuration.Observe(d.Seconds())
}

func (r *Recorder) ModelCall(site, outcome string) {
	if r == nil {
		return
	}
	r.modelCalls.WithLabelValues(site, outcome).Inc()
}

func (r *Recorder) ModelRetry() {
	if r == nil {
		return
	}
	r.modelRetries.Inc()
}

func (r *Recorder) CategoryScored(category string, score int) {
	if r == nil {
		return
	}
	r.categoryScores.WithLabelValues(category).Observe(float64(score))
}

func (r *Recorder) CollectorFailed(collector string) {
	if r == nil {
		return
	}
	r.collectorFails.WithLabelValues(collector).Inc()
}

func (r *Recorder) StreamOpened() {
	if r == nil {
		return
	}
	r.activeStreams.Inc()
}

func (r *Recorder) StreamClosed() {
	if r == nil {
		return
	}
	r.activeStreams.Dec()
}
