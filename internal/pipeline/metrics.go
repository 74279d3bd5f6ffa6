package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are optional; a nil *Metrics records nothing.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	resultsTotal  *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	activeWorkers prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cutout_pipeline_stage_duration_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		resultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutout_pipeline_results_total",
			Help: "Pipeline invocations by outcome.",
		}, []string{"outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutout_cache_lookups_total",
			Help: "Result cache lookups by result.",
		}, []string{"result"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cutout_pipeline_active_workers",
			Help: "Pipeline worker slots currently in use.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.stageDuration, m.resultsTotal, m.cacheLookups, m.activeWorkers)
	}
	return m
}

func (m *Metrics) observeStage(stage string, started time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

func (m *Metrics) result(outcome string) {
	if m == nil {
		return
	}
	m.resultsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) workerAcquired() {
	if m != nil {
		m.activeWorkers.Inc()
	}
}

func (m *Metrics) workerReleased() {
	if m != nil {
		m.activeWorkers.Dec()
	}
}
