package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the coordinator's Prometheus instruments. A nil *Metrics
// disables collection, so wiring stays optional exactly like the metrics
// listener itself.
type Metrics struct {
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
	degraded prometheus.Gauge
}

// NewMetrics registers the coordinator instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reloadd_attempts_total",
			Help: "Terminal reload attempt outcomes by artifact kind.",
		}, []string{"outcome", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reloadd_attempt_duration_seconds",
			Help:    "Wall time of reload attempts by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reloadd_attempts_in_flight",
			Help: "Reload attempts currently between Detected and a terminal state.",
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reloadd_degraded_keys",
			Help: "Artifact keys stuck in the operator-fatal state.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.duration, m.inFlight, m.degraded)
	}
	return m
}

func (m *Metrics) observeAttempt(outcome, kind string, seconds float64) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome, kind).Inc()
	m.duration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) inFlightAdd(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}

func (m *Metrics) degradedSet(n int) {
	if m == nil {
		return
	}
	m.degraded.Set(float64(n))
}
