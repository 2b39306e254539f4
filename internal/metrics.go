package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "click_debounce"

// Metrics holds the Prometheus collectors for debouncers and dispatches.
// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	triggers         prometheus.Counter
	resets           prometheus.Counter
	fires            prometheus.Counter
	cancels          prometheus.Counter
	pending          prometheus.Gauge
	dispatches       *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
}

// NewMetrics creates collectors registered on their own registry, so several
// servers can coexist in one process.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		triggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "triggers_total",
			Help:      "Number of debounce triggers (clicks).",
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "window_resets_total",
			Help:      "Number of triggers that restarted a pending window.",
		}),
		fires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fires_total",
			Help:      "Number of debounced callbacks invoked.",
		}),
		cancels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "windows_cancelled_total",
			Help:      "Number of pending windows cancelled by stop or teardown.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "armed_debouncers",
			Help:      "Number of debouncers with a window counting down.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatches_total",
			Help:      "Number of dispatched actions by outcome.",
		}, []string{"outcome"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent running a dispatched action.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.triggers,
		m.resets,
		m.fires,
		m.cancels,
		m.pending,
		m.dispatches,
		m.dispatchDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) triggered() {
	if m != nil {
		m.triggers.Inc()
	}
}

func (m *Metrics) windowReset() {
	if m != nil {
		m.resets.Inc()
	}
}

func (m *Metrics) fired() {
	if m != nil {
		m.fires.Inc()
	}
}

func (m *Metrics) cancelled() {
	if m != nil {
		m.cancels.Inc()
	}
}

func (m *Metrics) armed(delta float64) {
	if m != nil {
		m.pending.Add(delta)
	}
}

func (m *Metrics) dispatched(outcome string, seconds float64) {
	if m != nil {
		m.dispatches.WithLabelValues(outcome).Inc()
		m.dispatchDuration.Observe(seconds)
	}
}
