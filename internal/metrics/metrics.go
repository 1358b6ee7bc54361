package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	changes     *prometheus.CounterVec
	refusals    *prometheus.CounterVec
	sweeps      prometheus.Counter
	sweepErrors prometheus.Counter
	published   *prometheus.CounterVec
	webhooks    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "experimenter",
			Name:      "lifecycle_changes_total",
			Help:      "Lifecycle changes applied, by changelog kind.",
		}, []string{"kind"}),
		refusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "experimenter",
			Name:      "update_refusals_total",
			Help:      "Experiment updates refused, by reason.",
		}, []string{"reason"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "experimenter",
			Subsystem: "publisher",
			Name:      "sweeps_total",
			Help:      "Publisher sweeps run.",
		}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "experimenter",
			Subsystem: "publisher",
			Name:      "sweep_errors_total",
			Help:      "Publisher sweeps that failed.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "experimenter",
			Subsystem: "publisher",
			Name:      "changes_total",
			Help:      "Experiments moved by the publisher, by action.",
		}, []string{"action"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "experimenter",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.changes, m.refusals, m.sweeps, m.sweepErrors, m.published, m.webhooks,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) Change(kind string) {
	if m == nil {
		return
	}
	m.changes.WithLabelValues(kind).Inc()
}

func (m *Metrics) Refusal(reason string) {
	if m == nil {
		return
	}
	m.refusals.WithLabelValues(reason).Inc()
}

func (m *Metrics) Sweep(err error) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	if err != nil {
		m.sweepErrors.Inc()
	}
}

func (m *Metrics) Published(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.published.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) Webhook(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.webhooks.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
