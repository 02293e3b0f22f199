// Package metrics exposes pipeline counters and gauges for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notifyd"

// Metrics owns a private registry so several pipelines (tests, relays) can
// coexist in one process. A nil *Metrics is a valid no-op.
type Metrics struct {
	reg *prometheus.Registry

	ingested  *prometheus.CounterVec
	released  prometheus.Counter
	decisions *prometheus.CounterVec
	desktop   *prometheus.CounterVec
	visible   prometheus.Gauge
	queued    prometheus.Gauge
	groups    prometheus.Gauge
	leader    prometheus.Gauge
	busDrops  prometheus.Gauge
}

// New registers every collector. withRuntime adds the Go and process
// collectors.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_ingested_total",
			Help: "Raw events received, by source and result.",
		}, []string{"source", "result"}),
		released: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batcher_released_total",
			Help: "Notifications released by the micro-batcher.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "leader_decisions_total",
			Help: "WhatsApp delivery decisions, by outcome and reason.",
		}, []string{"outcome", "reason"}),
		desktop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "desktop_notifications_total",
			Help: "Desktop notification attempts, by result.",
		}, []string{"result"}),
		visible: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "visible_notifications",
			Help: "Notifications in the visible window.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queued_notifications",
			Help: "Notifications waiting for a visible slot.",
		}),
		groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_groups",
			Help: "WhatsApp conversations with a live grouped notification.",
		}),
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "leader",
			Help: "1 while this participant is the leader.",
		}),
		busDrops: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "eventbus_dropped",
			Help: "Events dropped by slow event bus subscribers.",
		}),
	}
	reg.MustRegister(m.ingested, m.released, m.decisions, m.desktop,
		m.visible, m.queued, m.groups, m.leader, m.busDrops)
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Ingested(source, result string) {
	if m != nil {
		m.ingested.WithLabelValues(source, result).Inc()
	}
}

func (m *Metrics) Released() {
	if m != nil {
		m.released.Inc()
	}
}

func (m *Metrics) Decision(outcome, reason string) {
	if m != nil {
		m.decisions.WithLabelValues(outcome, reason).Inc()
	}
}

func (m *Metrics) Desktop(result string) {
	if m != nil {
		m.desktop.WithLabelValues(result).Inc()
	}
}

// Queue records the engine occupancy.
func (m *Metrics) Queue(visible, queued, groups int) {
	if m == nil {
		return
	}
	m.visible.Set(float64(visible))
	m.queued.Set(float64(queued))
	m.groups.Set(float64(groups))
}

func (m *Metrics) Leader(isLeader bool) {
	if m == nil {
		return
	}
	v := 0.0
	if isLeader {
		v = 1
	}
	m.leader.Set(v)
}

func (m *Metrics) BusDropped(n uint64) {
	if m != nil {
		m.busDrops.Set(float64(n))
	}
}
