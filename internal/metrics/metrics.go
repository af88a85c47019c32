// Package metrics holds the bridge's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "airbridge"

// Metrics is a private registry and the collectors recorded into it. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	datagrams *prometheus.CounterVec
	builds    *prometheus.CounterVec
	devices   prometheus.Gauge
	soapCalls *prometheus.CounterVec
	sessions  prometheus.Gauge
	bridged   prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ssdp",
			Name:      "datagrams_total",
			Help:      "SSDP datagrams handled by the discovery coordinator.",
		}, []string{"kind"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "builds_total",
			Help:      "Device builds by outcome.",
		}, []string{"outcome"}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "devices",
			Help:      "Devices currently registered.",
		}),
		soapCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "soap",
			Name:      "calls_total",
			Help:      "SOAP actions invoked by result.",
		}, []string{"action", "result"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "airplay",
			Name:      "sessions",
			Help:      "Active AirPlay sessions.",
		}),
		bridged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "airplay",
			Name:      "receivers",
			Help:      "Renderers exposed as AirPlay receivers.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.datagrams, m.builds, m.devices, m.soapCalls, m.sessions, m.bridged,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Datagram(kind string) {
	if m == nil {
		return
	}
	m.datagrams.WithLabelValues(kind).Inc()
}

func (m *Metrics) Build(outcome string) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetDevices(n int) {
	if m == nil {
		return
	}
	m.devices.Set(float64(n))
}

func (m *Metrics) SOAPCall(action string, result string) {
	if m == nil {
		return
	}
	m.soapCalls.WithLabelValues(action, result).Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) SetBridged(n int) {
	if m == nil {
		return
	}
	m.bridged.Set(float64(n))
}
