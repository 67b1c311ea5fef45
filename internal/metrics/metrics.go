// Package metrics exposes Prometheus collectors for the orchestration
// services. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "conductor"

type Metrics struct {
	eventsIngested *prometheus.CounterVec
	commands       *prometheus.CounterVec
	spawns         *prometheus.CounterVec
	relayDropped   *prometheus.CounterVec
	relayClients   prometheus.Gauge
	liveProcesses  prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_events_total",
			Help:      "Process events ingested by the session orchestrator, by type.",
		}, []string{"type"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_commands_total",
			Help:      "Session commands handled, by command and result kind.",
		}, []string{"command", "result"}),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_spawns_total",
			Help:      "Agent process spawn attempts, by result.",
		}, []string{"result"}),
		relayDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dropped_total",
			Help:      "Relay deliveries dropped, by reason.",
		}, []string{"reason"}),
		relayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_clients",
			Help:      "Connected relay subscribers.",
		}),
		liveProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_processes",
			Help:      "Agent processes currently running.",
		}),
	}
	reg.MustRegister(
		m.eventsIngested,
		m.commands,
		m.spawns,
		m.relayDropped,
		m.relayClients,
		m.liveProcesses,
	)
	return m
}

func (m *Metrics) EventIngested(eventType string) {
	if m == nil {
		return
	}
	m.eventsIngested.WithLabelValues(eventType).Inc()
}

// Command records a handled command; result is an error kind or "ok".
func (m *Metrics) Command(command, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result).Inc()
}

func (m *Metrics) Spawn(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.spawns.WithLabelValues(result).Inc()
}

func (m *Metrics) RelayDropped(reason string) {
	if m == nil {
		return
	}
	m.relayDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RelayClientsDelta(delta float64) {
	if m == nil {
		return
	}
	m.relayClients.Add(delta)
}

func (m *Metrics) LiveProcessesDelta(delta float64) {
	if m == nil {
		return
	}
	m.liveProcesses.Add(delta)
}
