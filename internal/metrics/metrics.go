// Package metrics holds the Prometheus collectors shared by the registry, the
// zones and the coordinators. A nil *Metrics is valid and records nothing, so
// components can be built without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zonekeeper"

type Metrics struct {
	Transitions  *prometheus.CounterVec
	Entries      prometheus.Gauge
	Phase        *prometheus.GaugeVec
	ZoneSize     *prometheus.GaugeVec
	Zones        prometheus.Gauge
	Commands     *prometheus.CounterVec
	CommandFails *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. When reg is nil a
// private registry is used.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_transitions_total",
			Help:      "Node registry entry state transitions by target state.",
		}, []string{"state"}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_entries",
			Help:      "Number of entries in the node registry.",
		}),
		Phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_phase",
			Help:      "Current phase of the server coordinator.",
		}, []string{"coordinator"}),
		ZoneSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "zone_nodes",
			Help:      "Number of nodes with a live session per zone.",
		}, []string{"zone"}),
		Zones: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "zones",
			Help:      "Number of active cluster zones.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_sent_total",
			Help:      "Logical commands sent to node sessions by verb.",
		}, []string{"command"}),
		CommandFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_failures_total",
			Help:      "Logical commands that could not be delivered by verb.",
		}, []string{"command"}),
		gatherer: reg,
	}
	reg.MustRegister(m.Transitions, m.Entries, m.Phase, m.ZoneSize, m.Zones, m.Commands, m.CommandFails)
	return m
}

// Handler serves the registry the collectors were registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) SetEntries(n int) {
	if m == nil {
		return
	}
	m.Entries.Set(float64(n))
}

func (m *Metrics) SetPhase(coordinator string, phase int) {
	if m == nil {
		return
	}
	m.Phase.WithLabelValues(coordinator).Set(float64(phase))
}

func (m *Metrics) SetZoneSize(zone string, n int) {
	if m == nil {
		return
	}
	m.ZoneSize.WithLabelValues(zone).Set(float64(n))
}

// DropZone forgets the size series of a removed zone.
func (m *Metrics) DropZone(zone string) {
	if m == nil {
		return
	}
	m.ZoneSize.DeleteLabelValues(zone)
}

func (m *Metrics) SetZones(n int) {
	if m == nil {
		return
	}
	m.Zones.Set(float64(n))
}

// ObserveCommand counts one command by its verb (first word).
func (m *Metrics) ObserveCommand(verb string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.CommandFails.WithLabelValues(verb).Inc()
		return
	}
	m.Commands.WithLabelValues(verb).Inc()
}
