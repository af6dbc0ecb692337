// Package metrics defines the Prometheus collectors exposed on the internal
// ops surface, using a dedicated registry rather than the global default.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/corvus-paas/corvus-gate/internal/backend"
)

// Collector implements backend.Metrics against a dedicated
// prometheus.Registry, kept separate from the default global registry so
// tests can construct a fresh one per case without collector-already-
// registered panics.
type Collector struct {
	registry *prometheus.Registry

	phase          *prometheus.GaugeVec
	connections    *prometheus.GaugeVec
	coldStarts     *prometheus.CounterVec
	idleShutdowns  *prometheus.CounterVec
}

// phaseValue maps a backend.Phase to the numeric gauge value Prometheus
// needs; consumers translate back via the label, not this number.
var phaseValue = map[backend.Phase]float64{
	backend.PhaseStopped:  0,
	backend.PhaseStarting: 1,
	backend.PhaseRunning:  2,
	backend.PhaseStopping: 3,
}

// New builds a Collector and registers its collectors on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "corvus_gate_backend_phase",
			Help: "Current lifecycle phase of a backend (0=stopped,1=starting,2=running,3=stopping).",
		}, []string{"server"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "corvus_gate_active_connections",
			Help: "Currently spliced client connections per backend.",
		}, []string{"server"}),
		coldStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corvus_gate_cold_starts_total",
			Help: "Number of cold starts triggered per backend.",
		}, []string{"server"}),
		idleShutdowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corvus_gate_idle_shutdowns_total",
			Help: "Number of idle-timeout shutdowns triggered per backend.",
		}, []string{"server"}),
	}

	c.registry.MustRegister(c.phase, c.connections, c.coldStarts, c.idleShutdowns)
	return c
}

// Registry returns the underlying Prometheus registry for wiring into
// promhttp.HandlerFor.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) SetPhase(serverName string, phase backend.Phase) {
	c.phase.WithLabelValues(serverName).Set(phaseValue[phase])
}

func (c *Collector) IncConnections(serverName string) {
	c.connections.WithLabelValues(serverName).Inc()
}

func (c *Collector) DecConnections(serverName string) {
	c.connections.WithLabelValues(serverName).Dec()
}

func (c *Collector) IncColdStarts(serverName string) {
	c.coldStarts.WithLabelValues(serverName).Inc()
}

func (c *Collector) IncIdleShutdowns(serverName string) {
	c.idleShutdowns.WithLabelValues(serverName).Inc()
}

var _ backend.Metrics = (*Collector)(nil)
