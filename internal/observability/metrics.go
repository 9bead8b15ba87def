// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the Task Director. Instruments are package-level vars
// registered once via promauto at package load, and the exported types
// are thin accessors over them (not per-call factories), so
// constructing a metrics struct never double-registers.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	schemaInstancesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskdirector_schema_instances_active",
		Help: "Number of schema instances currently tracked by the director.",
	})
	buildInstructionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskdirector_build_instructions_total",
		Help: "Total BUILD_INSTRUCTION messages dispatched to workers.",
	})
	schemaCompletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskdirector_schema_completions_total",
		Help: "Total schema instances that reached all-steps-complete.",
	})
	protocolViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskdirector_protocol_violations_total",
		Help: "Total protocol violations observed by the director, by reason.",
	}, []string{"reason"})

	endpointConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskdirector_endpoint_connections_total",
		Help: "Total endpoint connections accepted.",
	})
	endpointConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskdirector_endpoint_connections_active",
		Help: "Endpoint connections currently attached.",
	})
)

// DirectorMetrics implements director.Metrics over the package-level
// Prometheus instruments above.
type DirectorMetrics struct{}

// NewDirectorMetrics returns the Director's metrics accessor. Safe to
// call more than once: it does not register new instruments.
func NewDirectorMetrics() *DirectorMetrics { return &DirectorMetrics{} }

func (*DirectorMetrics) InstanceCreated()      { schemaInstancesActive.Inc() }
func (*DirectorMetrics) InstanceDestroyed()    { schemaInstancesActive.Dec() }
func (*DirectorMetrics) BuildInstructionSent() { buildInstructionsTotal.Inc() }
func (*DirectorMetrics) SchemaCompleted()      { schemaCompletionsTotal.Inc() }
func (*DirectorMetrics) ProtocolViolation(reason string) {
	protocolViolationsTotal.WithLabelValues(reason).Inc()
}

// EndpointMetrics tracks connection churn at the transport layer, over
// the same package-level instruments.
type EndpointMetrics struct{}

// NewEndpointMetrics returns the transport's metrics accessor. Safe to
// call more than once.
func NewEndpointMetrics() *EndpointMetrics { return &EndpointMetrics{} }

func (*EndpointMetrics) Connected()    { endpointConnectionsTotal.Inc(); endpointConnectionsActive.Inc() }
func (*EndpointMetrics) Disconnected() { endpointConnectionsActive.Dec() }
