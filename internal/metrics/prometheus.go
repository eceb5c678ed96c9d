// internal/metrics/prometheus.go
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fleetwatch/internal/database"
)

// Prometheus metrics
var (
	AgentsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_agents_online",
			Help: "Number of hosts with a bound agent connection",
		},
	)

	ViewerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_viewer_connections",
			Help: "Number of connections subscribed as viewers",
		},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	HostsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_hosts_total",
			Help: "Number of registered hosts",
		},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_messages_total",
			Help: "Inbound protocol messages by kind",
		},
		[]string{"kind"},
	)

	ProtocolErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_protocol_errors_total",
			Help: "Inbound frames that could not be decoded or were of an unknown kind",
		},
	)

	Registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_registrations_total",
			Help: "Agent registration attempts by result",
		},
		[]string{"result"},
	)

	SamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_samples_total",
			Help: "Metric samples handled by the persistence writers",
		},
		[]string{"status"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_events_published_total",
			Help: "Events fanned out to viewers by kind",
		},
		[]string{"kind"},
	)

	ViewerDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_viewer_drops_total",
			Help: "Viewers disconnected because their send buffer was full",
		},
	)

	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_database_operations_total",
			Help: "Total database operations performed",
		},
		[]string{"operation", "status"},
	)
)

// Registration results.
const (
	RegistrationAccepted   = "accepted"
	RegistrationRejected   = "rejected"
	RegistrationSuperseded = "superseded"
)

// Sample outcomes.
const (
	SampleStored  = "stored"
	SampleFailed  = "failed"
	SampleDropped = "dropped"
)

type Collector struct {
	store database.Store
}

func NewCollector(store database.Store) *Collector {
	return &Collector{store: store}
}

func (c *Collector) SetAgentsOnline(n int) {
	AgentsOnline.Set(float64(n))
}

func (c *Collector) SetViewers(n int) {
	ViewerConnections.Set(float64(n))
}

func (c *Collector) RecordWebSocketConnection(delta int) {
	WebSocketConnections.Add(float64(delta))
}

func (c *Collector) RecordMessage(kind string) {
	MessagesTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordProtocolError() {
	ProtocolErrors.Inc()
}

func (c *Collector) RecordRegistration(result string) {
	Registrations.WithLabelValues(result).Inc()
}

func (c *Collector) RecordSample(status string) {
	SamplesTotal.WithLabelValues(status).Inc()
}

func (c *Collector) RecordEvent(kind string) {
	EventsPublished.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordViewerDrop() {
	ViewerDrops.Inc()
}

func (c *Collector) RecordDatabaseOperation(operation string, err error) {
	DatabaseOperations.WithLabelValues(operation, statusLabel(err)).Inc()
}

// UpdateSystemMetrics refreshes gauges derived from the store.
func (c *Collector) UpdateSystemMetrics(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	hosts, err := c.store.ListHosts(ctx)
	c.RecordDatabaseOperation("list_hosts", err)
	if err != nil {
		return err
	}
	HostsTotal.Set(float64(len(hosts)))
	return nil
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
