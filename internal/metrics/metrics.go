package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// WSConnectionsActive gauges currently open socket connections
	WSConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "ws_connections_active", Help: "Currently open websocket connections."},
	)
	// WSEvents counts inbound socket commands by event name and outcome
	WSEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ws_events_total", Help: "Inbound websocket commands by event and outcome."},
		[]string{"event", "status"},
	)
	// BroadcastEvents counts outbound broadcast deliveries by event name
	BroadcastEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ws_broadcast_deliveries_total", Help: "Broadcast event deliveries to live sessions."},
		[]string{"event"},
	)
	// BroadcastDrops counts events dropped on full per-connection buffers
	BroadcastDrops = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ws_broadcast_drops_total", Help: "Events dropped because a connection's send buffer was full."},
	)
	// FanoutRecords counts durable per-recipient notification rows written
	FanoutRecords = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "notification_fanout_records_total", Help: "Per-recipient notification records created."},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(WSConnectionsActive)
		Registry.MustRegister(WSEvents)
		Registry.MustRegister(BroadcastEvents)
		Registry.MustRegister(BroadcastDrops)
		Registry.MustRegister(FanoutRecords)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
