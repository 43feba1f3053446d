// Package monitoring holds the bridge's Prometheus collectors. Everything is
// registered on the default registry at init and served by the fulfillment
// server's /metrics route.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway session layer.

	GatewayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_gateway_connections", Help: "Currently open gateway sessions.",
	})
	GatewayAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_gateway_accepted_total", Help: "Total gateway sessions accepted.",
	})
	GatewayClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_gateway_closed_total", Help: "Total gateway sessions closed, by reason.",
	}, []string{"reason"})
	GatewayAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_gateway_auth_failures_total", Help: "Total failed gateway authentications.",
	})

	GatewayBytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_gateway_bytes_in_total", Help: "Total bytes read from gateway sockets.",
	})
	GatewayBytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_gateway_bytes_out_total", Help: "Total bytes written to gateway sockets.",
	})
	GatewayFramesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_gateway_frames_in_total", Help: "Total complete frames decoded from gateways.",
	})
	GatewayFramesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_gateway_frames_out_total", Help: "Total frames written to gateways.",
	})
	GatewaySendDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_gateway_send_dropped_total", Help: "Outbound messages dropped by send-queue backpressure, by class.",
	}, []string{"class"})

	// Device repository.

	DevicesTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_devices_tracked", Help: "Devices currently in the catalog across all users.",
	})
	RepositoryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_repository_events_total", Help: "Repository events emitted, by type.",
	}, []string{"type"})
	WatchdogOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_watchdog_offline_total", Help: "Devices forced unavailable by the liveness watchdog.",
	})

	// Fulfillment surface.

	FulfillmentRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_fulfillment_requests_total", Help: "Fulfillment intents handled, by intent and status.",
	}, []string{"intent", "status"})
	FulfillmentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_fulfillment_duration_seconds",
		Help:    "Fulfillment request handling time.",
		Buckets: prometheus.DefBuckets,
	}, []string{"intent"})

	// Report-state feed.

	ReportStateDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_reportstate_deliveries_total", Help: "Report-state deliveries, by result.",
	}, []string{"result"})
	ReportStateDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_reportstate_dropped_total", Help: "Repository events dropped by the report-state queue.",
	})

	// Off-pod event export.

	EventExportDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_event_export_dropped_total", Help: "Events dropped by a full off-pod export queue.",
	})
)
