// Package metrics exposes the hub's Prometheus instruments. They register on
// the default registry and are served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks currently open websocket connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quickhub",
		Name:      "connections_active",
		Help:      "Number of open websocket connections.",
	})

	// ChannelsActive tracks registered virtual channels across all connections.
	ChannelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quickhub",
		Name:      "channels_active",
		Help:      "Number of registered virtual channels.",
	})

	// MessagesTotal counts processed inbound messages by command namespace.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quickhub",
		Name:      "messages_total",
		Help:      "Total inbound messages by command namespace.",
	}, []string{"namespace"})

	// ErrorsTotal counts failed answers by error code.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quickhub",
		Name:      "errors_total",
		Help:      "Total failed command answers by error code.",
	}, []string{"code"})

	// SessionsActive tracks validated user sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quickhub",
		Name:      "sessions_active",
		Help:      "Number of active user sessions.",
	})

	// ResourcesLoaded tracks live resources in the registry by type.
	ResourcesLoaded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quickhub",
		Name:      "resources_loaded",
		Help:      "Resources currently held by the registry, by type.",
	}, []string{"type"})

	// DevicesOnline tracks attached device nodes.
	DevicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quickhub",
		Name:      "devices_online",
		Help:      "Number of device nodes currently attached.",
	})
)
