// Package metrics holds the Prometheus collectors of the chat sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lfchat_connection_state",
			Help: "Live connection state (0 disconnected, 1 connecting, 2 connected, 3 failed)",
		},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lfchat_reconnects_scheduled_total",
			Help: "Total reconnect attempts scheduled after a failure or severance",
		},
	)

	DuplicateFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lfchat_duplicate_frames_total",
			Help: "Total redelivered frames dropped by the dedup window",
		},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lfchat_active_subscriptions",
			Help: "Topic subscriptions open on the current connection",
		},
	)

	// Sync metrics
	MessagesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lfchat_messages_applied_total",
			Help: "Messages merged into room sequences",
		},
		[]string{"source", "result"}, // source: "live" or "history"; result: "inserted" or "duplicate"
	)

	HistoryFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lfchat_history_fetches_total",
			Help: "REST history fetches",
		},
		[]string{"result"},
	)

	ReadPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lfchat_read_pushes_total",
			Help: "Read-cursor pushes to the server",
		},
		[]string{"result"},
	)

	RoleResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lfchat_role_resolutions_total",
			Help: "Role resolutions by the source that answered",
		},
		[]string{"source"}, // "store", "room", "participant", "listing", "default"
	)

	UnreadTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lfchat_unread_total",
			Help: "Unread messages across all rooms",
		},
	)

	RecomputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lfchat_unread_recompute_seconds",
			Help:    "Duration of a full unread recompute",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
)
