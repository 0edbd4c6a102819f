package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wellness_chat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wellness_chat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Chat metrics
	UsersRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wellness_chat_users_registered_total",
			Help: "Total users registered",
		},
	)

	MessagesPosted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wellness_chat_messages_posted_total",
			Help: "Total chat messages persisted and broadcast",
		},
	)

	MessagesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wellness_chat_messages_read_total",
			Help: "Total messages flipped to read",
		},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wellness_chat_frames_dropped_total",
			Help: "Inbound websocket frames that could not be handled",
		},
		[]string{"reason"},
	)

	// Connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wellness_chat_active_connections",
			Help: "Open room streams",
		},
	)

	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wellness_chat_active_rooms",
			Help: "Rooms with a running hub",
		},
	)
)
