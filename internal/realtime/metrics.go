package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	openChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_realtime_open_channels",
		Help: "Underlying feed channels currently held by the multiplexer.",
	})
	deliveredEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_realtime_delivered_events_total",
		Help: "Hydrated events handed to local listeners.",
	}, []string{"entity"})
	droppedHydrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_realtime_dropped_hydrations_total",
		Help: "Notifications dropped because hydration failed.",
	})
	feedOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_realtime_feed_overflows_total",
		Help: "Notifications lost because a subscriber buffer was full.",
	})
	feedReopens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_realtime_feed_reopens_total",
		Help: "Feed channels reopened after the feed ended them.",
	})
)
