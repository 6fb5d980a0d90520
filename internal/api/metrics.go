package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_connections",
		Help: "Number of attached websocket endpoints.",
	})
	metricEnvelopesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_envelopes_forwarded_total",
		Help: "Total envelopes forwarded between endpoints.",
	}, []string{"type"})
	metricEnvelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_envelopes_dropped_total",
		Help: "Total envelopes dropped (unknown type, dead endpoint).",
	}, []string{"reason"})
	metricPollRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_poll_requests_total",
		Help: "Total offline poll requests served.",
	})
	metricBufferedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_buffered_messages_total",
		Help: "Total messages written to the offline buffer.",
	})
)
