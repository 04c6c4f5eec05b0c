// Package metrics holds the Prometheus collectors exported by the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsActive counts sessions currently registered in a room.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomchat",
		Name:      "sessions_active",
		Help:      "Subscription sessions currently joined to a room.",
	})

	// ConnectionsActive counts open WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomchat",
		Name:      "connections_active",
		Help:      "Open WebSocket connections.",
	})

	MessagesSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomchat",
		Name:      "messages_saved_total",
		Help:      "Messages persisted by the message store.",
	})

	SpeakRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomchat",
		Name:      "speak_rejected_total",
		Help:      "Speak commands rejected before broadcast, by reason.",
	}, []string{"reason"})

	Broadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomchat",
		Name:      "broadcasts_total",
		Help:      "Messages fanned out to a room.",
	})

	// Deliveries counts per-connection delivery attempts by result ("ok" or "failed").
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomchat",
		Name:      "deliveries_total",
		Help:      "Per-connection delivery attempts during broadcast.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		ConnectionsActive,
		MessagesSaved,
		SpeakRejected,
		Broadcasts,
		Deliveries,
	)
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
