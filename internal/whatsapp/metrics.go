package whatsapp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// No phone numbers or message IDs in labels.
var (
	// ConnectionStatus is 1 for the current status and 0 for the others.
	ConnectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "walink_connection_status",
		Help: "Current WhatsApp connection status (1 = active status).",
	}, []string{"status"})

	pairingCodesOffered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walink_pairing_codes_offered_total",
		Help: "Total number of pairing codes offered by the network.",
	})

	// PairingRequests counts pairing-code requests by mode (auto/manual) and outcome.
	PairingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walink_pairing_requests_total",
		Help: "Total number of pairing-code requests, by mode and outcome.",
	}, []string{"mode", "outcome"})

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walink_messages_sent_total",
		Help: "Total number of send attempts, by result.",
	}, []string{"result"})

	connectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walink_connections_closed_total",
		Help: "Total number of connection-close events, by fatality.",
	}, []string{"fatal"})

	connectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walink_connect_failures_total",
		Help: "Total number of failed connection constructions or dials.",
	})

	sessionDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walink_session_deletes_total",
		Help: "Total number of session credential wipes, by result.",
	}, []string{"result"})
)

var allStatuses = []Status{StatusDisconnected, StatusConnecting, StatusAwaitingPairing, StatusConnected}

func observeStatus(current Status) {
	for _, s := range allStatuses {
		v := 0.0
		if s == current {
			v = 1
		}
		ConnectionStatus.WithLabelValues(string(s)).Set(v)
	}
}
