// Package metrics exposes process gauges and counters for operational
// visibility: active rooms, connected clients by role, admitted
// coaching events, relay reconnects and errors. Served at /metrics by
// cmd/server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "interview_coach_active_rooms",
		Help: "Number of currently active session rooms",
	})

	ConnectedClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "interview_coach_connected_clients",
		Help: "Number of connected clients by role",
	}, []string{"role"})

	CoachingAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_coach_coaching_admitted_total",
		Help: "Total coaching events admitted past the confidence/cap/cooldown gate",
	})

	CoachingDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_coach_coaching_dropped_total",
		Help: "Total coaching events dropped, by reason",
	}, []string{"reason"})

	RelayReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_coach_relay_reconnects_total",
		Help: "Total relay reconnect attempts",
	})

	RelayErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_coach_relay_errors_total",
		Help: "Total terminal relay error transitions",
	})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_coach_webhook_events_total",
		Help: "Total bot webhook events received, by event type",
	}, []string{"event"})
)
