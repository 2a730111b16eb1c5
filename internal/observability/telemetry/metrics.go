package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Fleet metrics
	StationsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sim_stations_running",
		Help: "Number of started charging stations",
	})

	StationsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sim_stations_connected",
		Help: "Number of stations with an open supervision connection",
	})

	// OCPP traffic
	OCPPMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_ocpp_messages_total",
		Help: "OCPP messages by action and direction",
	}, []string{"action", "direction"})

	OCPPRequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_ocpp_request_errors_total",
		Help: "Outgoing OCPP requests that failed, timed out or were canceled",
	}, []string{"action"})

	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sim_reconnects_total",
		Help: "Supervision reconnection attempts",
	})

	// Transactions
	ActiveTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sim_active_transactions",
		Help: "Transactions currently running across the fleet",
	})

	EnergyDeliveredWh = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sim_energy_delivered_wh_total",
		Help: "Total simulated energy delivered in Wh",
	})

	ATGSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_atg_sessions_total",
		Help: "ATG synthetic sessions by outcome",
	}, []string{"outcome"})

	// Control plane
	UIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_ui_requests_total",
		Help: "UI requests by procedure and aggregate status",
	}, []string{"procedure", "status"})

	UIRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_ui_request_duration_seconds",
		Help:    "Latency of aggregated UI requests",
		Buckets: prometheus.DefBuckets,
	})
)
