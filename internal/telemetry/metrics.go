/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transport metrics
	TransportStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grimnir_listen_transport_status",
		Help: "1 for the transport channel's current connection status, 0 otherwise",
	}, []string{"status"})

	TransportReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grimnir_listen_transport_reconnects_total",
		Help: "Live transport reconnect attempts scheduled",
	})

	TransportSnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_listen_transport_snapshots_total",
		Help: "Broadcast snapshots received by source",
	}, []string{"source"})

	TransportDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grimnir_listen_transport_dropped_messages_total",
		Help: "Malformed live transport messages dropped",
	})

	TransportPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_listen_transport_polls_total",
		Help: "Fallback snapshot polls by result",
	}, []string{"result"})

	// Listener heartbeat metrics
	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_listen_heartbeats_total",
		Help: "Listener heartbeat requests by kind and result",
	}, []string{"kind", "result"})

	// Audio engine metrics
	AudioDriftCorrectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grimnir_listen_audio_drift_corrections_total",
		Help: "Hard seeks issued because local playback drifted from server time",
	})

	AudioDriftSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grimnir_listen_audio_drift_seconds",
		Help: "Last measured difference between server elapsed and local playback position",
	})

	AudioCrossfadesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_listen_audio_crossfades_total",
		Help: "Preemption crossfades by outcome",
	}, []string{"outcome"})

	AudioLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_listen_audio_loads_total",
		Help: "Asset loads issued to the audio backend by result",
	}, []string{"result"})

	AudioMeterLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grimnir_listen_audio_meter_level",
		Help: "Last sampled VU meter level per side",
	}, []string{"side"})

	// Status API metrics
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grimnir_listen_api_requests_total",
		Help: "Status API requests",
	}, []string{"method", "endpoint", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grimnir_listen_api_request_duration_seconds",
		Help:    "Status API request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grimnir_listen_api_active_connections",
		Help: "In-flight status API requests",
	})

	APIWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grimnir_listen_api_websocket_connections",
		Help: "Open state stream websocket connections",
	})
)

var transportStatuses = []string{"connecting", "live", "reconnecting", "polling_fallback", "disconnected"}

// SetTransportStatus marks status as the only active status series.
func SetTransportStatus(status string) {
	for _, s := range transportStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		TransportStatus.WithLabelValues(s).Set(v)
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
