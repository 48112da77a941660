package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RealtimeMetrics holds Prometheus metrics for the realtime delivery client.
type RealtimeMetrics struct {
	// ConnectionState is 1 for the current state label and 0 for the others.
	ConnectionState *prometheus.GaugeVec
	// ConnectAttemptsTotal counts transport handshakes started.
	ConnectAttemptsTotal prometheus.Counter
	// ConnectFailuresTotal counts failed connects by reason.
	ConnectFailuresTotal *prometheus.CounterVec
	// MessagesReceivedTotal counts delivered messages by payload kind (parsed or raw).
	MessagesReceivedTotal *prometheus.CounterVec
	// ReconnectsScheduledTotal counts retry timers armed.
	ReconnectsScheduledTotal prometheus.Counter
}

// States known to the state gauge.
var realtimeStates = []string{"disconnected", "connecting", "connected", "error"}

// NewRealtimeMetrics creates and registers the realtime metrics on the default registry.
func NewRealtimeMetrics() *RealtimeMetrics {
	return &RealtimeMetrics{
		ConnectionState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobfeed_realtime_connection_state",
			Help: "Current realtime connection state (1 for the active state)",
		}, []string{"state"}),
		ConnectAttemptsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobfeed_realtime_connect_attempts_total",
			Help: "Total number of realtime connection attempts",
		}),
		ConnectFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobfeed_realtime_connect_failures_total",
			Help: "Total number of failed realtime connection attempts by reason",
		}, []string{"reason"}),
		MessagesReceivedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobfeed_realtime_messages_received_total",
			Help: "Total number of realtime messages delivered by payload kind",
		}, []string{"kind"}),
		ReconnectsScheduledTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobfeed_realtime_reconnects_scheduled_total",
			Help: "Total number of reconnect timers scheduled",
		}),
	}
}

// NewRealtimeMetricsWithRegistry creates realtime metrics registered on reg.
func NewRealtimeMetricsWithRegistry(reg *prometheus.Registry) *RealtimeMetrics {
	state := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobfeed_realtime_connection_state",
		Help: "Current realtime connection state (1 for the active state)",
	}, []string{"state"})
	attempts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobfeed_realtime_connect_attempts_total",
		Help: "Total number of realtime connection attempts",
	})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobfeed_realtime_connect_failures_total",
		Help: "Total number of failed realtime connection attempts by reason",
	}, []string{"reason"})
	received := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobfeed_realtime_messages_received_total",
		Help: "Total number of realtime messages delivered by payload kind",
	}, []string{"kind"})
	reconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobfeed_realtime_reconnects_scheduled_total",
		Help: "Total number of reconnect timers scheduled",
	})

	reg.MustRegister(state, attempts, failures, received, reconnects)

	return &RealtimeMetrics{
		ConnectionState:          state,
		ConnectAttemptsTotal:     attempts,
		ConnectFailuresTotal:     failures,
		MessagesReceivedTotal:    received,
		ReconnectsScheduledTotal: reconnects,
	}
}

// RecordState marks state as the active connection state.
func (m *RealtimeMetrics) RecordState(state string) {
	if m == nil {
		return
	}
	for _, s := range realtimeStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(value)
	}
}

// RecordConnectAttempt increments the connect attempt counter.
func (m *RealtimeMetrics) RecordConnectAttempt() {
	if m == nil {
		return
	}
	m.ConnectAttemptsTotal.Inc()
}

// RecordConnectFailure increments the failure counter for reason.
func (m *RealtimeMetrics) RecordConnectFailure(reason string) {
	if m == nil {
		return
	}
	m.ConnectFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordMessage increments the received counter for a payload kind.
func (m *RealtimeMetrics) RecordMessage(kind string) {
	if m == nil {
		return
	}
	m.MessagesReceivedTotal.WithLabelValues(kind).Inc()
}

// RecordReconnectScheduled increments the reconnect counter.
func (m *RealtimeMetrics) RecordReconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectsScheduledTotal.Inc()
}
