package metrics_test

import (
	"testing"

	"github.com/illmade-knight/go-jobfeed/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCacheMetricsWithRegistry(reg)
	require.NotNil(t, m)

	m.RecordHit()
	m.RecordHit()
	m.RecordStaleHit()
	m.RecordMiss()
	m.RecordShared()
	m.RecordFetchError("background")
	m.RecordInvalidated(3)
	m.RecordInvalidated(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MissesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SharedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchErrorsTotal.WithLabelValues("background")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.FetchErrorsTotal.WithLabelValues("sync")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.InvalidatedTotal))
}

func TestRealtimeMetrics_StateGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewRealtimeMetricsWithRegistry(reg)

	m.RecordState("connecting")
	m.RecordState("connected")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("connecting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("error")))

	m.RecordConnectAttempt()
	m.RecordConnectFailure("handshake")
	m.RecordMessage("parsed")
	m.RecordReconnectScheduled()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectAttemptsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectFailuresTotal.WithLabelValues("handshake")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceivedTotal.WithLabelValues("parsed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconnectsScheduledTotal))
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var c *metrics.CacheMetrics
	var r *metrics.RealtimeMetrics

	assert.NotPanics(t, func() {
		c.RecordHit()
		c.RecordStaleHit()
		c.RecordMiss()
		c.RecordShared()
		c.RecordFetchError("sync")
		c.RecordInvalidated(1)
		r.RecordState("connected")
		r.RecordConnectAttempt()
		r.RecordConnectFailure("dial")
		r.RecordMessage("raw")
		r.RecordReconnectScheduled()
	})
}
