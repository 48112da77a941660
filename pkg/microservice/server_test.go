package microservice_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/illmade-knight/go-jobfeed/pkg/metrics"
	"github.com/illmade-knight/go-jobfeed/pkg/microservice"
	"github.com/illmade-knight/go-jobfeed/pkg/realtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRealtime struct {
	state realtime.State
	stale []string
}

func (f fakeRealtime) State() realtime.State { return f.state }
func (f fakeRealtime) Topics() []string { return nil }
func (f fakeRealtime) StaleTopics() []string { return f.stale }

type fakeCache int

func (f fakeCache) Len() int { return int(f) }

func TestBaseServer_Endpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewRealtimeMetricsWithRegistry(reg)
	m.RecordConnectAttempt()

	srv := microservice.NewBaseServer(zerolog.Nop(), ":0", reg)
	srv.Handle("/status", microservice.StatusHandler(fakeRealtime{
		state: realtime.StateError,
		stale: []string{"/user/queue/notifications"},
	}, fakeCache(3)))
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	base := "http://localhost" + srv.GetHTTPPort()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "connect_attempts_total")

	resp, err = http.Get(base + "/status")
	require.NoError(t, err)
	var st microservice.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	_ = resp.Body.Close()
	assert.Equal(t, realtime.StateError, st.State)
	assert.Equal(t, []string{"/user/queue/notifications"}, st.StaleTopics)
	assert.Equal(t, []string{}, st.Topics)
	assert.Equal(t, 3, st.CacheEntries)
}

func TestStatusHandler_RejectsWrites(t *testing.T) {
	rec := httptest.NewRecorder()
	microservice.StatusHandler(fakeRealtime{state: realtime.StateConnected}, nil).
		ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBaseServer_PortAndShutdown(t *testing.T) {
	srv := microservice.NewBaseServer(zerolog.Nop(), ":0", prometheus.NewRegistry())
	assert.Equal(t, ":0", srv.GetHTTPPort(), "before Start the configured port is reported")

	require.NoError(t, srv.Start())
	port := srv.GetHTTPPort()
	assert.NotEqual(t, ":0", port)

	resp, err := http.Get("http://localhost" + port + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err = http.Get("http://localhost" + port + "/healthz")
	assert.Error(t, err, "nothing listens after Shutdown")
}
