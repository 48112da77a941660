package realtime_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/illmade-knight/go-jobfeed/pkg/credentials"
	"github.com/illmade-knight/go-jobfeed/pkg/realtime"
	"github.com/illmade-knight/go-jobfeed/pkg/stomp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBroker starts a minimal STOMP-over-WebSocket broker. It accepts any
// CONNECT, reports the Authorization header it saw, and answers each SUBSCRIBE
// with a single MESSAGE.
func newTestBroker(t *testing.T) (string, <-chan string) {
	t.Helper()
	auth := make(chan string, 4)
	upgrader := websocket.Upgrader{Subprotocols: []string{"v12.stomp"}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		send := func(f *frame.Frame) bool {
			data, err := stomp.Marshal(f)
			if err != nil {
				return false
			}
			return conn.WriteMessage(websocket.TextMessage, data) == nil
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames, err := stomp.Unmarshal(data)
			if err != nil {
				return
			}
			for _, f := range frames {
				switch f.Command {
				case frame.CONNECT:
					auth <- f.Header.Get(stomp.HeaderAuthorization)
					send(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, "0,0"))
				case frame.SUBSCRIBE:
					msg := frame.New(frame.MESSAGE,
						frame.Subscription, f.Header.Get(frame.Id),
						frame.Destination, f.Header.Get(frame.Destination),
						frame.MessageId, "1",
						frame.ContentType, "application/json",
					)
					msg.Body = []byte(`{"id":"n-1","message":"Your application was viewed"}`)
					send(msg)
				case frame.DISCONNECT:
					if receipt := f.Header.Get(frame.Receipt); receipt != "" {
						send(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
					}
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), auth
}

func TestClient_WebSocketBroker(t *testing.T) {
	endpoint, auth := newTestBroker(t)

	c, err := realtime.NewClient(realtime.Config{Endpoint: endpoint}, credentials.NewStatic("tok-e2e", "dana"), zerolog.Nop())
	require.NoError(t, err)
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, "Bearer tok-e2e", <-auth)

	received := make(chan realtime.Payload, 1)
	require.NoError(t, c.Subscribe(notificationsTopic, func(p realtime.Payload) { received <- p }))

	p := waitPayload(t, received)
	assert.Equal(t, realtime.PayloadParsed, p.Kind)
	var body struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	require.NoError(t, p.Decode(&body))
	assert.Equal(t, "n-1", body.ID)
	assert.Equal(t, "Your application was viewed", body.Message)

	c.Disconnect()
	assert.Equal(t, realtime.StateDisconnected, c.State())
}

func TestLoadConfigWithEnv(t *testing.T) {
	t.Setenv(realtime.EnvEndpoint, "wss://jobs.example.com/ws")
	t.Setenv(realtime.EnvReconnectDelaySeconds, "3")
	t.Setenv(realtime.EnvHeartbeatSeconds, "0")

	cfg := realtime.LoadConfigWithEnv()
	assert.Equal(t, "wss://jobs.example.com/ws", cfg.Endpoint)
	assert.Equal(t, 3*time.Second, cfg.ReconnectDelay)
	assert.Zero(t, cfg.HeartbeatIncoming)
	assert.Zero(t, cfg.HeartbeatOutgoing)

	t.Setenv(realtime.EnvReconnectDelaySeconds, "soon")
	assert.Equal(t, 5*time.Second, realtime.LoadConfigWithEnv().ReconnectDelay)
}
