package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-jobfeed/pkg/credentials"
	"github.com/illmade-knight/go-jobfeed/pkg/jobapi"
	"github.com/illmade-knight/go-jobfeed/pkg/relay"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func setupTestPubsub(t *testing.T, projectID, topicID, subID string) (*pubsub.Client, *pubsub.Subscription) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, topicID)
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)
	return client, sub
}

func TestRelay_PublishesToPubsub(t *testing.T) {
	testCtx, testCancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(testCancel)

	client, sub := setupTestPubsub(t, "test-project", "notifications", "notifications-sub")
	publisher, err := relay.NewGooglePublisher(testCtx, relay.NewPublisherDefaults("notifications"), client, zerolog.Nop())
	require.NoError(t, err)

	r, err := relay.New(relay.Config{NumWorkers: 1}, publisher, credentials.NewStatic("tok", "alice"), zerolog.Nop())
	require.NoError(t, err)
	r.Start(testCtx)

	r.Handle(testCtx, jobapi.Notification{ID: "n1", Type: "APPLICATION_UPDATE", Title: "Shortlisted"})

	var mu sync.Mutex
	var received *pubsub.Message
	receiveCtx, receiveCancel := context.WithCancel(testCtx)
	t.Cleanup(receiveCancel)
	go func() {
		_ = sub.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			mu.Lock()
			received = msg
			mu.Unlock()
			msg.Ack()
			receiveCancel()
		})
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received != nil
	}, 5*time.Second, 50*time.Millisecond)

	var got jobapi.Notification
	require.NoError(t, json.Unmarshal(received.Data, &got))
	assert.Equal(t, "Shortlisted", got.Title)
	assert.Equal(t, "n1", received.Attributes[relay.AttrNotificationID])
	assert.Equal(t, "APPLICATION_UPDATE", received.Attributes[relay.AttrNotificationType])
	assert.Equal(t, "alice", received.Attributes[relay.AttrUsername])

	stopCtx, stopCancel := context.WithTimeout(testCtx, 2*time.Second)
	t.Cleanup(stopCancel)
	require.NoError(t, r.Stop(stopCtx))
	assert.ErrorIs(t, r.Enqueue(jobapi.Notification{ID: "n2"}), relay.ErrStopped)
}

func TestNewGooglePublisher_MissingTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	client, _ := setupTestPubsub(t, "test-project", "present", "present-sub")

	_, err := relay.NewGooglePublisher(ctx, relay.NewPublisherDefaults("absent"), client, zerolog.Nop())
	assert.ErrorContains(t, err, "does not exist")
	_, err = relay.NewGooglePublisher(ctx, relay.NewPublisherDefaults("present"), nil, zerolog.Nop())
	assert.Error(t, err)
}

type blockingPublisher struct {
	mu        sync.Mutex
	release   chan struct{}
	published []map[string]string
	stopped   bool
}

func (p *blockingPublisher) Publish(ctx context.Context, _ []byte, attrs map[string]string) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, attrs)
	return nil
}

func (p *blockingPublisher) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *blockingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func TestRelay_BufferAndDrain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	pub := &blockingPublisher{release: make(chan struct{})}
	r, err := relay.New(relay.Config{NumWorkers: 1, BufferSize: 2}, pub, nil, zerolog.Nop())
	require.NoError(t, err)

	// Without workers nothing drains the buffer.
	require.NoError(t, r.Enqueue(jobapi.Notification{ID: "1"}))
	require.NoError(t, r.Enqueue(jobapi.Notification{ID: "2"}))
	assert.True(t, errors.Is(r.Enqueue(jobapi.Notification{ID: "3"}), relay.ErrBufferFull))

	r.Start(ctx)
	close(pub.release)
	require.NoError(t, r.Stop(ctx))

	assert.Equal(t, 2, pub.count())
	assert.True(t, pub.stopped)
	_, hasUser := pub.published[0][relay.AttrUsername]
	assert.False(t, hasUser, "no credentials means no username attribute")
}

func TestRelay_StopDrainsAfterStartContextIsCancelled(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	close(pub.release)
	r, err := relay.New(relay.Config{NumWorkers: 2, BufferSize: 4}, pub, credentials.NewStatic("tok", "alice"), zerolog.Nop())
	require.NoError(t, err)

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, r.Enqueue(jobapi.Notification{ID: id}))
	}
	runCtx, cancelRun := context.WithCancel(context.Background())
	r.Start(runCtx)
	cancelRun()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, r.Stop(stopCtx))

	assert.Equal(t, 3, pub.count(), "buffered notifications are published during shutdown")
	assert.True(t, pub.stopped)
	assert.Equal(t, "alice", pub.published[0][relay.AttrUsername])
}

func TestNew_RequiresPublisher(t *testing.T) {
	_, err := relay.New(relay.Config{}, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}
