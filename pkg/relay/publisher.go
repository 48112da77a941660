package relay

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// Publisher sends one encoded notification downstream.
type Publisher interface {
	Publish(ctx context.Context, payload []byte, attributes map[string]string) error
	// Stop flushes pending messages, bounded by ctx.
	Stop(ctx context.Context) error
}

// PublisherConfig configures a GooglePublisher.
type PublisherConfig struct {
	ProjectID                  string
	TopicID                    string
	BatchSize                  int           // Pub/Sub CountThreshold.
	BatchDelay                 time.Duration // Pub/Sub DelayThreshold.
	TopicExistsTimeout         time.Duration
	PublishConfirmationTimeout time.Duration
}

// NewPublisherDefaults returns a config for topicID, overridable with the
// RELAY_PUBSUB_BATCH_SIZE and RELAY_PUBSUB_BATCH_DELAY environment variables.
func NewPublisherDefaults(topicID string) *PublisherConfig {
	cfg := &PublisherConfig{
		TopicID:                    topicID,
		BatchSize:                  20,
		BatchDelay:                 50 * time.Millisecond,
		TopicExistsTimeout:         15 * time.Second,
		PublishConfirmationTimeout: 20 * time.Second,
	}
	if bs := os.Getenv("RELAY_PUBSUB_BATCH_SIZE"); bs != "" {
		if val, err := strconv.Atoi(bs); err == nil && val > 0 {
			cfg.BatchSize = val
		}
	}
	if bd := os.Getenv("RELAY_PUBSUB_BATCH_DELAY"); bd != "" {
		if val, err := time.ParseDuration(bd); err == nil {
			cfg.BatchDelay = val
		}
	}
	return cfg
}

// GooglePublisher publishes to a Pub/Sub topic using the client's own batching.
type GooglePublisher struct {
	topic               *pubsub.Topic
	confirmationTimeout time.Duration
	logger              zerolog.Logger
}

// NewGooglePublisher creates a publisher for cfg.TopicID after checking that
// the topic exists.
func NewGooglePublisher(ctx context.Context, cfg *PublisherConfig, client *pubsub.Client, logger zerolog.Logger) (*GooglePublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if cfg == nil || cfg.TopicID == "" {
		return nil, fmt.Errorf("pubsub topic id is required")
	}

	topic := client.Topic(cfg.TopicID)
	if cfg.BatchSize > 0 {
		topic.PublishSettings.CountThreshold = cfg.BatchSize
	}
	if cfg.BatchDelay > 0 {
		topic.PublishSettings.DelayThreshold = cfg.BatchDelay
	}

	existsCtx := ctx
	if cfg.TopicExistsTimeout > 0 {
		var cancel context.CancelFunc
		existsCtx, cancel = context.WithTimeout(ctx, cfg.TopicExistsTimeout)
		defer cancel()
	}
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	timeout := cfg.PublishConfirmationTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	logger.Info().Str("topic_id", cfg.TopicID).Msg("GooglePublisher initialized successfully.")
	return &GooglePublisher{
		topic:               topic,
		confirmationTimeout: timeout,
		logger:              logger.With().Str("component", "GooglePublisher").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// Publish queues the message and returns. The publish result is logged when
// the server confirms it.
func (p *GooglePublisher) Publish(ctx context.Context, payload []byte, attributes map[string]string) error {
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: attributes,
	})

	go func() {
		// Not tied to ctx: the caller's context is usually gone by now.
		getCtx, cancel := context.WithTimeout(context.Background(), p.confirmationTimeout)
		defer cancel()

		msgID, err := result.Get(getCtx)
		if err != nil {
			p.logger.Error().Err(err).Str("notification_id", attributes[AttrNotificationID]).Msg("Failed to publish notification.")
			return
		}
		p.logger.Debug().Str("notification_id", attributes[AttrNotificationID]).Str("pubsub_msg_id", msgID).Msg("Notification published.")
	}()
	return nil
}

// Stop flushes buffered messages. topic.Stop blocks, so it is raced against ctx.
func (p *GooglePublisher) Stop(ctx context.Context) error {
	if p.topic == nil {
		return nil
	}
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		p.logger.Info().Msg("Pub/Sub topic stopped.")
		return nil
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for Pub/Sub topic to flush.")
		return ctx.Err()
	}
}
