// Command notifyrelay keeps a realtime notification feed open for one job
// portal user and forwards every notification to a Pub/Sub topic.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-jobfeed/pkg/cache"
	"github.com/illmade-knight/go-jobfeed/pkg/config"
	"github.com/illmade-knight/go-jobfeed/pkg/credentials"
	"github.com/illmade-knight/go-jobfeed/pkg/jobapi"
	"github.com/illmade-knight/go-jobfeed/pkg/metrics"
	"github.com/illmade-knight/go-jobfeed/pkg/microservice"
	"github.com/illmade-knight/go-jobfeed/pkg/notifications"
	"github.com/illmade-knight/go-jobfeed/pkg/realtime"
	"github.com/illmade-knight/go-jobfeed/pkg/relay"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "notifyrelay.yaml", "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration.")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "notifyrelay").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Notifyrelay exited with an error.")
	}
	logger.Info().Msg("Notifyrelay stopped.")
}

// credentialSource is a Source that can report changes.
type credentialSource interface {
	credentials.Source
	Watch(ctx context.Context) (<-chan credentials.Change, error)
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer func() { _ = rdb.Close() }()
	}

	creds, err := newCredentialSource(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}

	cacheOpts := []cache.Option{
		cache.WithPolicy(cache.Policy{
			TTL:                  cfg.Cache.TTL,
			StaleWhileRevalidate: cfg.Cache.StaleWhileRevalidate,
			StaleWindow:          cfg.Cache.StaleWindow,
		}),
		cache.WithMaxEntries(cfg.Cache.MaxEntries),
		cache.WithMetrics(metrics.NewCacheMetrics()),
	}
	if cfg.Redis.Addr != "" {
		layer, err := cache.NewRedisLayer(ctx, &cache.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			CacheTTL:  cfg.Redis.CacheTTL,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			return err
		}
		defer func() { _ = layer.Close() }()
		cacheOpts = append(cacheOpts, cache.WithLayer(layer))
	}
	responses := cache.NewService(logger, cacheOpts...)
	defer func() { _ = responses.Close() }()

	api, err := jobapi.NewClient(jobapi.Config{BaseURL: cfg.API.BaseURL, Timeout: cfg.API.Timeout}, creds, responses, logger)
	if err != nil {
		return err
	}

	rt, err := realtime.NewClient(realtime.Config{
		Endpoint:           cfg.Realtime.Endpoint,
		Host:               cfg.Realtime.Host,
		ReconnectDelay:     cfg.Realtime.ReconnectDelay,
		HandshakeTimeout:   cfg.Realtime.HandshakeTimeout,
		HeartbeatOutgoing:  cfg.Realtime.HeartbeatOutgoing,
		HeartbeatIncoming:  cfg.Realtime.HeartbeatIncoming,
		CACertFile:         cfg.Realtime.CACertFile,
		InsecureSkipVerify: cfg.Realtime.InsecureSkipVerify,
	}, creds, logger, realtime.WithMetrics(metrics.NewRealtimeMetrics()))
	if err != nil {
		return err
	}
	rt.OnError(func(err error) {
		logger.Warn().Err(err).Msg("Realtime connection error.")
	})

	sink := func(_ context.Context, n jobapi.Notification) {
		logger.Info().Str("notification_id", n.ID).Str("type", n.Type).Str("title", n.Title).Msg("Notification received.")
	}
	var fwd *relay.Relay
	if cfg.Relay.Enabled {
		fwd, err = newRelay(ctx, cfg, creds, logger)
		if err != nil {
			return err
		}
		fwd.Start(ctx)
		sink = fwd.Handle
	}

	svc, err := notifications.NewService(notifications.Config{
		Topic:        cfg.Notifications.Topic,
		PollInterval: cfg.Notifications.PollInterval,
		PollPageSize: cfg.Notifications.PollPageSize,
		SeenCapacity: cfg.Notifications.SeenCapacity,
	}, rt, api, responses, sink, logger)
	if err != nil {
		return err
	}

	server := microservice.NewBaseServer(logger, cfg.HTTP.Port, nil)
	server.Handle("/status", microservice.StatusHandler(rt, responses))
	if err := server.Start(); err != nil {
		return err
	}

	if watcher, ok := creds.(credentialSource); ok {
		changes, err := watcher.Watch(ctx)
		if err != nil {
			return fmt.Errorf("failed to watch credentials: %w", err)
		}
		go rt.WatchCredentials(ctx, clearOnUserChange(ctx, changes, responses, logger))
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Notification service did not stop cleanly.")
	}
	if fwd != nil {
		if err := fwd.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Relay did not stop cleanly.")
		}
	}
	return server.Shutdown(shutdownCtx)
}

func newCredentialSource(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger zerolog.Logger) (credentials.Source, error) {
	switch cfg.Credentials.Source {
	case config.CredentialsRedis:
		return credentials.NewRedisStore(ctx, rdb, credentials.RedisStoreConfig{Key: cfg.Credentials.RedisKey}, logger)
	case config.CredentialsStatic:
		return credentials.WithTokenSubject(credentials.NewStatic(cfg.Credentials.Token, cfg.Credentials.Username)), nil
	default:
		return credentials.NewFileStore(cfg.Credentials.File, logger)
	}
}

func newRelay(ctx context.Context, cfg *config.Config, creds credentials.Source, logger zerolog.Logger) (*relay.Relay, error) {
	client, err := pubsub.NewClient(ctx, cfg.Relay.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	publisher, err := relay.NewGooglePublisher(ctx, relay.NewPublisherDefaults(cfg.Relay.TopicID), client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return relay.New(relay.Config{NumWorkers: cfg.Relay.NumWorkers, BufferSize: cfg.Relay.BufferSize}, publisher, creds, logger)
}

// clearOnUserChange forwards changes, dropping every cached response first
// when the signed-in user changes.
func clearOnUserChange(ctx context.Context, in <-chan credentials.Change, c *cache.Service, logger zerolog.Logger) <-chan credentials.Change {
	out := make(chan credentials.Change)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-in:
				if !ok {
					return
				}
				if change.Key == credentials.KeyUsername && change.Material() {
					logger.Info().Msg("Signed-in user changed, clearing cached responses.")
					if err := c.ClearAll(ctx); err != nil {
						logger.Error().Err(err).Msg("Failed to clear the shared cache tier.")
					}
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
