package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStoreConfig locates the credentials in a shared Redis.
type RedisStoreConfig struct {
	// Key is the hash holding the accessToken and username fields.
	Key string
	// Channel receives a JSON Change for every Set.
	Channel string
}

// RedisStore keeps credentials in a Redis hash so that several processes can
// share one login. Reads are served from the last synced copy.
type RedisStore struct {
	client *redis.Client
	cfg    RedisStoreConfig
	logger zerolog.Logger

	mu      sync.RWMutex
	current map[string]string
}

// NewRedisStore creates a RedisStore and loads the current values.
func NewRedisStore(ctx context.Context, client *redis.Client, cfg RedisStoreConfig, logger zerolog.Logger) (*RedisStore, error) {
	if cfg.Key == "" {
		cfg.Key = "jobfeed:credentials"
	}
	if cfg.Channel == "" {
		cfg.Channel = cfg.Key + ":changes"
	}
	s := &RedisStore{
		client:  client,
		cfg:     cfg,
		logger:  logger.With().Str("component", "CredentialRedisStore").Logger(),
		current: map[string]string{},
	}
	if err := s.Sync(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// AccessToken implements Source.
func (s *RedisStore) AccessToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return present(s.current[KeyAccessToken])
}

// Username implements Source.
func (s *RedisStore) Username() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return present(s.current[KeyUsername])
}

// Sync reloads every field from Redis.
func (s *RedisStore) Sync(ctx context.Context) error {
	values, err := s.client.HGetAll(ctx, s.cfg.Key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read credentials from redis: %w", err)
	}
	s.mu.Lock()
	s.current = values
	s.mu.Unlock()
	return nil
}

// Set writes one credential field and notifies watchers. An empty value
// removes the field.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if key != KeyAccessToken && key != KeyUsername {
		return fmt.Errorf("unknown credential key %q", key)
	}
	s.mu.RLock()
	old := s.current[key]
	s.mu.RUnlock()

	pipe := s.client.Pipeline()
	if value == "" {
		pipe.HDel(ctx, s.cfg.Key, key)
	} else {
		pipe.HSet(ctx, s.cfg.Key, key, value)
	}
	payload, err := json.Marshal(Change{Key: key, OldValue: old, NewValue: value})
	if err != nil {
		return fmt.Errorf("failed to marshal credential change: %w", err)
	}
	pipe.Publish(ctx, s.cfg.Channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	s.mu.Lock()
	if value == "" {
		delete(s.current, key)
	} else {
		s.current[key] = value
	}
	s.mu.Unlock()
	return nil
}

// Watch subscribes to change notifications. Each received change is applied to
// the local copy before it is emitted. The channel is closed when ctx is done.
func (s *RedisStore) Watch(ctx context.Context) (<-chan Change, error) {
	sub := s.client.Subscribe(ctx, s.cfg.Channel)
	// Wait for the subscription confirmation so no Set is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to credential changes: %w", err)
	}

	out := make(chan Change)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var change Change
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					s.logger.Warn().Err(err).Msg("Ignoring malformed credential change.")
					continue
				}
				s.apply(change)
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) apply(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.NewValue == "" {
		delete(s.current, c.Key)
		return
	}
	s.current[c.Key] = c.NewValue
}
