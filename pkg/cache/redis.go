package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the shared Redis tier.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// CacheTTL is the expiry set on values written back to Redis.
	CacheTTL time.Duration
	// KeyPrefix namespaces cache keys in a shared Redis.
	KeyPrefix string
	// WriteTimeout bounds each background write-back.
	WriteTimeout time.Duration
}

// RedisLayer is a shared tier between the in-memory Service and the origin.
// Values are stored with the time the origin produced them, so a value is
// only reused while it is younger than the reading call's TTL.
type RedisLayer struct {
	redisClient  *redis.Client
	logger       zerolog.Logger
	ttl          time.Duration
	prefix       string
	writeTimeout time.Duration
	wg           sync.WaitGroup

	// mu is held for reading by every write and for writing by Clear, so a
	// write-back never lands after the tier was cleared.
	mu         sync.RWMutex
	generation uint64
}

// layerEnvelope is the JSON stored under each key.
type layerEnvelope struct {
	FetchedAt time.Time       `json:"fetchedAt"`
	Value     json.RawMessage `json:"value"`
}

// NewRedisLayer creates and connects a RedisLayer.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisLayer(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisLayer, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &RedisLayer{
		redisClient:  rdb,
		logger:       logger.With().Str("component", "RedisLayer").Logger(),
		ttl:          cfg.CacheTTL,
		prefix:       cfg.KeyPrefix,
		writeTimeout: writeTimeout,
	}, nil
}

// lookup returns the value stored under key when it was fetched less than
// maxAge before now. Misses, Redis failures and undecodable values all report
// ok == false.
func (l *RedisLayer) lookup(ctx context.Context, key string, decode func([]byte) (any, error), now time.Time, maxAge time.Duration) (any, time.Time, bool) {
	cachedData, err := l.redisClient.Get(ctx, l.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			l.logger.Warn().Err(err).Str("key", key).Msg("Redis read failed, falling back to origin.")
		}
		return nil, time.Time{}, false
	}
	var env layerEnvelope
	if err := json.Unmarshal(cachedData, &env); err != nil {
		l.logger.Error().Err(err).Str("key", key).Msg("Failed to unmarshal cached data.")
		return nil, time.Time{}, false
	}
	if age := now.Sub(env.FetchedAt); age >= maxAge {
		l.logger.Debug().Str("key", key).Dur("age", age).Msg("Redis value is past its TTL, ignoring.")
		return nil, time.Time{}, false
	}
	value, err := decode(env.Value)
	if err != nil {
		l.logger.Error().Err(err).Str("key", key).Msg("Failed to decode cached value.")
		return nil, time.Time{}, false
	}
	l.logger.Debug().Str("key", key).Msg("Redis cache hit.")
	return value, env.FetchedAt, true
}

// writeBack stores value under key in a background goroutine. It is dropped
// if Clear runs before the write starts.
func (l *RedisLayer) writeBack(key string, value any, fetchedAt time.Time) {
	l.mu.RLock()
	gen := l.generation
	l.mu.RUnlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		writeCtx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
		defer cancel()

		l.mu.RLock()
		defer l.mu.RUnlock()
		if gen != l.generation {
			l.logger.Debug().Str("key", key).Msg("Redis tier cleared since fetch, skipping write-back.")
			return
		}
		if err := l.write(writeCtx, key, value, fetchedAt); err != nil {
			l.logger.Error().Err(err).Str("key", key).Msg("Failed to write to Redis in background.")
		}
	}()
}

// write sets a value in Redis with the configured TTL.
func (l *RedisLayer) write(ctx context.Context, key string, value any, fetchedAt time.Time) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	jsonData, err := json.Marshal(layerEnvelope{FetchedAt: fetchedAt, Value: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := l.redisClient.Set(ctx, l.prefix+key, jsonData, l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	l.logger.Debug().Str("key", key).Msg("Successfully stored data in Redis.")
	return nil
}

// InvalidateMatching deletes every key under the layer prefix whose unprefixed
// name matches re.
func (l *RedisLayer) InvalidateMatching(ctx context.Context, re *regexp.Regexp) (int, error) {
	var matched []string
	iter := l.redisClient.Scan(ctx, 0, l.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		if re.MatchString(strings.TrimPrefix(full, l.prefix)) {
			matched = append(matched, full)
		}
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan for invalidation: %w", err)
	}
	if len(matched) == 0 {
		return 0, nil
	}
	removed, err := l.redisClient.Del(ctx, matched...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del for invalidation: %w", err)
	}
	return int(removed), nil
}

// Clear deletes every key under the layer prefix and discards write-backs
// that have not reached Redis yet.
func (l *RedisLayer) Clear(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation++
	return l.InvalidateMatching(ctx, matchAll)
}

var matchAll = regexp.MustCompile(".*")

// Close waits for pending write-backs and closes the Redis client connection.
func (l *RedisLayer) Close() error {
	l.wg.Wait()
	if l.redisClient != nil {
		l.logger.Info().Msg("Closing Redis client connection...")
		return l.redisClient.Close()
	}
	return nil
}
