// Package config loads the notifyrelay configuration from defaults, an
// optional YAML file and JOBFEED_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	envprovider "github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks the environment variables read by Load. Nested keys are
// separated by a double underscore: JOBFEED_REALTIME__ENDPOINT.
const EnvPrefix = "JOBFEED_"

// Credential source kinds.
const (
	CredentialsFile   = "file"
	CredentialsRedis  = "redis"
	CredentialsStatic = "static"
)

// Config is the full notifyrelay configuration.
type Config struct {
	LogLevel      string              `koanf:"log_level"`
	HTTP          HTTPConfig          `koanf:"http"`
	API           APIConfig           `koanf:"api"`
	Realtime      RealtimeConfig      `koanf:"realtime"`
	Credentials   CredentialsConfig   `koanf:"credentials"`
	Redis         RedisConfig         `koanf:"redis"`
	Cache         CacheConfig         `koanf:"cache"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Relay         RelayConfig         `koanf:"relay"`
}

// HTTPConfig configures the health and metrics server.
type HTTPConfig struct {
	Port string `koanf:"port"`
}

// APIConfig configures the REST client.
type APIConfig struct {
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

// RealtimeConfig configures the STOMP-over-WebSocket client.
type RealtimeConfig struct {
	Endpoint           string        `koanf:"endpoint"`
	Host               string        `koanf:"host"`
	ReconnectDelay     time.Duration `koanf:"reconnect_delay"`
	HandshakeTimeout   time.Duration `koanf:"handshake_timeout"`
	HeartbeatOutgoing  time.Duration `koanf:"heartbeat_outgoing"`
	HeartbeatIncoming  time.Duration `koanf:"heartbeat_incoming"`
	CACertFile         string        `koanf:"ca_cert_file"`
	InsecureSkipVerify bool          `koanf:"insecure_skip_verify"`
}

// CredentialsConfig selects where the access token and username come from.
type CredentialsConfig struct {
	Source   string `koanf:"source"`
	File     string `koanf:"file"`
	RedisKey string `koanf:"redis_key"`
	Token    string `koanf:"token"`
	Username string `koanf:"username"`
}

// RedisConfig configures the shared Redis. An empty Addr disables it.
type RedisConfig struct {
	Addr      string        `koanf:"addr"`
	Password  string        `koanf:"password"`
	DB        int           `koanf:"db"`
	CacheTTL  time.Duration `koanf:"cache_ttl"`
	KeyPrefix string        `koanf:"key_prefix"`
}

// CacheConfig configures the in-process response cache.
type CacheConfig struct {
	TTL                  time.Duration `koanf:"ttl"`
	StaleWhileRevalidate bool          `koanf:"stale_while_revalidate"`
	StaleWindow          time.Duration `koanf:"stale_window"`
	MaxEntries           int           `koanf:"max_entries"`
}

// NotificationsConfig configures delivery and the polling fallback.
type NotificationsConfig struct {
	Topic        string        `koanf:"topic"`
	PollInterval time.Duration `koanf:"poll_interval"`
	PollPageSize int           `koanf:"poll_page_size"`
	SeenCapacity int           `koanf:"seen_capacity"`
}

// RelayConfig configures forwarding to Pub/Sub.
type RelayConfig struct {
	Enabled    bool   `koanf:"enabled"`
	ProjectID  string `koanf:"project_id"`
	TopicID    string `koanf:"topic_id"`
	NumWorkers int    `koanf:"num_workers"`
	BufferSize int    `koanf:"buffer_size"`
}

func defaults() map[string]any {
	return map[string]any{
		"log_level": "info",
		"http.port": ":8080",

		"api.timeout": "15s",

		"realtime.reconnect_delay":    "5s",
		"realtime.handshake_timeout":  "10s",
		"realtime.heartbeat_outgoing": "10s",
		"realtime.heartbeat_incoming": "10s",

		"credentials.source":    CredentialsFile,
		"credentials.redis_key": "jobfeed:credentials",

		"redis.cache_ttl":  "10m",
		"redis.key_prefix": "jobfeed:",

		"cache.ttl":                    "5m",
		"cache.stale_while_revalidate": true,
		"cache.max_entries":            1000,

		"notifications.topic":          "/user/queue/notifications",
		"notifications.poll_interval":  "30s",
		"notifications.poll_page_size": 20,
		"notifications.seen_capacity":  1000,

		"relay.num_workers": 2,
		"relay.buffer_size": 100,
	}
}

// Load builds the configuration. path names an optional YAML file; a missing
// file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}

	if err := k.Load(envprovider.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// envKey maps JOBFEED_REALTIME__RECONNECT_DELAY to realtime.reconnect_delay.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate reports every missing or inconsistent setting.
func (c *Config) Validate() error {
	var errs []error
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	} else if _, err := url.ParseRequestURI(c.API.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("api.base_url: %w", err))
	}
	if c.Realtime.Endpoint == "" {
		errs = append(errs, errors.New("realtime.endpoint is required"))
	} else if u, err := url.Parse(c.Realtime.Endpoint); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("realtime.endpoint must be a ws:// or wss:// url, got %q", c.Realtime.Endpoint))
	}

	switch c.Credentials.Source {
	case CredentialsFile:
		if c.Credentials.File == "" {
			errs = append(errs, errors.New("credentials.file is required for the file source"))
		}
	case CredentialsRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis credential source"))
		}
	case CredentialsStatic:
	default:
		errs = append(errs, fmt.Errorf("credentials.source %q is not one of file, redis, static", c.Credentials.Source))
	}

	if c.Relay.Enabled && (c.Relay.ProjectID == "" || c.Relay.TopicID == "") {
		errs = append(errs, errors.New("relay.project_id and relay.topic_id are required when the relay is enabled"))
	}
	if c.Notifications.PollInterval <= 0 {
		errs = append(errs, errors.New("notifications.poll_interval must be positive"))
	}
	return errors.Join(errs...)
}
