package realtime

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds the connection settings for the notification broker.
type Config struct {
	// Endpoint is the WebSocket URL of the broker.
	// Example: "wss://jobs.example.com/ws"
	Endpoint string
	// Host is sent in the STOMP CONNECT host header. Defaults to the endpoint host.
	Host string
	// ReconnectDelay is the fixed wait before each retry after a connection failure.
	ReconnectDelay time.Duration
	// HandshakeTimeout bounds the dial plus CONNECT/CONNECTED exchange.
	HandshakeTimeout time.Duration
	// HeartbeatOutgoing is how often the client offers to send heart-beats. Zero disables.
	HeartbeatOutgoing time.Duration
	// HeartbeatIncoming is how often the client asks the broker to send heart-beats. Zero disables.
	HeartbeatIncoming time.Duration
	// CACertFile is an optional CA bundle for verifying a wss:// broker.
	CACertFile string
	// InsecureSkipVerify skips TLS certificate verification.
	// This is NOT recommended for production environments.
	InsecureSkipVerify bool
}

// Env constants for realtime settings.
const (
	EnvEndpoint                = "REALTIME_ENDPOINT"
	EnvHost                    = "REALTIME_HOST"
	EnvReconnectDelaySeconds   = "REALTIME_RECONNECT_DELAY_SECONDS"
	EnvHeartbeatSeconds        = "REALTIME_HEARTBEAT_SECONDS"
	EnvCACertFile              = "REALTIME_CA_CERT_FILE"
	EnvInsecureSkipVerify      = "REALTIME_INSECURE_SKIP_VERIFY"
	defaultReconnectDelay      = 5 * time.Second
	defaultHandshakeTimeout    = 10 * time.Second
	defaultHeartbeatInterval   = 10 * time.Second
	heartbeatToleranceMultiple = 2
)

// DefaultConfig returns the defaults: a 5s reconnect delay and 10s heart-beats
// in both directions.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    defaultReconnectDelay,
		HandshakeTimeout:  defaultHandshakeTimeout,
		HeartbeatOutgoing: defaultHeartbeatInterval,
		HeartbeatIncoming: defaultHeartbeatInterval,
	}
}

// LoadConfigWithEnv loads the realtime configuration from environment
// variables on top of DefaultConfig.
func LoadConfigWithEnv() Config {
	cfg := DefaultConfig()
	cfg.Endpoint = os.Getenv(EnvEndpoint)
	cfg.Host = os.Getenv(EnvHost)
	cfg.CACertFile = os.Getenv(EnvCACertFile)
	if skipVerify := os.Getenv(EnvInsecureSkipVerify); skipVerify == "true" {
		cfg.InsecureSkipVerify = true
	}

	if d := os.Getenv(EnvReconnectDelaySeconds); d != "" {
		if s, err := strconv.Atoi(d); err == nil && s > 0 {
			cfg.ReconnectDelay = time.Duration(s) * time.Second
		} else {
			log.Warn().Str("value", d).Msg("realtime: invalid reconnect delay, using default.")
		}
	}
	if hb := os.Getenv(EnvHeartbeatSeconds); hb != "" {
		if s, err := strconv.Atoi(hb); err == nil && s >= 0 {
			cfg.HeartbeatOutgoing = time.Duration(s) * time.Second
			cfg.HeartbeatIncoming = time.Duration(s) * time.Second
		} else {
			log.Warn().Str("value", hb).Msg("realtime: invalid heart-beat interval, using default.")
		}
	}
	return cfg
}
