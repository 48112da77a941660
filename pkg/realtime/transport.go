package realtime

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/websocket"
)

// Dialer abstracts WebSocket connection creation for testing. Every connect
// attempt dials a new Conn.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, error)
}

// Conn abstracts a WebSocket connection for testing. Reads happen on one
// goroutine; the client serialises writes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// gorillaDialer wraps websocket.Dialer to implement our Dialer interface.
type gorillaDialer struct {
	dialer *websocket.Dialer
}

// NewWebSocketDialer returns the default Dialer for cfg, configuring TLS when
// a CA bundle or InsecureSkipVerify is set.
func NewWebSocketDialer(cfg Config) (Dialer, error) {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Subprotocols:     []string{"v12.stomp"},
	}
	if cfg.CACertFile != "" || cfg.InsecureSkipVerify {
		tlsConfig, err := newTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		d.TLSClientConfig = tlsConfig
	}
	return &gorillaDialer{dialer: d}, nil
}

func (d *gorillaDialer) DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// newTLSConfig is a helper to create a tls.Config.
func newTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	return tlsConfig, nil
}
