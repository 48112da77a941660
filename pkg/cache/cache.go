// Package cache provides a response cache for remote reads with
// stale-while-revalidate freshness and per-key request de-duplication.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxKeyLength is the maximum allowed length for a cache key.
const MaxKeyLength = 512

var (
	// ErrInvalidKey is returned for empty keys or keys containing line breaks.
	ErrInvalidKey = errors.New("cache: key is invalid")
	// ErrKeyTooLong is returned for keys longer than MaxKeyLength.
	ErrKeyTooLong = errors.New("cache: key exceeds max length")
	// ErrNilFetcher is returned when Get is called without a fetcher.
	ErrNilFetcher = errors.New("cache: fetcher is nil")
	// ErrTypeMismatch is returned by Fetch when the cached value has a different type.
	ErrTypeMismatch = errors.New("cache: cached value has unexpected type")
)

// Fetcher loads the value of one logical request from its origin.
// It must be safe to call from a goroutine other than the caller's.
type Fetcher[V any] func(ctx context.Context) (V, error)

// Policy configures freshness for a cache read.
type Policy struct {
	// TTL is how long an entry is fresh.
	TTL time.Duration
	// StaleWhileRevalidate serves an expired entry while it is refreshed in the background.
	StaleWhileRevalidate bool
	// StaleWindow is how long past TTL an entry may still be served stale.
	// Zero means the window equals TTL, so entries are usable up to 2×TTL.
	StaleWindow time.Duration
}

// DefaultPolicy returns the policy used when a read does not override it:
// five minute TTL with stale-while-revalidate enabled.
func DefaultPolicy() Policy {
	return Policy{
		TTL:                  5 * time.Minute,
		StaleWhileRevalidate: true,
	}
}

// staleLimit is the age from which an entry is treated as absent.
func (p Policy) staleLimit() time.Duration {
	window := p.StaleWindow
	if window <= 0 {
		window = p.TTL
	}
	return p.TTL + window
}

// CallOption overrides the service policy for a single read.
type CallOption func(*Policy)

// WithTTL overrides the TTL.
func WithTTL(ttl time.Duration) CallOption {
	return func(p *Policy) {
		if ttl > 0 {
			p.TTL = ttl
		}
	}
}

// WithStaleWhileRevalidate enables or disables serving stale entries.
func WithStaleWhileRevalidate(enabled bool) CallOption {
	return func(p *Policy) { p.StaleWhileRevalidate = enabled }
}

// WithStaleWindow overrides how long past TTL a stale entry remains usable.
func WithStaleWindow(window time.Duration) CallOption {
	return func(p *Policy) { p.StaleWindow = window }
}

// ValidateKey checks that key can be used as a cache key.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" || strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}

// Key joins the parts of a logical request into a cache key, e.g.
// Key("applications", "job", 1, 0, 20, "all") == "applications-job-1-0-20-all".
func Key(parts ...any) string {
	s := make([]string, 0, len(parts))
	for _, p := range parts {
		s = append(s, fmt.Sprint(p))
	}
	return strings.Join(s, "-")
}
