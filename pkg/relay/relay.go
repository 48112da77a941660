// Package relay forwards delivered notifications to a downstream topic.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-jobfeed/pkg/credentials"
	"github.com/illmade-knight/go-jobfeed/pkg/jobapi"
	"github.com/rs/zerolog"
)

// Attribute keys set on every relayed message.
const (
	AttrNotificationID   = "notification_id"
	AttrNotificationType = "notification_type"
	AttrUsername         = "username"
)

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("relay stopped")

// ErrBufferFull is returned by Enqueue when the workers are behind.
var ErrBufferFull = errors.New("relay buffer full")

// Config holds the worker pool settings.
type Config struct {
	NumWorkers int
	BufferSize int
}

// Relay fans notifications out to a pool of workers that publish them.
type Relay struct {
	cfg       Config
	publisher Publisher
	creds     credentials.Source
	logger    zerolog.Logger

	mu      sync.RWMutex
	input   chan jobapi.Notification
	stopped bool
	wg      sync.WaitGroup
}

// New creates a Relay. creds supplies the username attribute and may be nil.
func New(cfg Config, publisher Publisher, creds credentials.Source, logger zerolog.Logger) (*Relay, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 2
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	return &Relay{
		cfg:       cfg,
		publisher: publisher,
		creds:     creds,
		logger:    logger.With().Str("component", "NotificationRelay").Logger(),
		input:     make(chan jobapi.Notification, cfg.BufferSize),
	}, nil
}

// Start launches the workers. They keep ctx's values but not its
// cancellation: workers exit only once Stop has closed the buffer and they
// have drained it.
func (r *Relay) Start(ctx context.Context) {
	runCtx := context.WithoutCancel(ctx)
	r.logger.Info().Int("worker_count", r.cfg.NumWorkers).Msg("Starting relay workers.")
	r.wg.Add(r.cfg.NumWorkers)
	for i := 0; i < r.cfg.NumWorkers; i++ {
		go r.worker(runCtx, i)
	}
}

// Handle enqueues n, logging instead of blocking when it cannot. Its signature
// matches notifications.Sink.
func (r *Relay) Handle(_ context.Context, n jobapi.Notification) {
	if err := r.Enqueue(n); err != nil {
		r.logger.Warn().Err(err).Str("notification_id", n.ID).Msg("Dropping notification.")
	}
}

// Enqueue buffers n for publishing without blocking.
func (r *Relay) Enqueue(n jobapi.Notification) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return ErrStopped
	}
	select {
	case r.input <- n:
		return nil
	default:
		return ErrBufferFull
	}
}

// Stop closes the buffer, waits for the workers to drain it and then flushes
// the publisher, all bounded by ctx.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.input)
	}
	r.mu.Unlock()

	workerDone := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(workerDone)
	}()
	select {
	case <-workerDone:
		r.logger.Info().Msg("All relay workers completed.")
	case <-ctx.Done():
		r.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for relay workers to finish.")
		return ctx.Err()
	}
	return r.publisher.Stop(ctx)
}

func (r *Relay) worker(ctx context.Context, workerID int) {
	defer r.wg.Done()
	for n := range r.input {
		if err := r.publish(ctx, n); err != nil {
			r.logger.Error().Err(err).Str("notification_id", n.ID).Msg("Failed to relay notification.")
		}
	}
	r.logger.Debug().Int("worker_id", workerID).Msg("Relay worker drained its input.")
}

func (r *Relay) publish(ctx context.Context, n jobapi.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	attrs := map[string]string{
		AttrNotificationID:   n.ID,
		AttrNotificationType: n.Type,
	}
	if r.creds != nil {
		if username, ok := r.creds.Username(); ok {
			attrs[AttrUsername] = username
		}
	}
	return r.publisher.Publish(ctx, payload, attrs)
}
