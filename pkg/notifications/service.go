// Package notifications delivers a user's notifications from the realtime
// channel, falling back to REST polling while the channel is down.
package notifications

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/illmade-knight/go-jobfeed/pkg/jobapi"
	"github.com/illmade-knight/go-jobfeed/pkg/realtime"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultTopic is the per-user notification queue on the broker.
const DefaultTopic = "/user/queue/notifications"

// Realtime is the subset of *realtime.Client the service drives.
type Realtime interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Subscribe(topic string, handler realtime.MessageHandler) error
	OnConnect(fn func())
}

// API is the subset of *jobapi.Client the service reads from.
type API interface {
	Notifications(ctx context.Context, page, size int, unreadOnly bool) (jobapi.Page[jobapi.Notification], error)
	UnreadCount(ctx context.Context) (int64, error)
	MarkNotificationRead(ctx context.Context, id string) error
}

// Invalidator drops cached reads matching a pattern.
type Invalidator interface {
	Invalidate(ctx context.Context, pattern string) (int, error)
}

// Sink receives every notification exactly once, whichever path delivered it.
type Sink func(ctx context.Context, n jobapi.Notification)

// Intent is a subscription the service (re)issues on every connect.
type Intent struct {
	Topic   string
	Handler realtime.MessageHandler
}

// Config holds the delivery settings.
type Config struct {
	// Topic is the realtime destination for notifications.
	Topic string
	// PollInterval is how often REST is polled while disconnected.
	PollInterval time.Duration
	// PollPageSize is how many unread notifications a poll reads.
	PollPageSize int
	// SeenCapacity bounds how many delivered IDs are remembered for de-duplication.
	SeenCapacity int
}

// DefaultConfig returns the defaults: poll every 30s, 20 per page, remember
// 1000 IDs.
func DefaultConfig() Config {
	return Config{
		Topic:        DefaultTopic,
		PollInterval: 30 * time.Second,
		PollPageSize: 20,
		SeenCapacity: 1000,
	}
}

// Service owns the subscription intent list and the polling fallback.
type Service struct {
	cfg    Config
	rt     Realtime
	api    API
	cache  Invalidator
	sink   Sink
	clock  clockwork.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	intents []Intent
	seen    *lru.Cache
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock driving the poll loop.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// NewService creates a Service. It does nothing until Start.
func NewService(cfg Config, rt Realtime, api API, cache Invalidator, sink Sink, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if rt == nil || api == nil || sink == nil {
		return nil, errors.New("realtime client, api client and sink are required")
	}
	defaults := DefaultConfig()
	if cfg.Topic == "" {
		cfg.Topic = defaults.Topic
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.PollPageSize <= 0 {
		cfg.PollPageSize = defaults.PollPageSize
	}
	if cfg.SeenCapacity <= 0 {
		cfg.SeenCapacity = defaults.SeenCapacity
	}
	s := &Service{
		cfg:    cfg,
		rt:     rt,
		api:    api,
		cache:  cache,
		sink:   sink,
		clock:  clockwork.NewRealClock(),
		logger: logger.With().Str("component", "NotificationService").Logger(),
		seen:   lru.New(cfg.SeenCapacity),
		runCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.intents = []Intent{{Topic: cfg.Topic, Handler: s.handleRealtime}}
	rt.OnConnect(s.replay)
	return s, nil
}

// AddIntent adds a subscription that is issued now, if connected, and again
// after every reconnect.
func (s *Service) AddIntent(topic string, handler realtime.MessageHandler) {
	s.mu.Lock()
	s.intents = append(s.intents, Intent{Topic: topic, Handler: handler})
	s.mu.Unlock()
	if s.rt.IsConnected() {
		if err := s.rt.Subscribe(topic, handler); err != nil {
			s.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to subscribe.")
		}
	}
}

// Start connects the realtime client and starts the polling fallback. A
// failed connection is not an error: the client retries and polling covers
// the gap.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("notification service already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCtx, s.cancel = runCtx, cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pollLoop(runCtx)

	if err := s.rt.Connect(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Realtime connection unavailable, polling until it recovers.")
		// The realtime client does not retry configuration errors.
		if errors.Is(err, realtime.ErrMissingCredentials) {
			s.logger.Warn().Msg("No credentials stored, realtime delivery is disabled until they change.")
		}
	}
	s.logger.Info().Str("topic", s.cfg.Topic).Dur("poll_interval", s.cfg.PollInterval).Msg("Notification service started.")
	return nil
}

// Stop halts polling and disconnects the realtime client.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.rt.Disconnect()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Notification service stopped.")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnreadCount returns the cached unread count.
func (s *Service) UnreadCount(ctx context.Context) (int64, error) {
	return s.api.UnreadCount(ctx)
}

// MarkRead marks a notification read.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.api.MarkNotificationRead(ctx, id)
}

// replay issues every intent. It runs on each successful connect.
func (s *Service) replay() {
	s.mu.Lock()
	intents := append([]Intent(nil), s.intents...)
	s.mu.Unlock()
	for _, in := range intents {
		if err := s.rt.Subscribe(in.Topic, in.Handler); err != nil {
			s.logger.Warn().Err(err).Str("topic", in.Topic).Msg("Failed to replay subscription.")
		}
	}
	s.logger.Debug().Int("intents", len(intents)).Msg("Subscriptions replayed.")
}

func (s *Service) handleRealtime(p realtime.Payload) {
	var n jobapi.Notification
	if err := p.Decode(&n); err != nil {
		s.logger.Warn().Err(err).Str("destination", p.Destination).Str("body", p.Text()).Msg("Dropping notification that is not a JSON object.")
		return
	}
	s.deliver(s.context(), n, "realtime")
}

func (s *Service) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if s.rt.IsConnected() {
				continue
			}
			s.Poll(ctx)
		}
	}
}

// Poll reads unread notifications over REST and delivers the unseen ones. It
// returns how many were delivered.
func (s *Service) Poll(ctx context.Context) int {
	page, err := s.api.Notifications(ctx, 0, s.cfg.PollPageSize, true)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Notification poll failed.")
		return 0
	}
	delivered := 0
	for _, n := range page.Content {
		if s.deliver(ctx, n, "poll") {
			delivered++
		}
	}
	s.logger.Debug().Int("fetched", len(page.Content)).Int("delivered", delivered).Msg("Polled notifications.")
	return delivered
}

// deliver hands n to the sink unless its ID was already delivered.
func (s *Service) deliver(ctx context.Context, n jobapi.Notification, source string) bool {
	if n.ID != "" {
		s.mu.Lock()
		if _, dup := s.seen.Get(n.ID); dup {
			s.mu.Unlock()
			s.logger.Debug().Str("id", n.ID).Str("source", source).Msg("Skipping duplicate notification.")
			return false
		}
		s.seen.Add(n.ID, struct{}{})
		s.mu.Unlock()
	}

	if s.cache != nil {
		if _, err := s.cache.Invalidate(ctx, jobapi.NotificationsPattern); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to invalidate cached notification reads.")
		}
	}
	s.sink(ctx, n)
	return true
}

func (s *Service) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}
