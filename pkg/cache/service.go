package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/illmade-knight/go-jobfeed/pkg/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	pathSync       = "sync"
	pathBackground = "background"
)

// entry is one cached value. Entries are never mutated once stored; a refresh
// replaces the whole entry.
type entry struct {
	key       string
	value     any
	fetchedAt time.Time
	element   *list.Element
}

// source is how a flight obtains a value. decode is set for typed reads and
// allows the value to be served from, and written to, the Redis layer.
type source struct {
	fetch  Fetcher[any]
	decode func([]byte) (any, error)
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy sets the default policy for reads that do not override it.
func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithMaxEntries bounds the number of entries; the least recently used entry
// is evicted when the bound is exceeded. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// WithClock sets the clock used for entry ages.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithMetrics records hits, misses and errors on m.
func WithMetrics(m *metrics.CacheMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLayer puts a shared Redis tier behind the in-memory entries. Typed reads
// through Fetch consult it before the origin when they have no usable entry.
// Background refreshes always go to the origin. Invalidate and ClearAll clear
// both tiers.
func WithLayer(l *RedisLayer) Option {
	return func(s *Service) { s.layer = l }
}

// Service is the response cache. It is meant to be constructed once by the
// hosting application and passed to every call site.
//
// For each key it keeps at most one entry and at most one in-flight fetch.
// Concurrent readers of a key that has no usable entry share the same fetch.
type Service struct {
	policy     Policy
	maxEntries int
	clock      clockwork.Clock
	logger     zerolog.Logger
	metrics    *metrics.CacheMetrics
	layer      *RedisLayer

	mu         sync.Mutex
	entries    map[string]*entry
	lru        *list.List
	flights    *singleflight.Group
	generation uint64

	wg sync.WaitGroup
}

// NewService creates an empty cache.
func NewService(logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		policy:  DefaultPolicy(),
		clock:   clockwork.NewRealClock(),
		logger:  logger.With().Str("component", "CacheService").Logger(),
		entries: make(map[string]*entry),
		lru:     list.New(),
		flights: &singleflight.Group{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value for key, calling fetch only when no usable entry exists.
//
//   - A fresh entry (age < TTL) is returned without calling fetch.
//   - With stale-while-revalidate, an entry younger than the stale limit is
//     returned immediately and refreshed in the background. Refresh errors are
//     logged and never returned.
//   - Otherwise the caller waits for a fetch, joining one already in flight for
//     the same key. A failed fetch caches nothing and its error is returned to
//     every waiter.
//
// Cancelling ctx abandons the wait but not the fetch, which still completes for
// other waiters and populates the cache.
func (s *Service) Get(ctx context.Context, key string, fetch Fetcher[any], opts ...CallOption) (any, error) {
	if fetch == nil {
		return nil, ErrNilFetcher
	}
	return s.get(ctx, key, source{fetch: fetch}, opts)
}

func (s *Service) get(ctx context.Context, key string, src source, opts []CallOption) (any, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	p := s.policy
	for _, opt := range opts {
		opt(&p)
	}

	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		age := s.clock.Since(e.fetchedAt)
		switch {
		case age < p.TTL:
			s.lru.MoveToFront(e.element)
			s.mu.Unlock()
			s.metrics.RecordHit()
			return e.value, nil
		case p.StaleWhileRevalidate && age < p.staleLimit():
			flights, gen := s.flights, s.generation
			s.mu.Unlock()
			s.metrics.RecordStaleHit()
			s.logger.Debug().Str("key", key).Dur("age", age).Msg("Serving stale entry, revalidating in background.")
			s.revalidate(ctx, flights, gen, key, src, p)
			return e.value, nil
		case age >= p.staleLimit():
			s.removeLocked(e)
		}
	}
	flights, gen := s.flights, s.generation
	s.mu.Unlock()

	s.metrics.RecordMiss()
	return s.load(ctx, flights, gen, key, src, p)
}

// Fetch is the typed form of Get. When the service has a Redis layer, a read
// without a usable in-memory entry first looks for a value in Redis that is
// younger than the TTL.
func Fetch[V any](ctx context.Context, s *Service, key string, fetch Fetcher[V], opts ...CallOption) (V, error) {
	var zero V
	if fetch == nil {
		return zero, ErrNilFetcher
	}
	src := source{
		fetch: func(ctx context.Context) (any, error) {
			v, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			return v, nil
		},
		decode: func(data []byte) (any, error) {
			var v V
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}

	value, err := s.get(ctx, key, src, opts)
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}
	typed, ok := value.(V)
	if !ok {
		return zero, fmt.Errorf("%w: key %q holds %T", ErrTypeMismatch, key, value)
	}
	return typed, nil
}

// load waits for the flight of key, starting one if none is running.
func (s *Service) load(ctx context.Context, flights *singleflight.Group, gen uint64, key string, src source, p Policy) (any, error) {
	ch := flights.DoChan(key, s.flight(ctx, gen, key, src, p, pathSync))
	select {
	case res := <-ch:
		if res.Shared {
			s.metrics.RecordShared()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// revalidate refreshes key in the background. The flight is registered before
// returning so that concurrent stale reads join it rather than start another.
func (s *Service) revalidate(ctx context.Context, flights *singleflight.Group, gen uint64, key string, src source, p Policy) {
	ch := flights.DoChan(key, s.flight(ctx, gen, key, src, p, pathBackground))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if res := <-ch; res.Err != nil {
			s.logger.Warn().Err(res.Err).Str("key", key).Msg("Background revalidation failed, keeping stale entry.")
		}
	}()
}

// flight builds the function run once per in-flight fetch of key. Only the
// synchronous path reads the Redis layer; a value found there keeps the time
// the origin produced it, so its age still counts against the TTL.
func (s *Service) flight(ctx context.Context, gen uint64, key string, src source, p Policy, path string) func() (any, error) {
	fetchCtx := context.WithoutCancel(ctx)
	layered := s.layer != nil && src.decode != nil
	return func() (any, error) {
		if layered && path == pathSync {
			if value, fetchedAt, ok := s.layer.lookup(fetchCtx, key, src.decode, s.clock.Now(), p.TTL); ok {
				s.store(gen, key, value, fetchedAt, false)
				return value, nil
			}
		}
		value, err := src.fetch(fetchCtx)
		if err != nil {
			s.metrics.RecordFetchError(path)
			s.logger.Debug().Err(err).Str("key", key).Str("path", path).Msg("Fetch failed, nothing cached.")
			return nil, err
		}
		s.store(gen, key, value, s.clock.Now(), layered)
		return value, nil
	}
}

// store replaces the entry for key unless the cache was cleared after the
// fetch started. With writeBack set the value is also copied to the Redis
// layer.
func (s *Service) store(gen uint64, key string, value any, fetchedAt time.Time, writeBack bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		s.logger.Debug().Str("key", key).Msg("Cache cleared during fetch, discarding result.")
		return
	}
	s.putLocked(key, value, fetchedAt)
	if writeBack {
		s.layer.writeBack(key, value, fetchedAt)
	}
}

func (s *Service) putLocked(key string, value any, fetchedAt time.Time) {
	if old, ok := s.entries[key]; ok {
		s.removeLocked(old)
	}
	e := &entry{key: key, value: value, fetchedAt: fetchedAt}
	e.element = s.lru.PushFront(e)
	s.entries[key] = e

	for s.maxEntries > 0 && s.lru.Len() > s.maxEntries {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		s.removeLocked(oldest.Value.(*entry))
	}
}

// removeLocked must be called with mu held.
func (s *Service) removeLocked(e *entry) {
	s.lru.Remove(e.element)
	delete(s.entries, e.key)
}

// Set stores value for key with a fresh timestamp, e.g. after a mutation that
// returned the updated resource.
func (s *Service) Set(key string, value any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(key, value, s.clock.Now())
	return nil
}

// Peek returns the cached value for key and when it was fetched, without
// affecting recency or triggering a fetch.
func (s *Service) Peek(key string) (any, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, time.Time{}, false
	}
	return e.value, e.fetchedAt, true
}

// Len returns the number of cached entries.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Invalidate removes every entry whose key matches the regular expression
// pattern. A plain prefix such as "applications-" is a valid pattern; anchor it
// ("^applications-") to match only at the start. Fetches already in flight are
// not affected and still store their result.
func (s *Service) Invalidate(ctx context.Context, pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("cache: invalid invalidation pattern %q: %w", pattern, err)
	}
	return s.InvalidateMatching(ctx, re)
}

// InvalidateMatching removes every entry whose key matches re, in memory and,
// when configured, in the Redis layer.
func (s *Service) InvalidateMatching(ctx context.Context, re *regexp.Regexp) (int, error) {
	s.mu.Lock()
	removed := 0
	for key, e := range s.entries {
		if re.MatchString(key) {
			s.removeLocked(e)
			removed++
		}
	}
	s.mu.Unlock()

	s.metrics.RecordInvalidated(removed)
	s.logger.Debug().Str("pattern", re.String()).Int("removed", removed).Msg("Invalidated cache entries.")

	if s.layer != nil {
		if _, err := s.layer.InvalidateMatching(ctx, re); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// ClearAll drops every entry and forgets every in-flight fetch. Callers already
// waiting on a fetch still receive its result, but it is not cached in either
// tier. With a Redis layer every key under its prefix is deleted too.
func (s *Service) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.lru.Init()
	s.flights = &singleflight.Group{}
	s.generation++
	s.mu.Unlock()

	if s.layer != nil {
		removed, err := s.layer.Clear(ctx)
		if err != nil {
			return fmt.Errorf("cache: clearing redis layer: %w", err)
		}
		s.logger.Debug().Int("removed", removed).Msg("Redis layer cleared.")
	}
	s.logger.Info().Msg("Cache cleared.")
	return nil
}

// Close waits for background revalidations to finish.
func (s *Service) Close() error {
	s.wg.Wait()
	return nil
}
