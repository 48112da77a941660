// Package realtime is a reconnecting STOMP-over-WebSocket subscription client
// for push notifications.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/illmade-knight/go-jobfeed/pkg/credentials"
	"github.com/illmade-knight/go-jobfeed/pkg/metrics"
	"github.com/illmade-knight/go-jobfeed/pkg/stomp"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// State is the connection state of a Client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// MessageHandler receives every message delivered on a subscribed topic.
// Handlers run on the client's read goroutine, one at a time, in arrival order.
type MessageHandler func(Payload)

type subscription struct {
	id      string
	topic   string
	handler MessageHandler
}

// session is one live transport connection.
type session struct {
	conn      Conn
	wmu       sync.Mutex
	hb        stomp.Heartbeat
	lastRead  atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn Conn) *session {
	return &session{conn: conn, done: make(chan struct{})}
}

func (s *session) write(f *frame.Frame) error {
	data, err := stomp.Marshal(f)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) touch(now time.Time) { s.lastRead.Store(now.UnixNano()) }

func (s *session) lastSeen() time.Time { return time.Unix(0, s.lastRead.Load()) }

// shutdown sends a close message before closing the transport.
func (s *session) shutdown() {
	s.wmu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.wmu.Unlock()
	s.close()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// events collects callbacks to fire once the client lock is released.
type events struct {
	states       []State
	err          error
	disconnected bool
	connected    bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialer replaces the default gorilla/websocket dialer.
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithClock sets the clock used for reconnect timers and heart-beats.
func WithClock(clock clockwork.Clock) ClientOption {
	return func(c *Client) { c.clock = clock }
}

// WithMetrics records connection state and traffic on m.
func WithMetrics(m *metrics.RealtimeMetrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// Client keeps one STOMP session to the broker and tracks which topics are
// subscribed on it.
//
// Subscriptions do not survive a reconnect. The topic names that were active
// when a connection dropped are reported by StaleTopics, and callers
// re-subscribe from an OnConnect handler.
type Client struct {
	cfg     Config
	creds   credentials.Source
	dialer  Dialer
	clock   clockwork.Clock
	logger  zerolog.Logger
	metrics *metrics.RealtimeMetrics

	mu            sync.Mutex
	state         State
	active        bool
	session       *session
	subs          map[string]*subscription
	byID          map[string]*subscription
	stale         []string
	attempt       uint64
	cancelAttempt context.CancelFunc
	retry         clockwork.Timer
	retryGen      uint64

	hmu           sync.RWMutex
	onConnect     []func()
	onDisconnect  []func()
	onError       []func(error)
	onStateChange []func(State)
}

// NewClient creates a Client in the disconnected state. It does not connect
// until Connect is called.
func NewClient(cfg Config, creds credentials.Source, logger zerolog.Logger, opts ...ClientOption) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("realtime endpoint is required")
	}
	if creds == nil {
		return nil, errors.New("credential source is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Host == "" {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid realtime endpoint: %w", err)
		}
		cfg.Host = u.Hostname()
	}

	c := &Client{
		cfg:    cfg,
		creds:  creds,
		clock:  clockwork.NewRealClock(),
		logger: logger.With().Str("component", "RealtimeClient").Str("endpoint", cfg.Endpoint).Logger(),
		state:  StateDisconnected,
		subs:   make(map[string]*subscription),
		byID:   make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		d, err := NewWebSocketDialer(cfg)
		if err != nil {
			return nil, err
		}
		c.dialer = d
	}
	c.metrics.RecordState(string(StateDisconnected))
	return c, nil
}

// OnConnect registers fn to run after every successful handshake.
func (c *Client) OnConnect(fn func()) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnDisconnect registers fn to run whenever an established connection ends.
func (c *Client) OnDisconnect(fn func()) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// OnError registers fn to run on every connection failure.
func (c *Client) OnError(fn func(error)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onError = append(c.onError, fn)
}

// OnStateChange registers fn to run on every state transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onStateChange = append(c.onStateChange, fn)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a session is established.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Topics returns the currently subscribed topics, sorted.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topicsLocked()
}

// StaleTopics returns the topics that were subscribed when the last connection
// dropped and have not been subscribed again since.
func (c *Client) StaleTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.stale)
}

// Connect opens a session with the broker. It is a no-op while connected or
// connecting.
//
// Missing credentials move the client to StateError and return
// ErrMissingCredentials without dialing or scheduling a retry. A failed dial
// or handshake moves it to StateError, notifies OnError handlers, schedules a
// single retry after ReconnectDelay and returns a *ConnectionError.
func (c *Client) Connect(ctx context.Context) error {
	return c.connect(ctx, false, 0)
}

func (c *Client) connect(ctx context.Context, fromRetry bool, retryGen uint64) error {
	var ev events
	c.mu.Lock()
	if fromRetry {
		if retryGen != c.retryGen || !c.active {
			c.mu.Unlock()
			return nil
		}
		c.retry = nil
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.active = true
	c.stopRetryLocked()

	token, hasToken := c.creds.AccessToken()
	username, hasUsername := c.creds.Username()
	if !hasToken || !hasUsername {
		c.setStateLocked(&ev, StateError)
		c.mu.Unlock()
		c.metrics.RecordConnectFailure("credentials")
		c.logger.Error().Bool("has_token", hasToken).Bool("has_username", hasUsername).Msg("Cannot connect without an access token and username.")
		ev.err = ErrMissingCredentials
		c.emit(ev)
		return ErrMissingCredentials
	}

	c.attempt++
	attempt := c.attempt
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	c.cancelAttempt = cancel
	c.setStateLocked(&ev, StateConnecting)
	c.mu.Unlock()
	c.emit(ev)

	c.metrics.RecordConnectAttempt()
	c.logger.Info().Str("username", username).Msg("Connecting to notification broker...")
	sess, err := c.handshake(attemptCtx, token, username)
	cancel()

	ev = events{}
	c.mu.Lock()
	if attempt != c.attempt {
		c.mu.Unlock()
		if sess != nil {
			sess.close()
		}
		return ErrConnectAborted
	}
	c.cancelAttempt = nil
	if err != nil {
		c.setStateLocked(&ev, StateError)
		c.scheduleRetryLocked()
		c.mu.Unlock()
		c.metrics.RecordConnectFailure(failureReason(err))
		c.logger.Warn().Err(err).Dur("retry_in", c.cfg.ReconnectDelay).Msg("Connection attempt failed.")
		ev.err = err
		c.emit(ev)
		return err
	}
	c.session = sess
	c.setStateLocked(&ev, StateConnected)
	ev.connected = true
	c.mu.Unlock()

	go c.readLoop(sess)
	go c.keepAlive(sess)
	c.logger.Info().
		Dur("heartbeat_out", sess.hb.Outgoing).
		Dur("heartbeat_in", sess.hb.Incoming).
		Msg("Connected to notification broker.")
	c.emit(ev)
	return nil
}

// handshake dials the broker and exchanges CONNECT for CONNECTED.
func (c *Client) handshake(ctx context.Context, token, username string) (*session, error) {
	conn, err := c.dialer.DialContext(ctx, c.cfg.Endpoint, nil)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	// Cancelling ctx unblocks a pending read by closing the transport.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	sess := newSession(conn)

	fail := func(op string, err error) (*session, error) {
		stop()
		sess.close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, &ConnectionError{Op: op, Err: err}
	}

	want := stomp.Heartbeat{Outgoing: c.cfg.HeartbeatOutgoing, Incoming: c.cfg.HeartbeatIncoming}
	if err := sess.write(stomp.Connect(c.cfg.Host, token, username, want)); err != nil {
		return fail("write", err)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fail("handshake", err)
		}
		frames, err := stomp.Unmarshal(data)
		if err != nil {
			return fail("handshake", err)
		}
		for _, f := range frames {
			switch f.Command {
			case frame.CONNECTED:
				if !stop() {
					return fail("handshake", context.Canceled)
				}
				server, err := stomp.ParseHeartbeat(f.Header.Get(frame.HeartBeat))
				if err != nil {
					c.logger.Warn().Err(err).Msg("Ignoring invalid heart-beat header from broker.")
				}
				sess.hb = stomp.Negotiate(want, server)
				sess.touch(c.clock.Now())
				return sess, nil
			case frame.ERROR:
				return fail("handshake", stomp.ServerError(f))
			}
		}
	}
}

// readLoop dispatches frames until the transport fails.
func (c *Client) readLoop(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			c.dropSession(sess, &ConnectionError{Op: "read", Err: err}, false)
			return
		}
		sess.touch(c.clock.Now())

		frames, err := stomp.Unmarshal(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Ignoring undecodable frame.")
			continue
		}
		for _, f := range frames {
			switch f.Command {
			case frame.MESSAGE:
				c.dispatch(f)
			case frame.ERROR:
				c.dropSession(sess, &ConnectionError{Op: "read", Err: stomp.ServerError(f)}, true)
				return
			default:
				c.logger.Debug().Str("command", f.Command).Msg("Ignoring frame.")
			}
		}
	}
}

// keepAlive sends heart-beats and watches for a silent broker.
func (c *Client) keepAlive(sess *session) {
	hb := sess.hb
	if hb.Outgoing <= 0 && hb.Incoming <= 0 {
		return
	}
	var sendC, checkC <-chan time.Time
	if hb.Outgoing > 0 {
		t := c.clock.NewTicker(hb.Outgoing)
		defer t.Stop()
		sendC = t.Chan()
	}
	if hb.Incoming > 0 {
		t := c.clock.NewTicker(hb.Incoming)
		defer t.Stop()
		checkC = t.Chan()
	}
	limit := hb.Incoming * heartbeatToleranceMultiple

	for {
		select {
		case <-sess.done:
			return
		case <-sendC:
			sess.wmu.Lock()
			err := sess.conn.WriteMessage(websocket.TextMessage, []byte("\n"))
			sess.wmu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("Failed to send heart-beat.")
			}
		case <-checkC:
			if silent := c.clock.Since(sess.lastSeen()); silent > limit {
				c.logger.Warn().Dur("silent_for", silent).Msg("Broker stopped sending heart-beats.")
				c.dropSession(sess, &ConnectionError{Op: "heartbeat", Err: ErrHeartbeatTimeout}, true)
				return
			}
		}
	}
}

func (c *Client) dispatch(f *frame.Frame) {
	id := f.Header.Get(frame.Subscription)
	c.mu.Lock()
	sub, ok := c.byID[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Str("subscription", id).Msg("Dropping message for unknown subscription.")
		return
	}

	destination := f.Header.Get(frame.Destination)
	if destination == "" {
		destination = sub.topic
	}
	p := ParsePayload(destination, f.Body)
	if p.Kind == PayloadRaw {
		c.logger.Warn().Err(p.ParseError()).Str("topic", sub.topic).Msg("Message body is not JSON, delivering raw text.")
	}
	c.metrics.RecordMessage(p.Kind.String())
	sub.handler(p)
}

// dropSession handles the loss of sess. failed distinguishes protocol failures
// (StateError) from the transport simply closing (StateDisconnected). Either
// way one retry is scheduled while the client is active.
func (c *Client) dropSession(sess *session, cause error, failed bool) {
	var ev events
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		sess.close()
		return
	}
	c.session = nil
	c.stale = c.topicsLocked()
	c.subs = make(map[string]*subscription)
	c.byID = make(map[string]*subscription)
	if failed {
		c.setStateLocked(&ev, StateError)
		ev.err = cause
	} else {
		c.setStateLocked(&ev, StateDisconnected)
	}
	ev.disconnected = true
	c.scheduleRetryLocked()
	c.mu.Unlock()

	sess.close()
	c.logger.Warn().Err(cause).Strs("stale_topics", c.StaleTopics()).Msg("Connection to notification broker lost.")
	c.emit(ev)
}

// Subscribe registers handler for topic, replacing any existing subscription
// on the same topic. It returns ErrNotConnected, after logging, when no
// session is established; requests are never queued.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	if handler == nil {
		return errors.New("realtime: message handler is nil")
	}
	c.mu.Lock()
	sess := c.session
	if c.state != StateConnected || sess == nil {
		c.mu.Unlock()
		c.logger.Warn().Str("topic", topic).Msg("Subscribe called while not connected, dropping request.")
		return ErrNotConnected
	}
	prev, replaced := c.subs[topic]
	if replaced {
		delete(c.byID, prev.id)
	}
	sub := &subscription{id: uuid.NewString(), topic: topic, handler: handler}
	c.subs[topic] = sub
	c.byID[sub.id] = sub
	c.stale = slices.DeleteFunc(c.stale, func(t string) bool { return t == topic })
	c.mu.Unlock()

	if replaced {
		if err := sess.write(stomp.Unsubscribe(prev.id)); err != nil {
			return &ConnectionError{Op: "write", Err: err}
		}
	}
	if err := sess.write(stomp.Subscribe(sub.id, topic)); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	c.logger.Debug().Str("topic", topic).Str("subscription", sub.id).Bool("replaced", replaced).Msg("Subscribed.")
	return nil
}

// Unsubscribe removes the subscription for topic. It is a no-op when topic is
// not subscribed.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, topic)
	delete(c.byID, sub.id)
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	if err := sess.write(stomp.Unsubscribe(sub.id)); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	c.logger.Debug().Str("topic", topic).Msg("Unsubscribed.")
	return nil
}

// Disconnect cancels any pending retry or in-progress attempt, unsubscribes
// every topic, closes the transport and moves to StateDisconnected.
func (c *Client) Disconnect() {
	c.teardown(false)
	c.logger.Info().Msg("Disconnected from notification broker.")
}

func (c *Client) teardown(keepActive bool) {
	var ev events
	c.mu.Lock()
	c.active = keepActive
	c.stopRetryLocked()
	c.attempt++
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
	sess := c.session
	c.session = nil
	ids := make([]string, 0, len(c.subs))
	for _, sub := range c.subs {
		ids = append(ids, sub.id)
	}
	c.subs = make(map[string]*subscription)
	c.byID = make(map[string]*subscription)
	c.stale = nil
	wasConnected := c.state == StateConnected
	c.setStateLocked(&ev, StateDisconnected)
	c.mu.Unlock()

	if sess != nil {
		for _, id := range ids {
			_ = sess.write(stomp.Unsubscribe(id))
		}
		_ = sess.write(stomp.Disconnect(uuid.NewString()))
		sess.shutdown()
	}
	ev.disconnected = wasConnected
	c.emit(ev)
}

// HandleCredentialChange reconnects an active client when the access token or
// username materially changes. Removing the token only disconnects; the client
// stays active and connects again when a new token arrives.
func (c *Client) HandleCredentialChange(ctx context.Context, change credentials.Change) error {
	if change.Key != credentials.KeyAccessToken && change.Key != credentials.KeyUsername {
		return nil
	}
	if !change.Material() {
		return nil
	}
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if !active {
		c.logger.Debug().Str("key", change.Key).Msg("Credentials changed while inactive, ignoring.")
		return nil
	}

	c.logger.Info().Str("key", change.Key).Msg("Credentials changed, reconnecting.")
	c.teardown(true)
	if _, ok := c.creds.AccessToken(); !ok {
		c.logger.Info().Msg("Access token removed, staying disconnected until a new one is stored.")
		return nil
	}
	return c.Connect(ctx)
}

// WatchCredentials applies every change from changes until ctx is done or the
// channel is closed.
func (c *Client) WatchCredentials(ctx context.Context, changes <-chan credentials.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if err := c.HandleCredentialChange(ctx, change); err != nil {
				c.logger.Warn().Err(err).Msg("Reconnect after credential change failed.")
			}
		}
	}
}

func (c *Client) topicsLocked() []string {
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (c *Client) setStateLocked(ev *events, s State) {
	if c.state == s {
		return
	}
	c.logger.Debug().Str("from", string(c.state)).Str("to", string(s)).Msg("State transition.")
	c.state = s
	ev.states = append(ev.states, s)
	c.metrics.RecordState(string(s))
}

// scheduleRetryLocked arms the single retry timer.
func (c *Client) scheduleRetryLocked() {
	if !c.active || c.retry != nil {
		return
	}
	c.retryGen++
	gen := c.retryGen
	c.retry = c.clock.AfterFunc(c.cfg.ReconnectDelay, func() {
		_ = c.connect(context.Background(), true, gen)
	})
	c.metrics.RecordReconnectScheduled()
}

func (c *Client) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.retryGen++
}

func (c *Client) emit(ev events) {
	c.hmu.RLock()
	onState := slices.Clone(c.onStateChange)
	onError := slices.Clone(c.onError)
	onDisconnect := slices.Clone(c.onDisconnect)
	onConnect := slices.Clone(c.onConnect)
	c.hmu.RUnlock()

	for _, s := range ev.states {
		for _, fn := range onState {
			fn(s)
		}
	}
	if ev.err != nil {
		for _, fn := range onError {
			fn(ev.err)
		}
	}
	if ev.disconnected {
		for _, fn := range onDisconnect {
			fn()
		}
	}
	if ev.connected {
		for _, fn := range onConnect {
			fn()
		}
	}
}

func failureReason(err error) string {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		var protoErr *stomp.ProtocolError
		if errors.As(err, &protoErr) {
			return "protocol"
		}
		return connErr.Op
	}
	return "unknown"
}
