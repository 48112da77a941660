package realtime_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/illmade-knight/go-jobfeed/pkg/realtime"
	"github.com/illmade-knight/go-jobfeed/pkg/stomp"
)

var errClosed = errors.New("fake connection closed")

// fakeConn is an in-memory transport that answers CONNECT with CONNECTED
// (or with reply, when set) and records every frame the client writes.
type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	reply     func(*frame.Frame) *frame.Frame

	heartbeats atomic.Int32

	mu   sync.Mutex
	sent []*frame.Frame
}

func newFakeConn(reply func(*frame.Frame) *frame.Frame) *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
		reply:  reply,
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, errClosed
	default:
	}
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	frames, err := stomp.Unmarshal(data)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		c.heartbeats.Add(1)
		return nil
	}
	c.mu.Lock()
	c.sent = append(c.sent, frames...)
	c.mu.Unlock()
	for _, f := range frames {
		if f.Command == frame.CONNECT && c.reply != nil {
			c.push(c.reply(f))
		}
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(f *frame.Frame) {
	data, err := stomp.Marshal(f)
	if err != nil {
		panic(err)
	}
	c.in <- data
}

// deliver sends a MESSAGE frame for the subscription on destination.
func (c *fakeConn) deliver(destination string, body string) {
	sub := c.lastSent(frame.SUBSCRIBE, destination)
	if sub == nil {
		panic("no subscription for " + destination)
	}
	msg := frame.New(frame.MESSAGE,
		frame.Subscription, sub.Header.Get(frame.Id),
		frame.Destination, destination,
		frame.MessageId, "m-1",
	)
	msg.Body = []byte(body)
	c.push(msg)
}

func (c *fakeConn) frames(command string) []*frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*frame.Frame
	for _, f := range c.sent {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) lastSent(command, destination string) *frame.Frame {
	matching := c.frames(command)
	for i := len(matching) - 1; i >= 0; i-- {
		if destination == "" || matching[i].Header.Get(frame.Destination) == destination {
			return matching[i]
		}
	}
	return nil
}

func connectedReply(heartbeat string) func(*frame.Frame) *frame.Frame {
	return func(*frame.Frame) *frame.Frame {
		return frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, heartbeat)
	}
}

// fakeDialer hands out fakeConns. The first failDials attempts fail.
type fakeDialer struct {
	dials     atomic.Int32
	failDials atomic.Int32
	reply     func(*frame.Frame) *frame.Frame

	mu    sync.Mutex
	conns []*fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{reply: connectedReply("0,0")}
}

func (d *fakeDialer) DialContext(_ context.Context, _ string, _ http.Header) (realtime.Conn, error) {
	d.dials.Add(1)
	if d.failDials.Load() > 0 {
		d.failDials.Add(-1)
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn(d.reply)
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// recorder captures client callbacks.
type recorder struct {
	mu          sync.Mutex
	states      []realtime.State
	errs        []error
	connects    atomic.Int32
	disconnects atomic.Int32
}

func (r *recorder) attach(c *realtime.Client) {
	c.OnStateChange(func(s realtime.State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, s)
	})
	c.OnError(func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errs = append(r.errs, err)
	})
	c.OnConnect(func() { r.connects.Add(1) })
	c.OnDisconnect(func() { r.disconnects.Add(1) })
}

func (r *recorder) stateLog() []realtime.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.State(nil), r.states...)
}

func (r *recorder) errorLog() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}
