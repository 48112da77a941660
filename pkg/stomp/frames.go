// Package stomp builds and parses the STOMP 1.2 frames exchanged with the
// notification broker over a WebSocket.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// AcceptVersion is the only protocol version the client negotiates.
const AcceptVersion = "1.2"

// HeaderAuthorization carries the bearer token on CONNECT. Spring-style
// brokers read it from the native headers of the CONNECT frame.
const HeaderAuthorization = "Authorization"

// ProtocolError is an ERROR frame received from the broker.
type ProtocolError struct {
	Message string
	Body    string
}

func (e *ProtocolError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stomp: broker error: %s", e.Message)
	}
	return fmt.Sprintf("stomp: broker error: %s: %s", e.Message, e.Body)
}

// ServerError converts an ERROR frame into a *ProtocolError. It returns nil for
// any other command.
func ServerError(f *frame.Frame) error {
	if f == nil || f.Command != frame.ERROR {
		return nil
	}
	msg := f.Header.Get(frame.Message)
	if msg == "" {
		msg = "unspecified"
	}
	return &ProtocolError{Message: msg, Body: strings.TrimSpace(string(f.Body))}
}

// Connect builds the CONNECT frame. The token is sent both as a bearer
// Authorization header and as the passcode.
func Connect(host, token, login string, hb Heartbeat) *frame.Frame {
	f := frame.New(frame.CONNECT,
		frame.AcceptVersion, AcceptVersion,
		frame.Host, host,
		frame.HeartBeat, hb.String(),
	)
	if login != "" {
		f.Header.Add(frame.Login, login)
	}
	if token != "" {
		f.Header.Add(frame.Passcode, token)
		f.Header.Add(HeaderAuthorization, "Bearer "+token)
	}
	return f
}

// Subscribe builds a SUBSCRIBE frame with automatic acknowledgement.
func Subscribe(id, destination string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	)
}

// Unsubscribe builds an UNSUBSCRIBE frame.
func Unsubscribe(id string) *frame.Frame {
	return frame.New(frame.UNSUBSCRIBE, frame.Id, id)
}

// Disconnect builds a DISCONNECT frame. An empty receipt requests none.
func Disconnect(receipt string) *frame.Frame {
	f := frame.New(frame.DISCONNECT)
	if receipt != "" {
		f.Header.Add(frame.Receipt, receipt)
	}
	return f
}

// Marshal encodes f for a single WebSocket text message. A nil frame encodes
// a heart-beat.
func Marshal(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if f != nil && len(f.Body) > 0 {
		if _, ok := f.Header.Contains(frame.ContentLength); !ok {
			f.Header.Set(frame.ContentLength, strconv.Itoa(len(f.Body)))
		}
	}
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("stomp: encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes every frame in one WebSocket message. Heart-beat EOLs
// are skipped, so a pure heart-beat yields no frames and no error.
func Unmarshal(data []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))
	var frames []*frame.Frame
	for {
		f, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return frames, fmt.Errorf("stomp: decode frame: %w", err)
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}

// Heartbeat is the pair of intervals from a heart-beat header. Zero disables
// the direction.
type Heartbeat struct {
	// Outgoing is how often the sender promises to send.
	Outgoing time.Duration
	// Incoming is how often the sender wants to receive.
	Incoming time.Duration
}

// String formats h as a heart-beat header value in milliseconds.
func (h Heartbeat) String() string {
	return fmt.Sprintf("%d,%d", h.Outgoing.Milliseconds(), h.Incoming.Milliseconds())
}

// ParseHeartbeat parses a heart-beat header value. An empty value means no
// heart-beats.
func ParseHeartbeat(value string) (Heartbeat, error) {
	if value == "" {
		return Heartbeat{}, nil
	}
	out, in, err := frame.ParseHeartBeat(value)
	if err != nil {
		return Heartbeat{}, fmt.Errorf("stomp: parse heart-beat %q: %w", value, err)
	}
	return Heartbeat{Outgoing: out, Incoming: in}, nil
}

// Negotiate combines the client's request with the server's CONNECTED
// header. The result is from the client's point of view: Outgoing is how often
// the client must send, Incoming how often it can expect to receive.
func Negotiate(client, server Heartbeat) Heartbeat {
	return Heartbeat{
		Outgoing: negotiated(client.Outgoing, server.Incoming),
		Incoming: negotiated(client.Incoming, server.Outgoing),
	}
}

func negotiated(a, b time.Duration) time.Duration {
	if a <= 0 || b <= 0 {
		return 0
	}
	return max(a, b)
}
