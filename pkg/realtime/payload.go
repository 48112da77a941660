package realtime

import (
	"encoding/json"
	"errors"
)

// PayloadKind tags how a message body was decoded.
type PayloadKind int

const (
	// PayloadParsed means the body was valid JSON.
	PayloadParsed PayloadKind = iota
	// PayloadRaw means the body is delivered as text.
	PayloadRaw
)

func (k PayloadKind) String() string {
	if k == PayloadParsed {
		return "parsed"
	}
	return "raw"
}

// Payload is the body of one MESSAGE frame, either Parsed(value) or Raw(text).
type Payload struct {
	Kind        PayloadKind
	Destination string

	body     []byte
	value    any
	parseErr error
}

// ParsePayload decodes body as JSON, falling back to Raw when it is not.
func ParsePayload(destination string, body []byte) Payload {
	p := Payload{Destination: destination, body: body}
	if err := json.Unmarshal(body, &p.value); err != nil {
		p.Kind = PayloadRaw
		p.value = nil
		p.parseErr = err
		return p
	}
	p.Kind = PayloadParsed
	return p
}

// Value returns the decoded JSON value, or nil for a raw payload.
func (p Payload) Value() any { return p.value }

// Text returns the body as a string.
func (p Payload) Text() string { return string(p.body) }

// Body returns the undecoded body.
func (p Payload) Body() []byte { return p.body }

// ParseError returns why a raw payload could not be decoded.
func (p Payload) ParseError() error { return p.parseErr }

// Decode unmarshals a parsed payload into v.
func (p Payload) Decode(v any) error {
	if p.Kind != PayloadParsed {
		return errors.Join(errors.New("realtime: payload is not JSON"), p.parseErr)
	}
	return json.Unmarshal(p.body, v)
}
