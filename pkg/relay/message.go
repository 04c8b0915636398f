// Package relay implements a transport-agnostic bidirectional messaging
// framework: typed events, binary events, and request/response pairs over a
// pluggable stream transport that delivers ordered opaque byte chunks.
package relay

import "encoding/json"

// MessageID is a per-direction, monotonically increasing 32-bit message
// identifier. It is never reused within the lifetime of one logical session,
// including a session that has been resumed across a reconnect.
type MessageID uint32

// MessageType identifies the interpretation of a Message's payloads.
type MessageType uint8

// Defined message types. Stream is reserved and never produced or consumed
// by this implementation.
const (
	System MessageType = iota
	Event
	Binary
	Request
	Response
	Stream
)

func (t MessageType) String() string {
	switch t {
	case System:
		return "system"
	case Event:
		return "event"
	case Binary:
		return "binary"
	case Request:
		return "request"
	case Response:
		return "response"
	case Stream:
		return "stream"
	default:
		return "unknown"
	}
}

// PayloadKind discriminates the Payload tagged union.
type PayloadKind uint8

const (
	// PayloadJSON carries an arbitrary JSON value.
	PayloadJSON PayloadKind = iota
	// PayloadBinary carries an opaque byte buffer.
	PayloadBinary
)

// Payload is a tagged union over a JSON value and an opaque byte buffer.
// Exactly one of the two representations is meaningful, selected by Kind.
type Payload struct {
	Kind  PayloadKind
	Raw   json.RawMessage // valid when Kind == PayloadJSON
	Bytes []byte          // valid when Kind == PayloadBinary
}

// JSONPayload builds a Payload by marshaling v as JSON.
func JSONPayload(v interface{}) (Payload, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return Payload{Kind: PayloadJSON, Raw: raw}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Kind: PayloadJSON, Raw: json.RawMessage(b)}, nil
}

// BinaryPayload wraps a raw byte buffer as a Payload.
func BinaryPayload(b []byte) Payload {
	return Payload{Kind: PayloadBinary, Bytes: b}
}

// Unmarshal decodes a JSON payload into v. It fails if Kind != PayloadJSON.
func (p Payload) Unmarshal(v interface{}) error {
	if p.Kind != PayloadJSON {
		return errPayloadKind(p.Kind)
	}
	return json.Unmarshal(p.Raw, v)
}

type errPayloadKind PayloadKind

func (e errPayloadKind) Error() string {
	return "relay: payload is not a JSON payload"
}

// Message is the immutable-ish unit of wire exchange: an id, a type, a
// routing channel, and an ordered list of payloads.
type Message struct {
	ID       MessageID
	Type     MessageType
	Channel  string
	Payloads []Payload
}

// responseBody is the sole Json payload of a Response message
// (spec.md §3: "its sole payload is a Json object
// {requestId, success, value?, error?}").
type responseBody struct {
	RequestID MessageID       `json:"requestId"`
	Success   bool            `json:"success"`
	Value     json.RawMessage `json:"value,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ackBody is the sole Json payload of a System "ack" message: the
// acknowledged message's id.
type ackBody = MessageID
