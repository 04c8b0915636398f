package relay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// startMarker is the 2-byte marker that begins every message on the wire.
var startMarker = [2]byte{0xDD, 0xF0}

// jsonFormatMarker is the only currently-defined Json payload format: the
// subsequent bytes are UTF-8 JSON text.
const jsonFormatMarker = 0x00

const maxPayloadSize = 1<<24 - 1 // uint24

// Encode serializes m into the wire format described in spec.md §4.1:
//
//	0xDD 0xF0                      // 2-byte start marker
//	id : uint32 big-endian         // 4 bytes
//	type : uint8                   // 1 byte
//	channel_len : uint8            // 1 byte
//	channel : UTF-8 bytes          // channel_len bytes
//	payload_count : uint8          // 1 byte
//	payloads : payload_count × {
//	    type : uint8
//	    size : uint24 big-endian   // 3 bytes
//	    data : size bytes
//	}
func Encode(m Message) ([]byte, error) {
	if len(m.Channel) > 255 {
		return nil, fmt.Errorf("relay: channel %q exceeds 255 bytes", m.Channel)
	}
	if len(m.Payloads) > 255 {
		return nil, fmt.Errorf("relay: message has %d payloads, max 255", len(m.Payloads))
	}

	encoded := make([][]byte, len(m.Payloads))
	for i, p := range m.Payloads {
		b, err := encodePayloadData(p)
		if err != nil {
			return nil, fmt.Errorf("relay: encoding payload %d: %w", i, err)
		}
		if len(b) > maxPayloadSize {
			return nil, fmt.Errorf("relay: payload %d is %d bytes, max %d", i, len(b), maxPayloadSize)
		}
		encoded[i] = b
	}

	size := 10 + len(m.Channel)
	for _, b := range encoded {
		size += 4 + len(b)
	}

	out := make([]byte, 0, size)
	out = append(out, startMarker[0], startMarker[1])
	out = appendUint32(out, uint32(m.ID))
	out = append(out, byte(m.Type))
	out = append(out, byte(len(m.Channel)))
	out = append(out, m.Channel...)
	out = append(out, byte(len(m.Payloads)))
	for i, p := range m.Payloads {
		out = append(out, byte(p.Kind))
		out = appendUint24(out, uint32(len(encoded[i])))
		out = append(out, encoded[i]...)
	}
	return out, nil
}

func encodePayloadData(p Payload) ([]byte, error) {
	switch p.Kind {
	case PayloadBinary:
		return p.Bytes, nil
	case PayloadJSON:
		raw := p.Raw
		if raw == nil {
			raw = json.RawMessage("null")
		}
		b := make([]byte, 0, len(raw)+1)
		b = append(b, jsonFormatMarker)
		b = append(b, raw...)
		return b, nil
	default:
		return nil, fmt.Errorf("relay: unknown payload kind %d", p.Kind)
	}
}

// Decode parses a single Message from the front of b, returning the message,
// the number of bytes consumed, and an error. It never reads past the first
// complete message in b.
func Decode(b []byte) (Message, int, error) {
	if len(b) < 2 || b[0] != startMarker[0] || b[1] != startMarker[1] {
		return Message{}, 0, &InvalidFramingError{}
	}
	const headerFixed = 8 // marker(2) + id(4) + type(1) + channel_len(1)
	if len(b) < headerFixed {
		return Message{}, 0, &DecodeError{Detail: "short header"}
	}

	id := binary.BigEndian.Uint32(b[2:6])
	typ := MessageType(b[6])
	channelLen := int(b[7])
	off := 8
	if len(b) < off+channelLen+1 {
		return Message{}, 0, &DecodeError{Detail: "short channel"}
	}
	channel := string(b[off : off+channelLen])
	off += channelLen
	payloadCount := int(b[off])
	off++

	payloads := make([]Payload, 0, payloadCount)
	for i := 0; i < payloadCount; i++ {
		if len(b) < off+4 {
			return Message{}, 0, &DecodeError{Detail: "short payload header"}
		}
		kind := PayloadKind(b[off])
		size := int(uint32(b[off+1])<<16 | uint32(b[off+2])<<8 | uint32(b[off+3]))
		off += 4
		if len(b) < off+size {
			return Message{}, 0, &DecodeError{Detail: "short payload data"}
		}
		data := b[off : off+size]
		off += size

		p, err := decodePayload(kind, data)
		if err != nil {
			return Message{}, 0, &DecodeError{Detail: err.Error()}
		}
		payloads = append(payloads, p)
	}

	return Message{ID: MessageID(id), Type: typ, Channel: channel, Payloads: payloads}, off, nil
}

func decodePayload(kind PayloadKind, data []byte) (Payload, error) {
	switch kind {
	case PayloadBinary:
		if len(data) == 0 {
			return BinaryPayload(nil), nil
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		return BinaryPayload(cp), nil
	case PayloadJSON:
		if len(data) == 0 || data[0] != jsonFormatMarker {
			return Payload{}, fmt.Errorf("unsupported json format marker")
		}
		raw := make(json.RawMessage, len(data)-1)
		copy(raw, data[1:])
		return Payload{Kind: PayloadJSON, Raw: raw}, nil
	default:
		return Payload{}, fmt.Errorf("unknown payload kind %d", kind)
	}
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendUint24(b []byte, v uint32) []byte {
	return append(b, byte(v>>16), byte(v>>8), byte(v))
}
