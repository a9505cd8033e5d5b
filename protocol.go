package signalr

import (
	"encoding/json"
	"fmt"
)

// recordSeparator is ASCII 0x1E, the JSON protocol's inter-message
// delimiter.
const recordSeparator = byte(0x1e)

// Protocol encodes and decodes a single logical message to/from the bytes
// a Transport sends and receives. Implementations own message framing.
type Protocol interface {
	Name() string
	Version() int
	Encode(message interface{}) ([]byte, error)
	Decode(raw []byte) ([]rawMessage, error)
}

// JSONProtocol is the required codec: JSON objects delimited by the
// record separator. Decoding tolerates batches (multiple records per
// transport frame) and preserves order; empty fragments are discarded.
type JSONProtocol struct {
	version int
}

// NewJSONProtocol returns the JSON codec identified as ("json", version).
func NewJSONProtocol(version int) *JSONProtocol {
	return &JSONProtocol{version: version}
}

func (p *JSONProtocol) Name() string { return "json" }
func (p *JSONProtocol) Version() int { return p.version }

func (p *JSONProtocol) Encode(message interface{}) ([]byte, error) {
	encoded, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("signalr: encode message: %w", err)
	}
	return append(encoded, recordSeparator), nil
}

func (p *JSONProtocol) Decode(raw []byte) ([]rawMessage, error) {
	var messages []rawMessage
	start := 0
	for i, b := range raw {
		if b != recordSeparator {
			continue
		}
		fragment := raw[start:i]
		start = i + 1
		if len(fragment) == 0 {
			continue
		}
		var m rawMessage
		if err := json.Unmarshal(fragment, &m); err != nil {
			return nil, fmt.Errorf("signalr: decode message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// MessagePackProtocol is declared for interface completeness (the wire
// vocabulary names "messagepack" as a valid codec) but is not implemented;
// a binary codec would frame with a length prefix instead of the JSON
// protocol's record separator.
type MessagePackProtocol struct{}

// NewMessagePackProtocol always fails: the messagepack codec is not part
// of this core.
func NewMessagePackProtocol() (*MessagePackProtocol, error) {
	return nil, fmt.Errorf("signalr: messagepack protocol is not implemented")
}

func (p *MessagePackProtocol) Name() string { return "messagepack" }
func (p *MessagePackProtocol) Version() int { return 1 }

func (p *MessagePackProtocol) Encode(message interface{}) ([]byte, error) {
	return nil, fmt.Errorf("signalr: messagepack protocol is not implemented")
}

func (p *MessagePackProtocol) Decode(raw []byte) ([]rawMessage, error) {
	return nil, fmt.Errorf("signalr: messagepack protocol is not implemented")
}
