package signalr

import (
	"testing"
)

func TestJSONProtocolEncodeAppendsRecordSeparator(t *testing.T) {
	p := NewJSONProtocol(1)
	encoded, err := p.Encode(newPing())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if encoded[len(encoded)-1] != recordSeparator {
		t.Fatalf("expected trailing record separator, got %q", encoded)
	}
}

func TestJSONProtocolRoundTripSingleMessage(t *testing.T) {
	p := NewJSONProtocol(1)
	msg := newInvocationNonBlocking("add", []interface{}{float64(1), float64(2)})

	encoded, err := p.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := p.Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("expected 1 message, got %d", len(decoded))
	}
	if decoded[0].Target != "add" {
		t.Fatalf("expected target add, got %q", decoded[0].Target)
	}
}

func TestJSONProtocolRoundTripBatch(t *testing.T) {
	p := NewJSONProtocol(1)
	a := newInvocationNonBlocking("a", nil)
	b := newInvocationNonBlocking("b", nil)

	encA, err := p.Encode(a)
	if err != nil {
		t.Fatalf("encode a: %v", err)
	}
	encB, err := p.Encode(b)
	if err != nil {
		t.Fatalf("encode b: %v", err)
	}

	batch := append(append([]byte{}, encA...), encB...)
	decoded, err := p.Decode(batch)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(decoded))
	}
	if decoded[0].Target != "a" || decoded[1].Target != "b" {
		t.Fatalf("messages out of order: %+v", decoded)
	}
}

func TestJSONProtocolDecodeIgnoresEmptyFragments(t *testing.T) {
	p := NewJSONProtocol(1)
	// A leading record separator produces an empty fragment before the
	// ping's own fragment; it must be dropped rather than fail to parse.
	raw := append([]byte{recordSeparator}, mustEncode(t, p, newPing())...)

	decoded, err := p.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("expected 1 message after dropping empty fragments, got %d", len(decoded))
	}
}

func TestMessagePackProtocolUnimplemented(t *testing.T) {
	if _, err := NewMessagePackProtocol(); err == nil {
		t.Fatal("expected messagepack construction to fail")
	}
}

func mustEncode(t *testing.T, p Protocol, m interface{}) []byte {
	t.Helper()
	encoded, err := p.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return encoded
}
