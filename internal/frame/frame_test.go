package frame

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	f := &Frame{
		Type:      TypeData,
		Flags:     0,
		SessionID: 0x0102030405060708,
		Sequence:  42,
		Timestamp: 1_700_000_000_000,
		Payload:   []byte("hello"),
	}

	c := NewCodec()
	encoded, err := c.Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if encoded[0] != 'S' || encoded[1] != 'T' {
		t.Fatalf("expected magic ST, got %q", encoded[:2])
	}

	got, n, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("consumed %d bytes, want %d", n, len(encoded))
	}
	if got.Type != f.Type || got.SessionID != f.SessionID || got.Sequence != f.Sequence || got.Timestamp != f.Timestamp {
		t.Fatalf("round-tripped header mismatch: %+v vs %+v", got, f)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("payload mismatch: %q vs %q", got.Payload, f.Payload)
	}
}

func TestAssociatedDataBinding(t *testing.T) {
	f := &Frame{Type: TypeData, SessionID: 1, Sequence: 42, Timestamp: 100, Payload: []byte("x")}
	other := &Frame{Type: TypeData, SessionID: 1, Sequence: 43, Timestamp: 100, Payload: []byte("x")}

	if bytes.Equal(f.AssociatedData(), other.AssociatedData()) {
		t.Fatal("frames differing in sequence must have different associated data")
	}
	if len(f.AssociatedData()) != 26 {
		t.Fatalf("associated data must be 26 bytes, got %d", len(f.AssociatedData()))
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	buf := []byte{'X', 'X', 0x00}
	if _, _, err := Decode(buf); err != ErrInvalidMagic {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	f := &Frame{Type: TypeData, SessionID: 1, Sequence: 1, Timestamp: 1, Payload: []byte("hello world")}
	c := NewCodec()
	encoded, _ := c.Encode(f)

	if _, _, err := Decode(encoded[:len(encoded)-1]); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestEncodeTooLarge(t *testing.T) {
	c := &Codec{MaxFrameSize: 16}
	f := &Frame{Type: TypeData, Payload: make([]byte, 100)}
	if _, err := c.Encode(f); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
