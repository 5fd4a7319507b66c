package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestSyncEnvelopeRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4}

	cases := []struct {
		name  string
		frame []byte
		step  SyncStep
	}{
		{"step1", EncodeSyncStep1(payload), SyncStep1},
		{"step2", EncodeSyncStep2(payload), SyncStep2},
		{"update", EncodeSyncUpdate(payload), SyncUpdate},
	}

	for _, c := range cases {
		msg, err := DecodeMessage(c.frame)
		if err != nil {
			t.Fatalf("%s: decode failed: %v", c.name, err)
		}
		if msg.Type != MessageTypeSync {
			t.Errorf("%s: expected sync type, got %d", c.name, msg.Type)
		}
		if msg.Step != c.step {
			t.Errorf("%s: expected step %d, got %d", c.name, c.step, msg.Step)
		}
		if !bytes.Equal(msg.Payload, payload) {
			t.Errorf("%s: payload mismatch", c.name)
		}
	}
}

func TestAwarenessEnvelopeRoundTrip(t *testing.T) {
	payload := []byte{9, 8, 7}
	msg, err := DecodeMessage(EncodeAwareness(payload))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.Type != MessageTypeAwareness {
		t.Errorf("Expected awareness type, got %d", msg.Type)
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Error("Payload mismatch")
	}
}

func TestDecodeMessageRejectsCorruptFrames(t *testing.T) {
	frames := [][]byte{
		nil,
		{},
		{0},           // sync with no step
		{0, 3, 0},     // sync step out of range
		{0, 0, 10, 1}, // payload length exceeds frame
		{2, 0, 0},     // unknown message type
		{0x80},        // truncated varint
	}
	for i, frame := range frames {
		if _, err := DecodeMessage(frame); !errors.Is(err, ErrDecode) {
			t.Errorf("Frame %d: expected ErrDecode, got %v", i, err)
		}
	}
}

func TestDecoderTruncation(t *testing.T) {
	e := NewEncoder()
	e.WriteUvarint(300)
	e.WriteBytes([]byte("abc"))
	full := e.Bytes()

	d := NewDecoder(full)
	if v, err := d.ReadUvarint(); err != nil || v != 300 {
		t.Fatalf("ReadUvarint = %d, %v", v, err)
	}
	if b, err := d.ReadBytes(); err != nil || string(b) != "abc" {
		t.Fatalf("ReadBytes = %q, %v", b, err)
	}
	if d.Remaining() != 0 {
		t.Errorf("Expected 0 remaining, got %d", d.Remaining())
	}

	// Every strict prefix must fail cleanly rather than panic.
	for n := 0; n < len(full); n++ {
		d := NewDecoder(full[:n])
		_, err1 := d.ReadUvarint()
		_, err2 := d.ReadBytes()
		if err1 == nil && err2 == nil {
			t.Errorf("Prefix %d: expected a decode error", n)
		}
	}
}

func TestEmptyPayloadAllowed(t *testing.T) {
	msg, err := DecodeMessage(EncodeSyncStep1(nil))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(msg.Payload) != 0 {
		t.Errorf("Expected empty payload, got %v", msg.Payload)
	}
}
