package codec

import (
	"encoding/binary"
	"errors"
)

// Returned for structurally malformed frames. Callers drop the single
// message and keep the connection alive.
var ErrDecode = errors.New("codec: malformed message")

// Represents the type of protocol message
type MessageType uint64

const (
	// Document sync protocol messages
	MessageTypeSync MessageType = 0

	// Awareness protocol messages (cursors, presence)
	MessageTypeAwareness MessageType = 1
)

// SyncStep represents the step in the sync sub-protocol
type SyncStep uint64

const (
	// Client sends state vector
	SyncStep1 SyncStep = 0

	// Peer responds with missing updates
	SyncStep2 SyncStep = 1

	// Regular update broadcast
	SyncUpdate SyncStep = 2
)

// Encoder builds a frame out of varint and length-prefixed fields.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

func (e *Encoder) WriteUvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

// Writes a length-prefixed byte block
func (e *Encoder) WriteBytes(b []byte) {
	e.WriteUvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteString(s string) {
	e.WriteUvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder walks a frame. Every read reports ErrDecode on truncation so a
// single corrupt message never panics the reader.
type Decoder struct {
	buf []byte
	off int
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		return 0, ErrDecode
	}
	d.off += n
	return v, nil
}

// Reads a length-prefixed byte block. The returned slice aliases the frame.
func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.off) {
		return nil, ErrDecode
	}
	b := d.buf[d.off : d.off+int(n)]
	d.off += int(n)
	return b, nil
}

func (d *Decoder) ReadString() (string, error) {
	b, err := d.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Remaining reports how many bytes are left unread.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

// Message is a decoded protocol envelope. Step is meaningful only when
// Type is MessageTypeSync.
type Message struct {
	Type    MessageType
	Step    SyncStep
	Payload []byte
}

// DecodeMessage parses the type tag (and sync step, for sync frames) and
// returns the tag-specific payload.
func DecodeMessage(frame []byte) (Message, error) {
	d := NewDecoder(frame)
	t, err := d.ReadUvarint()
	if err != nil {
		return Message{}, err
	}

	switch MessageType(t) {
	case MessageTypeSync:
		step, err := d.ReadUvarint()
		if err != nil {
			return Message{}, err
		}
		if SyncStep(step) > SyncUpdate {
			return Message{}, ErrDecode
		}
		payload, err := d.ReadBytes()
		if err != nil {
			return Message{}, err
		}
		return Message{Type: MessageTypeSync, Step: SyncStep(step), Payload: payload}, nil

	case MessageTypeAwareness:
		payload, err := d.ReadBytes()
		if err != nil {
			return Message{}, err
		}
		return Message{Type: MessageTypeAwareness, Payload: payload}, nil

	default:
		return Message{}, ErrDecode
	}
}

func encodeSync(step SyncStep, payload []byte) []byte {
	e := NewEncoder()
	e.WriteUvarint(uint64(MessageTypeSync))
	e.WriteUvarint(uint64(step))
	e.WriteBytes(payload)
	return e.Bytes()
}

// EncodeSyncStep1 frames a state vector ("tell me what I'm missing").
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

// EncodeSyncStep2 frames a diff update answering a step1.
func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(SyncStep2, update)
}

// EncodeSyncUpdate frames an unsolicited incremental update.
func EncodeSyncUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

// EncodeAwareness frames an awareness delta.
func EncodeAwareness(update []byte) []byte {
	e := NewEncoder()
	e.WriteUvarint(uint64(MessageTypeAwareness))
	e.WriteBytes(update)
	return e.Bytes()
}
