package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrInsufficientData occurs when a cursor read runs past the end of the
// message body. It indicates a malformed message or a decoding bug, never
// a short network read; ReadMessage only returns whole bodies.
var ErrInsufficientData = errors.New("insufficient data in message body")

// Message is a single backend protocol message. The body is immutable
// once constructed; the cursor methods consume it from front to back.
type Message struct {
	Type byte
	body []byte
	pos  int
}

// NewMessage constructs a Message from a type tag and a complete body.
func NewMessage(typ byte, body []byte) *Message {
	return &Message{Type: typ, body: body}
}

// Len returns the body length in bytes.
func (m *Message) Len() int {
	return len(m.body)
}

// Remaining returns the number of unread body bytes.
func (m *Message) Remaining() int {
	return len(m.body) - m.pos
}

// ReadByte returns the next body byte.
func (m *Message) ReadByte() (byte, error) {
	if m.Remaining() < 1 {
		return 0, ErrInsufficientData
	}
	b := m.body[m.pos]
	m.pos++
	return b, nil
}

// ReadInt16 returns the next 2 bytes as a big-endian int16.
func (m *Message) ReadInt16() (int16, error) {
	if m.Remaining() < 2 {
		return 0, ErrInsufficientData
	}
	n := int16(binary.BigEndian.Uint16(m.body[m.pos:]))
	m.pos += 2
	return n, nil
}

// ReadInt32 returns the next 4 bytes as a big-endian int32.
func (m *Message) ReadInt32() (int32, error) {
	if m.Remaining() < 4 {
		return 0, ErrInsufficientData
	}
	n := int32(binary.BigEndian.Uint32(m.body[m.pos:]))
	m.pos += 4
	return n, nil
}

// ReadUint32 returns the next 4 bytes as a big-endian uint32.
func (m *Message) ReadUint32() (uint32, error) {
	n, err := m.ReadInt32()
	return uint32(n), err
}

// ReadCString returns the next NUL-terminated string, not including the
// terminator.
func (m *Message) ReadCString() (string, error) {
	idx := bytes.IndexByte(m.body[m.pos:], 0)
	if idx < 0 {
		return "", ErrInsufficientData
	}
	s := string(m.body[m.pos : m.pos+idx])
	m.pos += idx + 1
	return s, nil
}

// ReadBytes returns the next n body bytes. The returned slice aliases the
// message body and is only valid for the lifetime of the message.
func (m *Message) ReadBytes(n int) ([]byte, error) {
	if n < 0 || m.Remaining() < n {
		return nil, ErrInsufficientData
	}
	buf := m.body[m.pos : m.pos+n : m.pos+n]
	m.pos += n
	return buf, nil
}

// ReadAll returns all unread body bytes.
func (m *Message) ReadAll() []byte {
	buf := m.body[m.pos:len(m.body):len(m.body)]
	m.pos = len(m.body)
	return buf
}
