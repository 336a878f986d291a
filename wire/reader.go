package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/chunkreader/v2"
)

// maxMessageBodyLen guards against a corrupt length prefix causing a huge
// allocation. PostgreSQL messages are well below this.
const maxMessageBodyLen = 1 << 26 // 64 MiB

// ErrInvalidTag occurs when the stream yields a zero type tag. A zero tag
// is how an ungraceful server disconnect shows up: the peer closed the
// socket mid-frame or sent garbage.
var ErrInvalidTag = errors.New("invalid message type tag")

// ErrInvalidLength occurs when a message header declares a length smaller
// than the length field itself.
var ErrInvalidLength = errors.New("invalid message length")

// Reader reads backend messages from a stream. Any error is fatal to the
// stream; there is no resynchronization.
type Reader struct {
	cr *chunkreader.ChunkReader
}

// NewReader returns a Reader buffering r.
func NewReader(r io.Reader) *Reader {
	return &Reader{cr: chunkreader.New(r)}
}

// ReadMessage reads the next complete message. The returned Message owns
// its body; it remains valid across subsequent calls.
func (r *Reader) ReadMessage() (*Message, error) {
	header, err := r.cr.Next(5)
	if err != nil {
		return nil, err
	}

	typ := header[0]
	if typ == 0 {
		return nil, ErrInvalidTag
	}

	msgLen := int(int32(binary.BigEndian.Uint32(header[1:])))
	if msgLen < 4 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, msgLen)
	}
	if msgLen-4 > maxMessageBodyLen {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, msgLen)
	}

	chunk, err := r.cr.Next(msgLen - 4)
	if err != nil {
		return nil, err
	}

	// chunkreader memory is only valid until the next call of Next.
	body := make([]byte, len(chunk))
	copy(body, chunk)

	return NewMessage(typ, body), nil
}

// ReadByte reads a single raw byte from the stream. It is used for the
// one-byte SSLRequest response which is not a framed message.
func (r *Reader) ReadByte() (byte, error) {
	buf, err := r.cr.Next(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}
