package proto

import (
	"encoding/binary"
	"errors"
)

// On the wire every message is a 4-byte big-endian payload length followed
// by the encoded payload. There is no checksum and no version byte.

// MaxFrameLen caps a single frame's payload. A peer announcing more is not
// speaking this protocol; treat it as fatal.
const MaxFrameLen = 16 << 20

var ErrFrameTooLarge = errors.New("proto: frame exceeds maximum length")

const headerLen = 4

// Encode serializes m and prepends the frame header.
func Encode(m Message) []byte {
	b := appendMessage(make([]byte, headerLen, headerLen+64), m)
	binary.BigEndian.PutUint32(b, uint32(len(b)-headerLen))
	return b
}

// Decode parses a single complete payload (without the frame header).
func Decode(payload []byte) (Message, error) {
	return decodeMessage(payload)
}

// A FrameBuffer incrementally decodes frames from a byte stream that
// arrives in arbitrary chunks. Feed appends raw bytes; TryNext consumes and
// returns one message at a time until the buffered data runs dry.
type FrameBuffer struct {
	buf []byte
}

// Feed appends raw stream bytes to the buffer.
func (fb *FrameBuffer) Feed(p []byte) {
	fb.buf = append(fb.buf, p...)
}

// TryNext returns the next complete message and removes its bytes from the
// buffer. ok is false when the buffer holds less than a full frame. A non-nil
// error means the stream is unrecoverable (oversized frame or a payload that
// does not decode).
func (fb *FrameBuffer) TryNext() (m Message, ok bool, err error) {
	if len(fb.buf) < headerLen {
		return nil, false, nil
	}
	length := binary.BigEndian.Uint32(fb.buf)
	if length > MaxFrameLen {
		return nil, false, ErrFrameTooLarge
	}
	total := headerLen + int(length)
	if len(fb.buf) < total {
		return nil, false, nil
	}
	m, err = decodeMessage(fb.buf[headerLen:total])
	if err != nil {
		return nil, false, err
	}
	// shift the remainder down rather than re-slicing so the buffer does
	// not pin every chunk ever fed
	n := copy(fb.buf, fb.buf[total:])
	fb.buf = fb.buf[:n]
	return m, true, nil
}

// Len reports the number of buffered, not-yet-consumed bytes.
func (fb *FrameBuffer) Len() int {
	return len(fb.buf)
}
