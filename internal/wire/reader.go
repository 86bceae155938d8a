package wire

import (
	"errors"
	"fmt"
	"io"
)

const readChunkSize = 4096

// maxFramePayload bounds a single inbound frame. Anything larger is a
// protocol violation for a chat transport, not a legitimate message.
const maxFramePayload = 1 << 20

// Reader accumulates bytes from a stream and yields whole frames.
type Reader struct {
	src io.Reader
	buf []byte
}

// NewReader wraps src in a frame reader.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// Next returns the next complete frame, blocking on the underlying stream
// until enough bytes arrive. Partial frames are buffered between calls.
func (r *Reader) Next() (Frame, error) {
	for {
		if len(r.buf) > 0 {
			frame, consumed, err := Decode(r.buf)
			switch {
			case err == nil:
				r.buf = r.buf[consumed:]
				return frame, nil
			case errors.Is(err, ErrIncomplete):
				// fall through to read more bytes
			default:
				return Frame{}, err
			}

			if len(r.buf) > maxFramePayload+14 {
				return Frame{}, fmt.Errorf("%w: frame exceeds %d bytes", ErrInvalidFrame, maxFramePayload)
			}
		}

		chunk := make([]byte, readChunkSize)
		n, err := r.src.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return Frame{}, err
		}
	}
}
