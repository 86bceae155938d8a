package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// maskedTextFrame produces a client-style masked text frame.
func maskedTextFrame(t *testing.T, payload []byte, maskKey [4]byte) []byte {
	t.Helper()

	n := len(payload)
	var frame []byte
	switch {
	case n < len16Threshold:
		frame = []byte{finBit | opcodeText, maskBit | byte(n)}
	case n < len64Threshold:
		frame = []byte{finBit | opcodeText, maskBit | len16Marker, 0, 0}
		binary.BigEndian.PutUint16(frame[2:], uint16(n))
	default:
		frame = make([]byte, 10)
		frame[0] = finBit | opcodeText
		frame[1] = maskBit | len64Marker
		binary.BigEndian.PutUint64(frame[2:], uint64(n))
	}

	frame = append(frame, maskKey[:]...)
	for i, b := range payload {
		frame = append(frame, b^maskKey[i%4])
	}
	return frame
}

func TestEncodeLengthEncodings(t *testing.T) {
	tests := []struct {
		name       string
		payloadLen int
		headerLen  int
	}{
		{"empty", 0, 2},
		{"short", 1, 2},
		{"max inline", 125, 2},
		{"min extended16", 126, 4},
		{"max extended16", 65535, 4},
		{"min extended64", 65536, 10},
		{"large", 70000, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{'x'}, tt.payloadLen)
			encoded := Encode(payload)

			require.Len(t, encoded, tt.headerLen+tt.payloadLen)
			assert.Equal(t, byte(finBit|opcodeText), encoded[0])
			// Server frames are never masked.
			assert.Zero(t, encoded[1]&maskBit)

			frame, consumed, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, len(encoded), consumed)
			assert.True(t, frame.IsText())
			assert.Equal(t, payload, frame.Payload)
		})
	}
}

func TestDecodeMaskedFrame(t *testing.T) {
	payload := []byte(`{"type":"chat_message","content":"hello"}`)
	raw := maskedTextFrame(t, payload, [4]byte{0x12, 0x34, 0x56, 0x78})

	frame, consumed, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), consumed)
	assert.True(t, frame.IsText())
	assert.Equal(t, payload, frame.Payload)
	// Input buffer must stay masked.
	assert.NotEqual(t, payload, raw[6:])
}

func TestDecodeMaskedExtendedLengths(t *testing.T) {
	for _, n := range []int{126, 65535, 65536} {
		payload := bytes.Repeat([]byte{'m'}, n)
		raw := maskedTextFrame(t, payload, [4]byte{0xAA, 0xBB, 0xCC, 0xDD})

		frame, consumed, err := Decode(raw)
		require.NoError(t, err, "payload length %d", n)
		assert.Equal(t, len(raw), consumed)
		assert.Equal(t, payload, frame.Payload)
	}
}

func TestDecodeIncomplete(t *testing.T) {
	full := maskedTextFrame(t, []byte("incomplete delivery"), [4]byte{1, 2, 3, 4})

	// Every proper prefix must report an incomplete frame, never an error
	// and never a short payload.
	for i := 0; i < len(full); i++ {
		_, _, err := Decode(full[:i])
		assert.ErrorIs(t, err, ErrIncomplete, "prefix of %d bytes", i)
	}
}

func TestDecodeIncompleteExtendedHeader(t *testing.T) {
	full := maskedTextFrame(t, bytes.Repeat([]byte{'y'}, 300), [4]byte{9, 8, 7, 6})

	// Cut inside the 16-bit length extension and inside the mask key.
	for _, i := range []int{2, 3, 4, 5, 6, 7} {
		_, _, err := Decode(full[:i])
		assert.ErrorIs(t, err, ErrIncomplete, "prefix of %d bytes", i)
	}
}

func TestDecodeReservedOpcode(t *testing.T) {
	_, _, err := Decode([]byte{finBit | 0x3, 0})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestDecodeConsumesOnlyFirstFrame(t *testing.T) {
	first := maskedTextFrame(t, []byte("one"), [4]byte{1, 1, 1, 1})
	second := maskedTextFrame(t, []byte("two"), [4]byte{2, 2, 2, 2})
	stream := append(append([]byte{}, first...), second...)

	frame, consumed, err := Decode(stream)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), frame.Payload)
	assert.Equal(t, len(first), consumed)

	frame, consumed, err = Decode(stream[consumed:])
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), frame.Payload)
	assert.Equal(t, len(second), consumed)
}

func TestEncodeControlFrames(t *testing.T) {
	pong, err := EncodePong([]byte("ping-body"))
	require.NoError(t, err)
	frame, _, err := Decode(pong)
	require.NoError(t, err)
	assert.Equal(t, byte(opcodePong), frame.Opcode)
	assert.Equal(t, []byte("ping-body"), frame.Payload)

	frame, _, err = Decode(EncodeClose())
	require.NoError(t, err)
	assert.True(t, frame.IsClose())
	assert.Empty(t, frame.Payload)

	_, err = EncodeControl(opcodePing, bytes.Repeat([]byte{'p'}, 126))
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestReaderReassemblesSplitFrames(t *testing.T) {
	first := maskedTextFrame(t, []byte("split across reads"), [4]byte{5, 6, 7, 8})
	second := maskedTextFrame(t, bytes.Repeat([]byte{'z'}, 200), [4]byte{5, 6, 7, 8})
	stream := append(append([]byte{}, first...), second...)

	// Feed one byte at a time to force maximal fragmentation.
	r := NewReader(&oneByteReader{src: stream})

	frame, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("split across reads"), frame.Payload)

	frame, err = r.Next()
	require.NoError(t, err)
	assert.Len(t, frame.Payload, 200)
}

// oneByteReader delivers src one byte per Read call.
type oneByteReader struct {
	src []byte
	pos int
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.src) {
		return 0, io.EOF
	}
	p[0] = r.src[r.pos]
	r.pos++
	return 1, nil
}

func TestAcceptKey(t *testing.T) {
	// Known vector from RFC 6455 section 1.3.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestHandshake(t *testing.T) {
	request := "GET /chat HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"

	var response bytes.Buffer
	err := Handshake(bufio.NewReader(strings.NewReader(request)), &response)
	require.NoError(t, err)

	got := response.String()
	assert.True(t, strings.HasPrefix(got, "HTTP/1.1 101 Switching Protocols\r\n"))
	assert.Contains(t, got, "Upgrade: websocket\r\n")
	assert.Contains(t, got, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n")
}

func TestHandshakeRejectsPlainRequest(t *testing.T) {
	request := "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"

	var response bytes.Buffer
	err := Handshake(bufio.NewReader(strings.NewReader(request)), &response)
	require.Error(t, err)
	assert.Empty(t, response.String())
}

func TestHandshakeRejectsMissingKey(t *testing.T) {
	request := "GET /chat HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"\r\n"

	var response bytes.Buffer
	err := Handshake(bufio.NewReader(strings.NewReader(request)), &response)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Sec-WebSocket-Key")
}
