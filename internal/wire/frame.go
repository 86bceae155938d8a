// Package wire implements the WebSocket wire protocol spoken on raw byte
// streams: the opening HTTP upgrade handshake and the frame codec that
// turns a byte stream into discrete text payloads and back.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame header constants.
const (
	finBit  = 0x80
	maskBit = 0x80

	opcodeContinuation = 0x0
	opcodeText         = 0x1
	opcodeBinary       = 0x2
	opcodeClose        = 0x8
	opcodePing         = 0x9
	opcodePong         = 0xA

	len16Marker = 126
	len64Marker = 127

	len16Threshold = 126
	len64Threshold = 65536
)

// ErrIncomplete signals that the buffer does not yet contain a whole frame.
// The caller must keep buffering and retry once more bytes arrive.
var ErrIncomplete = errors.New("wire: incomplete frame")

// ErrInvalidFrame signals a frame that can never become valid, such as a
// reserved opcode.
var ErrInvalidFrame = errors.New("wire: invalid frame")

// Frame is a single decoded wire frame.
type Frame struct {
	Opcode  byte
	Payload []byte
}

// IsText reports whether the frame carries a text payload.
func (f Frame) IsText() bool { return f.Opcode == opcodeText }

// IsClose reports whether the frame is a close control frame.
func (f Frame) IsClose() bool { return f.Opcode == opcodeClose }

// IsPing reports whether the frame is a ping control frame.
func (f Frame) IsPing() bool { return f.Opcode == opcodePing }

// Encode wraps payload in a single final text frame. Server-to-client
// frames are never masked. The length field uses the minimal encoding
// that fits: 7-bit inline, 16-bit extended, or 64-bit extended.
func Encode(payload []byte) []byte {
	n := len(payload)

	var header []byte
	switch {
	case n < len16Threshold:
		header = []byte{finBit | opcodeText, byte(n)}
	case n < len64Threshold:
		header = make([]byte, 4)
		header[0] = finBit | opcodeText
		header[1] = len16Marker
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = finBit | opcodeText
		header[1] = len64Marker
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	frame := make([]byte, 0, len(header)+n)
	frame = append(frame, header...)
	frame = append(frame, payload...)
	return frame
}

// EncodeControl builds a final control frame with the given opcode.
// Control payloads must fit the 7-bit length field.
func EncodeControl(opcode byte, payload []byte) ([]byte, error) {
	if len(payload) >= len16Threshold {
		return nil, fmt.Errorf("%w: control payload too long (%d bytes)", ErrInvalidFrame, len(payload))
	}
	frame := make([]byte, 0, 2+len(payload))
	frame = append(frame, finBit|opcode, byte(len(payload)))
	frame = append(frame, payload...)
	return frame, nil
}

// EncodePong builds a pong frame echoing the ping payload.
func EncodePong(payload []byte) ([]byte, error) {
	return EncodeControl(opcodePong, payload)
}

// EncodeClose builds a close frame with an empty body.
func EncodeClose() []byte {
	return []byte{finBit | opcodeClose, 0}
}

// Decode parses the first frame in buf. It returns the frame and the
// number of bytes consumed. A short buffer yields ErrIncomplete so callers
// can accumulate bytes from the stream and retry. Masked payloads are
// unmasked in a copy; buf is never modified.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, ErrIncomplete
	}

	opcode := buf[0] & 0x0F
	switch opcode {
	case opcodeContinuation, opcodeText, opcodeBinary, opcodeClose, opcodePing, opcodePong:
	default:
		return Frame{}, 0, fmt.Errorf("%w: reserved opcode %#x", ErrInvalidFrame, opcode)
	}

	masked := buf[1]&maskBit != 0
	length := uint64(buf[1] & 0x7F)
	offset := 2

	switch length {
	case len16Marker:
		if len(buf) < offset+2 {
			return Frame{}, 0, ErrIncomplete
		}
		length = uint64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case len64Marker:
		if len(buf) < offset+8 {
			return Frame{}, 0, ErrIncomplete
		}
		length = binary.BigEndian.Uint64(buf[offset:])
		offset += 8
	}

	var maskKey []byte
	if masked {
		if len(buf) < offset+4 {
			return Frame{}, 0, ErrIncomplete
		}
		maskKey = buf[offset : offset+4]
		offset += 4
	}

	if uint64(len(buf)) < uint64(offset)+length {
		return Frame{}, 0, ErrIncomplete
	}

	payload := make([]byte, length)
	copy(payload, buf[offset:uint64(offset)+length])
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}

	return Frame{Opcode: opcode, Payload: payload}, offset + int(length), nil
}
