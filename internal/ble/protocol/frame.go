// Package protocol implements the wire formats spoken by the glasses: the
// framed command envelope, inbound reassembly, query correlation and the
// chunking schemes for text pages, notifications, whitelists, bitmaps and
// firmware blocks.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Envelope constants.
const (
	FrameStart byte = 0xFF
	FrameEnd   byte = 0xAA

	// formatLongLength is set in the format byte when the length field
	// occupies two bytes.
	formatLongLength byte = 0x10
	formatQueryMask  byte = 0x0F

	MaxQueryIDLen = 15
	MaxFrameData  = 512

	minFrameLen = 5
	maxFrameLen = 6 + MaxQueryIDLen + MaxFrameData
)

// ErrInvalidFrame is returned for buffers that are not a well-formed envelope.
var ErrInvalidFrame = errors.New("protocol: invalid frame")

// Frame is one decoded command envelope.
//
//	0xFF | cmd | format | length (1 or 2 bytes) | query id | data | 0xAA
type Frame struct {
	Command byte
	QueryID []byte
	Data    []byte
}

// Encode serializes the frame. The length is written in one byte when the
// whole frame fits in 255 bytes, otherwise the long-length flag is set and
// the length takes two big-endian bytes.
func (f Frame) Encode() ([]byte, error) {
	n, m := len(f.QueryID), len(f.Data)
	if n > MaxQueryIDLen {
		return nil, fmt.Errorf("protocol: query id must be at most %d bytes, got %d", MaxQueryIDLen, n)
	}
	if m > MaxFrameData {
		return nil, fmt.Errorf("protocol: frame data must be at most %d bytes, got %d", MaxFrameData, m)
	}

	total := minFrameLen + n + m
	format := byte(n)
	long := total > 0xFF
	if long {
		total++
		format |= formatLongLength
	}

	buf := make([]byte, 0, total)
	buf = append(buf, FrameStart, f.Command, format)
	if long {
		buf = binary.BigEndian.AppendUint16(buf, uint16(total))
	} else {
		buf = append(buf, byte(total))
	}
	buf = append(buf, f.QueryID...)
	buf = append(buf, f.Data...)
	buf = append(buf, FrameEnd)
	return buf, nil
}

// MustEncode is Encode for frames built from constants. It panics on
// oversize fields.
func (f Frame) MustEncode() []byte {
	b, err := f.Encode()
	if err != nil {
		panic(err)
	}
	return b
}

// headerLen returns the number of bytes before the query id and whether the
// header is long enough to tell.
func headerLen(buf []byte) (int, bool) {
	if len(buf) < 3 {
		return 0, false
	}
	if buf[2]&formatLongLength != 0 {
		return 5, true
	}
	return 4, true
}

// DeclaredLength reads the length field of a (possibly partial) frame.
// It reports false until enough header bytes are present.
func DeclaredLength(buf []byte) (int, bool) {
	hl, ok := headerLen(buf)
	if !ok || len(buf) < hl {
		return 0, false
	}
	if hl == 5 {
		return int(binary.BigEndian.Uint16(buf[3:5])), true
	}
	return int(buf[3]), true
}

// ValidFrame reports whether buf holds exactly one well-formed frame: the
// declared length equals the buffer length and the last byte is FrameEnd.
func ValidFrame(buf []byte) bool {
	if len(buf) < minFrameLen || buf[0] != FrameStart || buf[len(buf)-1] != FrameEnd {
		return false
	}
	size, ok := DeclaredLength(buf)
	if !ok || size != len(buf) {
		return false
	}
	hl, _ := headerLen(buf)
	n := int(buf[2] & formatQueryMask)
	return hl+n+1 <= len(buf)
}

// Decode parses a single frame. The buffer must satisfy ValidFrame.
func Decode(buf []byte) (Frame, error) {
	if !ValidFrame(buf) {
		return Frame{}, fmt.Errorf("%w: % x", ErrInvalidFrame, truncate(buf, 16))
	}
	hl, _ := headerLen(buf)
	n := int(buf[2] & formatQueryMask)

	f := Frame{Command: buf[1]}
	if n > 0 {
		f.QueryID = append([]byte(nil), buf[hl:hl+n]...)
	}
	if data := buf[hl+n : len(buf)-1]; len(data) > 0 {
		f.Data = append([]byte(nil), data...)
	}
	return f, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
