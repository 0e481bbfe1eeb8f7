package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"unicode/utf8"
)

// MaxFragments is the most fragments a one-byte total field can count.
const MaxFragments = 255

// ErrTooManyFragments is returned when a payload needs more fragments than
// the header can count.
var ErrTooManyFragments = errors.New("protocol: too many fragments")

// Fragment sizes used by the dual-arm glasses.
const (
	MaxTextChunk         = 176
	MaxNotificationChunk = 176
	MaxWhitelistChunk    = 176
	BitmapChunkSize      = 194
)

// Command bytes for chunked transfers.
const (
	CmdWhitelist    byte = 0x04
	CmdBitmap       byte = 0x15
	CmdBitmapCRC    byte = 0x16
	CmdBitmapExit   byte = 0x18
	CmdBitmapEnd    byte = 0x20
	CmdNotification byte = 0x4B
	CmdText         byte = 0x4E

	// ScreenStatusNewText is "new content" (0x01) | "text show" (0x70).
	ScreenStatusNewText byte = 0x71
)

// BitmapAddress is the display memory address prepended to the first bitmap
// fragment and to the CRC input.
var BitmapAddress = []byte{0x00, 0x1c, 0x00, 0x00}

// Split cuts payload into consecutive pieces of at most size bytes. It
// returns nil for an empty payload. size values below 1 are treated as 1.
func Split(payload []byte, size int) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	if size < 1 {
		size = 1
	}
	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for start := 0; start < len(payload); start += size {
		end := min(start+size, len(payload))
		chunks = append(chunks, payload[start:end])
	}
	return chunks
}

// Join concatenates chunks in order.
func Join(chunks [][]byte) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// TextChunks fragments one rendered text page. Every fragment carries the
// same sequence and page header and a monotonically increasing index:
//
//	0x4E | seq | total | index | 0x71 | 0x00 | 0x00 | page | totalPages | text...
func TextChunks(seq, page, totalPages byte, text []byte) ([][]byte, error) {
	parts, err := countedSplit(text, MaxTextChunk)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(parts))
	for i, p := range parts {
		frag := make([]byte, 0, 9+len(p))
		frag = append(frag, CmdText, seq, byte(len(parts)), byte(i), ScreenStatusNewText, 0x00, 0x00, page, totalPages)
		frag = append(frag, p...)
		out = append(out, frag)
	}
	return out, nil
}

// NotificationChunks fragments a notification JSON document:
//
//	0x4B | notifyID | total | index | json...
func NotificationChunks(notifyID byte, body []byte) ([][]byte, error) {
	parts, err := countedSplit(body, MaxNotificationChunk)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(parts))
	for i, p := range parts {
		frag := make([]byte, 0, 4+len(p))
		frag = append(frag, CmdNotification, notifyID, byte(len(parts)), byte(i))
		frag = append(frag, p...)
		out = append(out, frag)
	}
	return out, nil
}

func countedSplit(body []byte, size int) ([][]byte, error) {
	parts := Split(body, size)
	if len(parts) > MaxFragments {
		return nil, fmt.Errorf("%w: %d bytes need %d", ErrTooManyFragments, len(body), len(parts))
	}
	return parts, nil
}

// WhitelistChunks fragments the notification whitelist JSON:
//
//	0x04 | total | index | json...
func WhitelistChunks(body []byte) ([][]byte, error) {
	parts, err := countedSplit(body, MaxWhitelistChunk)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(parts))
	for i, p := range parts {
		frag := make([]byte, 0, 3+len(p))
		frag = append(frag, CmdWhitelist, byte(len(parts)), byte(i))
		frag = append(frag, p...)
		out = append(out, frag)
	}
	return out, nil
}

// BitmapChunks fragments a 1-bit BMP image. The first fragment carries the
// display address after the two-byte header.
func BitmapChunks(bmp []byte) [][]byte {
	parts := Split(bmp, BitmapChunkSize)
	out := make([][]byte, 0, len(parts))
	for i, p := range parts {
		frag := []byte{CmdBitmap, byte(i)}
		if i == 0 {
			frag = append(frag, BitmapAddress...)
		}
		frag = append(frag, p...)
		out = append(out, frag)
	}
	return out
}

// BitmapEnd terminates a bitmap transfer.
func BitmapEnd() []byte { return []byte{CmdBitmapEnd, 0x0d, 0x0e} }

// BitmapExit leaves bitmap mode and clears the image.
func BitmapExit() []byte { return []byte{CmdBitmapExit} }

// BitmapCRC returns the checksum command for an image: CRC32 over address
// and image bytes, big-endian.
func BitmapCRC(bmp []byte) []byte {
	h := crc32.NewIEEE()
	h.Write(BitmapAddress)
	h.Write(bmp)
	return binary.BigEndian.AppendUint32([]byte{CmdBitmapCRC}, h.Sum32())
}

// ChunkText splits text into chunks that each fit within maxBytes.
// It prefers splitting at word boundaries (spaces) and never splits
// in the middle of a UTF-8 character. Returns nil for empty text or a
// non-positive maxBytes.
func ChunkText(text string, maxBytes int) []string {
	if len(text) == 0 || maxBytes <= 0 {
		return nil
	}
	if len(text) <= maxBytes {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxBytes {
			chunks = append(chunks, text)
			break
		}

		split := maxBytes
		for split > 0 && !utf8.RuneStart(text[split]) {
			split--
		}
		if split == 0 {
			// maxBytes is smaller than the leading rune.
			_, split = utf8.DecodeRuneInString(text)
		}

		bestSpace := -1
		for i := split; i > 0; i-- {
			if text[i-1] == ' ' {
				bestSpace = i
				break
			}
		}

		if bestSpace > 0 {
			// Keep the space in the first chunk so reassembly is exact.
			chunks = append(chunks, text[:bestSpace])
			text = text[bestSpace:]
		} else {
			chunks = append(chunks, text[:split])
			text = text[split:]
		}
	}
	return chunks
}
