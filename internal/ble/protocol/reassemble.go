package protocol

import (
	"log/slog"
)

// AudioStart marks a raw encoded-audio notification that bypasses the
// envelope.
const AudioStart byte = 0xF1

// Reassembler accumulates notification packets until they form complete
// frames. A peripheral may split one frame over several notifications, or
// pack several frames into one.
//
// The zero value accumulates every packet. Set Bypass to deliver packets
// starting with the given bytes unchanged.
type Reassembler struct {
	// Bypass maps a leading byte to the exact packet length that is delivered
	// raw. A length of 0 accepts any length.
	Bypass map[byte]int

	pending []byte
	dropped int
}

// Feed consumes one notification packet. It returns the frames completed
// by this packet, or the packet itself when it is a bypass block.
func (r *Reassembler) Feed(packet []byte) (frames []Frame, raw []byte) {
	if len(packet) == 0 {
		return nil, nil
	}
	if r.isBypass(packet) {
		return nil, append([]byte(nil), packet...)
	}

	if len(r.pending) == 0 && packet[0] != FrameStart {
		r.drop(packet, "missing start byte")
		return nil, nil
	}
	// A complete frame while still accumulating means the pending bytes
	// will never complete.
	if len(r.pending) > 0 && ValidFrame(packet) {
		r.drop(r.pending, "superseded by complete frame")
		r.pending = nil
	}

	r.pending = append(r.pending, packet...)
	for len(r.pending) > 0 {
		if r.pending[0] != FrameStart {
			r.drop(r.pending, "missing start byte")
			r.pending = nil
			break
		}
		size, ok := DeclaredLength(r.pending)
		if !ok {
			break
		}
		if size < minFrameLen || size > maxFrameLen {
			r.drop(r.pending, "bad length")
			r.pending = nil
			break
		}
		if len(r.pending) < size {
			break
		}
		f, err := Decode(r.pending[:size])
		if err != nil {
			r.drop(r.pending, "bad frame")
			r.pending = nil
			break
		}
		frames = append(frames, f)
		r.pending = r.pending[size:]
	}
	if len(r.pending) == 0 {
		r.pending = nil
	}
	return frames, nil
}

// Pending returns the number of buffered bytes awaiting completion.
func (r *Reassembler) Pending() int { return len(r.pending) }

// Dropped returns how many buffers were discarded as invalid.
func (r *Reassembler) Dropped() int { return r.dropped }

// Reset discards any partial frame.
func (r *Reassembler) Reset() { r.pending = nil }

func (r *Reassembler) isBypass(packet []byte) bool {
	size, ok := r.Bypass[packet[0]]
	if !ok {
		return false
	}
	return size == 0 || len(packet) == size
}

func (r *Reassembler) drop(buf []byte, reason string) {
	r.dropped++
	slog.Debug("[PROTO] dropping invalid frame", "reason", reason, "len", len(buf), "head", truncate(buf, 8))
}
