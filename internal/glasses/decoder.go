package glasses

import "fmt"

// Decoder turns one encoded microphone block into PCM. LC3 decoding is left
// to the host; RawDecoder passes blocks through unchanged.
type Decoder interface {
	Decode(block []byte) ([]byte, error)
}

// RawDecoder forwards encoded blocks as they arrive. On G1 these are LC3
// frames, not PCM.
type RawDecoder struct{}

func (RawDecoder) Decode(block []byte) ([]byte, error) {
	return append([]byte(nil), block...), nil
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(block []byte) ([]byte, error)

func (f DecoderFunc) Decode(block []byte) ([]byte, error) {
	pcm, err := f(block)
	if err != nil {
		return nil, fmt.Errorf("glasses: decode audio: %w", err)
	}
	return pcm, nil
}

// EmitsPCM reports whether d produces PCM. RawDecoder and a nil decoder do
// not.
func EmitsPCM(d Decoder) bool {
	if d == nil {
		return false
	}
	_, raw := d.(RawDecoder)
	return !raw
}
