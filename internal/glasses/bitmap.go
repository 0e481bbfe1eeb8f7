package glasses

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	_ "image/png"

	_ "golang.org/x/image/bmp"
)

// G1 bitmap canvas.
const (
	BitmapWidth  = 576
	BitmapHeight = 136
)

// DecodeImage decodes a PNG or BMP image.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("glasses: decode image: %w", err)
	}
	return img, nil
}

// isBMP1 reports whether data already is a 1-bit BMP file.
func isBMP1(data []byte) bool {
	return len(data) >= 30 && data[0] == 'B' && data[1] == 'M' && binary.LittleEndian.Uint16(data[28:]) == 1
}

func dark(c color.Color) bool {
	return color.GrayModel.Convert(c).(color.Gray).Y < 128
}

// Encode1BitBMP renders img as an uncompressed 1-bpp BMP file: bottom-up
// rows padded to four bytes, leftmost pixel in the most significant bit, a
// set bit for a dark pixel and a white/black palette.
func Encode1BitBMP(img image.Image) []byte {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	rowSize := (width + 31) / 32 * 4
	imageSize := rowSize * height
	const dataOffset = 14 + 40 + 8

	out := make([]byte, 0, dataOffset+imageSize)
	le32 := func(v int) { out = binary.LittleEndian.AppendUint32(out, uint32(v)) }
	le16 := func(v int) { out = binary.LittleEndian.AppendUint16(out, uint16(v)) }

	out = append(out, 'B', 'M')
	le32(dataOffset + imageSize)
	le32(0)
	le32(dataOffset)

	le32(40)
	le32(width)
	le32(height)
	le16(1)
	le16(1)
	le32(0)
	le32(imageSize)
	le32(2835)
	le32(2835)
	le32(2)
	le32(0)

	out = append(out, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x00)

	for y := height - 1; y >= 0; y-- {
		row := make([]byte, rowSize)
		for x := range width {
			if dark(img.At(b.Min.X+x, b.Min.Y+y)) {
				row[x/8] |= 0x80 >> (x % 8)
			}
		}
		out = append(out, row...)
	}
	return out
}

// PackLines1bpp encodes img for streaming to single-arm glasses: one slice
// per row, eight pixels per byte with the leftmost pixel in the least
// significant bit and a set bit for a lit (bright) pixel.
func PackLines1bpp(img image.Image) (width uint16, size uint32, lines [][]byte) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	rowSize := (w + 7) / 8
	lines = make([][]byte, h)
	for y := range h {
		row := make([]byte, rowSize)
		for x := range w {
			if !dark(img.At(b.Min.X+x, b.Min.Y+y)) {
				row[x/8] |= 1 << (x % 8)
			}
		}
		lines[y] = row
	}
	return uint16(w), uint32(rowSize * h), lines
}
