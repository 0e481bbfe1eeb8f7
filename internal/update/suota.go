package update

import (
	"encoding/binary"

	"github.com/chaz8081/glassbridge/internal/ble/protocol"
)

// SUOTA service and characteristics.
const (
	ServiceSUOTA = "0000fef5-0000-1000-8000-00805f9b34fb"

	CharMemDev        = "8082caa8-41a6-4021-91c6-56f9b954cc34"
	CharGPIOMap       = "724249f0-5ec3-4b5f-8804-42345af08651"
	CharPatchLen      = "9d84b9a3-000c-49d8-9183-855b673fda31"
	CharPatchData     = "457871e8-d516-4ca1-9116-57d0b17b9cb2"
	CharServStatus    = "5f78df94-798c-46f5-990a-b3eb6a065c88"
	CharVersion       = "64b4e8b5-0de5-401b-a21d-acc8db3b913a"
	CharPatchDataSize = "42c3dfdd-77be-4d9c-8454-8f875267fb3b"
	CharMTU           = "b7de1eea-823d-43bb-a3af-c4903dfce23c"
	CharL2CAPPSM      = "61c8849c-f639-4765-946e-5c3419bebb2a"
)

// Memory device commands and the GPIO map of the external flash.
const (
	memDevSPIFlash uint32 = 0x13000000
	memDevEnd      uint32 = 0xFE000000
	memDevReboot   uint32 = 0xFD000000
	gpioMap        uint32 = 0x05060300
)

// Status notifications.
const (
	statusBlockAck   byte = 0x02
	statusImgStarted byte = 0x10
)

// BlockSize is the number of image bytes acknowledged at once.
const BlockSize = 240

// Defaults when the device does not report its limits.
const (
	defaultPatchDataSize = 20
	defaultSUOTAMTU      = 23
)

// Block is one acknowledged unit of the image, already cut into writes.
type Block struct {
	Size   int
	Chunks [][]byte
}

// Image is a firmware image ready for transfer: the raw bytes followed by a
// one-byte XOR checksum.
type Image struct {
	data []byte
}

// NewImage appends the checksum to firmware.
func NewImage(firmware []byte) Image {
	var crc byte
	for _, b := range firmware {
		crc ^= b
	}
	data := make([]byte, 0, len(firmware)+1)
	data = append(data, firmware...)
	return Image{data: append(data, crc)}
}

// Len is the image length including the checksum.
func (i Image) Len() int { return len(i.data) }

// Checksum is the trailing XOR byte.
func (i Image) Checksum() byte { return i.data[len(i.data)-1] }

// Blocks cuts the image into blocks of blockSize bytes, each split into
// chunks of at most chunkSize bytes.
func (i Image) Blocks(blockSize, chunkSize int) []Block {
	parts := protocol.Split(i.data, blockSize)
	blocks := make([]Block, 0, len(parts))
	for _, p := range parts {
		blocks = append(blocks, Block{Size: len(p), Chunks: protocol.Split(p, chunkSize)})
	}
	return blocks
}

func u32le(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }

func u16le(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }

// readU16 decodes a little-endian characteristic value, or returns def.
func readU16(data []byte, def int) int {
	if len(data) < 2 {
		return def
	}
	if v := int(binary.LittleEndian.Uint16(data)); v > 0 {
		return v
	}
	return def
}
