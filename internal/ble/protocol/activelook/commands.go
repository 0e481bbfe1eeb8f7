// Package activelook builds and decodes the framed commands understood by
// single-arm graphics glasses. Every builder returns protocol frames without
// a query id; the driver assigns one when the frame is queued.
package activelook

import (
	"encoding/binary"

	"github.com/chaz8081/glassbridge/internal/ble/protocol"
)

// Command ids.
const (
	IDPower    byte = 0x00
	IDClear    byte = 0x01
	IDGrey     byte = 0x02
	IDDemo     byte = 0x03
	IDTest     byte = 0x04
	IDBattery  byte = 0x05
	IDVersion  byte = 0x06
	IDLED      byte = 0x08
	IDShift    byte = 0x09
	IDSettings byte = 0x0A

	IDLuma    byte = 0x10
	IDSensor  byte = 0x20
	IDGesture byte = 0x21
	IDALS     byte = 0x22

	IDColor        byte = 0x30
	IDPoint        byte = 0x31
	IDLine         byte = 0x32
	IDRect         byte = 0x33
	IDRectFilled   byte = 0x34
	IDCircle       byte = 0x35
	IDCircleFilled byte = 0x36
	IDText         byte = 0x37
	IDPolyline     byte = 0x38
	IDHoldFlush    byte = 0x39

	IDImgSave     byte = 0x41
	IDImgDisplay  byte = 0x42
	IDImgDelete   byte = 0x43
	IDImgStream   byte = 0x44
	IDImgSave1bpp byte = 0x45
	IDImgList     byte = 0x47

	IDFontList   byte = 0x50
	IDFontSave   byte = 0x51
	IDFontSelect byte = 0x52
	IDFontDelete byte = 0x53

	IDLayoutSave                    byte = 0x60
	IDLayoutDelete                  byte = 0x61
	IDLayoutDisplay                 byte = 0x62
	IDLayoutClear                   byte = 0x63
	IDLayoutList                    byte = 0x64
	IDLayoutPosition                byte = 0x65
	IDLayoutDisplayExtended         byte = 0x66
	IDLayoutGet                     byte = 0x67
	IDLayoutClearExtended           byte = 0x68
	IDLayoutClearAndDisplay         byte = 0x69
	IDLayoutClearAndDisplayExtended byte = 0x6A

	IDGaugeDisplay byte = 0x70
	IDGaugeSave    byte = 0x71
	IDGaugeDelete  byte = 0x72
	IDGaugeList    byte = 0x73
	IDGaugeGet     byte = 0x74

	IDPageSave            byte = 0x80
	IDPageGet             byte = 0x81
	IDPageDelete          byte = 0x82
	IDPageDisplay         byte = 0x83
	IDPageClear           byte = 0x84
	IDPageList            byte = 0x85
	IDPageClearAndDisplay byte = 0x86

	IDPixelCount         byte = 0xA5
	IDChargingCounter    byte = 0xA7
	IDChargingTime       byte = 0xA8
	IDResetChargingParam byte = 0xAA

	IDCfgWrite          byte = 0xD0
	IDCfgRead           byte = 0xD1
	IDCfgSet            byte = 0xD2
	IDCfgList           byte = 0xD3
	IDCfgRename         byte = 0xD4
	IDCfgDelete         byte = 0xD5
	IDCfgDeleteLessUsed byte = 0xD6
	IDCfgFreeSpace      byte = 0xD7
	IDCfgGetNb          byte = 0xD8

	IDShutdown byte = 0xE0
)

// DeleteAll is the id that addresses every stored image, font, layout,
// gauge or page.
const DeleteAll byte = 0xFF

// StreamChunkSize bounds the data of each continuation frame of image and
// font uploads.
const StreamChunkSize = 240

// Rotation of drawn text.
type Rotation byte

const (
	RotationBottomRL Rotation = iota
	RotationBottomLR
	RotationLeftBT
	RotationLeftTB
	RotationTopLR
	RotationTopRL
	RotationRightTB
	RotationRightBT
)

// LEDState drives the status LED.
type LEDState byte

const (
	LEDOff LEDState = iota
	LEDOn
	LEDToggle
	LEDBlink
)

// DemoPattern selects a built-in demo or test screen.
type DemoPattern byte

const (
	DemoFill DemoPattern = iota
	DemoCross
	DemoImage
)

// ImgFormat is the encoding of stored or streamed images.
type ImgFormat byte

const (
	ImgMono4bpp ImgFormat = iota
	ImgMono1bpp
	ImgMono4bppHeatshrink
	ImgMono4bppHeatshrinkSaveComp
)

// HoldFlush actions.
const (
	Hold  byte = 0x00
	Flush byte = 0x01
)

// Payload accumulates big-endian command data.
type Payload []byte

func (p Payload) U8(v ...byte) Payload { return append(p, v...) }

func (p Payload) I16(v ...int16) Payload {
	for _, x := range v {
		p = binary.BigEndian.AppendUint16(p, uint16(x))
	}
	return p
}

func (p Payload) U16(v ...uint16) Payload {
	for _, x := range v {
		p = binary.BigEndian.AppendUint16(p, x)
	}
	return p
}

func (p Payload) U32(v ...uint32) Payload {
	for _, x := range v {
		p = binary.BigEndian.AppendUint32(p, x)
	}
	return p
}

func (p Payload) Bool(b bool) Payload {
	if b {
		return append(p, 0x01)
	}
	return append(p, 0x00)
}

// Str appends NUL-terminated strings.
func (p Payload) Str(v ...string) Payload {
	for _, s := range v {
		p = append(p, s...)
		p = append(p, 0x00)
	}
	return p
}

func frame(id byte, data Payload) protocol.Frame {
	return protocol.Frame{Command: id, Data: data}
}

func Power(on bool) protocol.Frame      { return frame(IDPower, Payload{}.Bool(on)) }
func Clear() protocol.Frame             { return frame(IDClear, nil) }
func Grey(level byte) protocol.Frame    { return frame(IDGrey, Payload{clamp15(level)}) }
func Demo(p DemoPattern) protocol.Frame { return frame(IDDemo, Payload{byte(p)}) }
func Test(p DemoPattern) protocol.Frame { return frame(IDTest, Payload{byte(p)}) }
func Battery() protocol.Frame           { return frame(IDBattery, nil) }
func Version() protocol.Frame           { return frame(IDVersion, nil) }
func LED(s LEDState) protocol.Frame     { return frame(IDLED, Payload{byte(s)}) }
func Settings() protocol.Frame          { return frame(IDSettings, nil) }
func Luma(v byte) protocol.Frame        { return frame(IDLuma, Payload{clamp15(v)}) }
func Sensor(on bool) protocol.Frame     { return frame(IDSensor, Payload{}.Bool(on)) }
func Gesture(on bool) protocol.Frame    { return frame(IDGesture, Payload{}.Bool(on)) }
func ALS(on bool) protocol.Frame        { return frame(IDALS, Payload{}.Bool(on)) }
func Color(v byte) protocol.Frame       { return frame(IDColor, Payload{clamp15(v)}) }

func Shift(x, y int16) protocol.Frame { return frame(IDShift, Payload{}.I16(x, y)) }
func Point(x, y int16) protocol.Frame { return frame(IDPoint, Payload{}.I16(x, y)) }

func Line(x1, y1, x2, y2 int16) protocol.Frame {
	return frame(IDLine, Payload{}.I16(x1, y1, x2, y2))
}

func Rect(x1, y1, x2, y2 int16) protocol.Frame {
	return frame(IDRect, Payload{}.I16(x1, y1, x2, y2))
}

func RectFilled(x1, y1, x2, y2 int16) protocol.Frame {
	return frame(IDRectFilled, Payload{}.I16(x1, y1, x2, y2))
}

func Circle(x, y int16, r byte) protocol.Frame {
	return frame(IDCircle, Payload{}.I16(x, y).U8(r))
}

func CircleFilled(x, y int16, r byte) protocol.Frame {
	return frame(IDCircleFilled, Payload{}.I16(x, y).U8(r))
}

// Text draws s at (x, y) with the given rotation, font and color.
func Text(x, y int16, rot Rotation, font, color byte, s string) protocol.Frame {
	return frame(IDText, Payload{}.I16(x, y).U8(byte(rot), font, color).Str(s))
}

// Polyline draws connected segments. points holds x, y pairs.
func Polyline(thickness byte, points []int16) protocol.Frame {
	return frame(IDPolyline, Payload{}.U8(thickness, 0, 0).I16(points...))
}

func HoldFlush(action byte) protocol.Frame { return frame(IDHoldFlush, Payload{action}) }

func ImgList() protocol.Frame          { return frame(IDImgList, nil) }
func ImgDelete(id byte) protocol.Frame { return frame(IDImgDelete, Payload{id}) }

func ImgDisplay(id byte, x, y int16) protocol.Frame {
	return frame(IDImgDisplay, Payload{id}.I16(x, y))
}

// ImgSave uploads an image: a header frame announcing the size, width and
// format, then the encoded bytes in StreamChunkSize continuation frames.
func ImgSave(id byte, width uint16, data []byte, format ImgFormat) []protocol.Frame {
	frames := []protocol.Frame{
		frame(IDImgSave, Payload{id}.U32(uint32(len(data))).U16(width).U8(byte(format))),
	}
	for _, chunk := range protocol.Split(data, StreamChunkSize) {
		frames = append(frames, frame(IDImgSave, Payload(chunk)))
	}
	return frames
}

// ImgSave1bpp uploads a 1bpp image given as encoded lines. Lines are packed
// into continuation frames without splitting a line.
func ImgSave1bpp(id byte, width uint16, size uint32, lines [][]byte) []protocol.Frame {
	frames := []protocol.Frame{
		frame(IDImgSave, Payload{id}.U32(size).U16(width).U8(byte(ImgMono1bpp))),
	}
	return append(frames, packLines(IDImgSave, lines)...)
}

// ImgStream1bpp displays a 1bpp image at (x, y) without storing it.
func ImgStream1bpp(x, y int16, width uint16, size uint32, lines [][]byte) []protocol.Frame {
	frames := []protocol.Frame{
		frame(IDImgStream, Payload{}.U32(size).U16(width).I16(x, y).U8(byte(ImgMono1bpp))),
	}
	return append(frames, packLines(IDImgStream, lines)...)
}

func packLines(id byte, lines [][]byte) []protocol.Frame {
	var frames []protocol.Frame
	var chunk []byte
	for _, line := range lines {
		if len(chunk)+len(line) <= StreamChunkSize {
			chunk = append(chunk, line...)
			continue
		}
		if len(chunk) > 0 {
			frames = append(frames, frame(id, Payload(chunk)))
		}
		chunk = append([]byte(nil), line...)
	}
	if len(chunk) > 0 {
		frames = append(frames, frame(id, Payload(chunk)))
	}
	return frames
}

func FontList() protocol.Frame          { return frame(IDFontList, nil) }
func FontSelect(id byte) protocol.Frame { return frame(IDFontSelect, Payload{id}) }
func FontDelete(id byte) protocol.Frame { return frame(IDFontDelete, Payload{id}) }

// FontSave uploads a font: a header frame then StreamChunkSize continuation
// frames.
func FontSave(id byte, data []byte) []protocol.Frame {
	frames := []protocol.Frame{frame(IDFontSave, Payload{id}.U16(uint16(len(data))))}
	for _, chunk := range protocol.Split(data, StreamChunkSize) {
		frames = append(frames, frame(IDFontSave, Payload(chunk)))
	}
	return frames
}

// Layout describes a stored text layout.
type Layout struct {
	ID          byte
	X           uint16
	Y           byte
	Width       uint16
	Height      byte
	Foreground  byte
	Background  byte
	Font        byte
	TextValid   bool
	TextX       uint16
	TextY       byte
	Rotation    Rotation
	TextOpacity bool
	SubCommands []byte
}

func (l Layout) bytes() Payload {
	return Payload{}.
		U8(l.ID, byte(len(l.SubCommands))).
		U16(l.X).U8(l.Y).
		U16(l.Width).U8(l.Height).
		U8(l.Foreground, l.Background, l.Font).
		Bool(l.TextValid).
		U16(l.TextX).U8(l.TextY).
		U8(byte(l.Rotation)).
		Bool(l.TextOpacity).
		U8(l.SubCommands...)
}

func LayoutSave(l Layout) protocol.Frame  { return frame(IDLayoutSave, l.bytes()) }
func LayoutDelete(id byte) protocol.Frame { return frame(IDLayoutDelete, Payload{id}) }
func LayoutClear(id byte) protocol.Frame  { return frame(IDLayoutClear, Payload{id}) }
func LayoutList() protocol.Frame          { return frame(IDLayoutList, nil) }
func LayoutGet(id byte) protocol.Frame    { return frame(IDLayoutGet, Payload{id}) }

func LayoutDisplay(id byte, text string) protocol.Frame {
	return frame(IDLayoutDisplay, Payload{id}.Str(text))
}

func LayoutPosition(id byte, x uint16, y byte) protocol.Frame {
	return frame(IDLayoutPosition, Payload{id}.U16(x).U8(y))
}

func LayoutDisplayExtended(id byte, x uint16, y byte, text string) protocol.Frame {
	return frame(IDLayoutDisplayExtended, Payload{id}.U16(x).U8(y).Str(text))
}

func LayoutClearExtended(id byte, x uint16, y byte) protocol.Frame {
	return frame(IDLayoutClearExtended, Payload{id}.U16(x).U8(y))
}

func LayoutClearAndDisplay(id byte, text string) protocol.Frame {
	return frame(IDLayoutClearAndDisplay, Payload{id}.Str(text))
}

func LayoutClearAndDisplayExtended(id byte, x uint16, y byte, text string) protocol.Frame {
	return frame(IDLayoutClearAndDisplayExtended, Payload{id}.U16(x).U8(y).Str(text))
}

// Gauge describes a stored circular gauge.
type Gauge struct {
	X, Y       int16
	R, RIn     uint16
	Start, End byte
	Clockwise  bool
}

func GaugeDisplay(id, value byte) protocol.Frame { return frame(IDGaugeDisplay, Payload{id, value}) }
func GaugeDelete(id byte) protocol.Frame         { return frame(IDGaugeDelete, Payload{id}) }
func GaugeList() protocol.Frame                  { return frame(IDGaugeList, nil) }
func GaugeGet(id byte) protocol.Frame            { return frame(IDGaugeGet, Payload{id}) }

func GaugeSave(id byte, g Gauge) protocol.Frame {
	return frame(IDGaugeSave, Payload{id}.I16(g.X, g.Y).U16(g.R, g.RIn).U8(g.Start, g.End).Bool(g.Clockwise))
}

// PageSave stores a page definition given as its raw payload.
func PageSave(payload []byte) protocol.Frame { return frame(IDPageSave, Payload(payload)) }
func PageGet(id byte) protocol.Frame         { return frame(IDPageGet, Payload{id}) }
func PageDelete(id byte) protocol.Frame      { return frame(IDPageDelete, Payload{id}) }
func PageClear(id byte) protocol.Frame       { return frame(IDPageClear, Payload{id}) }
func PageList() protocol.Frame               { return frame(IDPageList, nil) }

func PageDisplay(id byte, texts ...string) protocol.Frame {
	return frame(IDPageDisplay, Payload{id}.Str(texts...))
}

func PageClearAndDisplay(id byte, texts ...string) protocol.Frame {
	return frame(IDPageClearAndDisplay, Payload{id}.Str(texts...))
}

func PixelCount() protocol.Frame         { return frame(IDPixelCount, nil) }
func ChargingCounter() protocol.Frame    { return frame(IDChargingCounter, nil) }
func ChargingTime() protocol.Frame       { return frame(IDChargingTime, nil) }
func ResetChargingParam() protocol.Frame { return frame(IDResetChargingParam, nil) }

func CfgWrite(name string, version, password uint32) protocol.Frame {
	return frame(IDCfgWrite, Payload{}.Str(name).U32(version, password))
}

func CfgRead(name string) protocol.Frame   { return frame(IDCfgRead, Payload{}.Str(name)) }
func CfgSet(name string) protocol.Frame    { return frame(IDCfgSet, Payload{}.Str(name)) }
func CfgList() protocol.Frame              { return frame(IDCfgList, nil) }
func CfgDelete(name string) protocol.Frame { return frame(IDCfgDelete, Payload{}.Str(name)) }
func CfgDeleteLessUsed() protocol.Frame    { return frame(IDCfgDeleteLessUsed, nil) }
func CfgFreeSpace() protocol.Frame         { return frame(IDCfgFreeSpace, nil) }
func CfgGetNb() protocol.Frame             { return frame(IDCfgGetNb, nil) }

func CfgRename(oldName, newName string, password uint32) protocol.Frame {
	return frame(IDCfgRename, Payload{}.Str(oldName, newName).U32(password))
}

// Shutdown powers the glasses off. The fixed key guards against accidental
// shutdowns.
func Shutdown() protocol.Frame {
	return frame(IDShutdown, Payload{0x6F, 0x7F, 0xC4, 0xEE})
}

func clamp15(v byte) byte {
	if v > 15 {
		return 15
	}
	return v
}
