package activelook

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortResponse is returned when a response carries fewer bytes than its
// layout requires.
var ErrShortResponse = errors.New("activelook: short response")

// reader walks a big-endian response payload.
type reader struct {
	buf []byte
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrShortResponse, n, len(r.buf))
		return false
	}
	return true
}

func (r *reader) u8() byte {
	if !r.need(1) {
		return 0
	}
	v := r.buf[0]
	r.buf = r.buf[1:]
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf)
	r.buf = r.buf[2:]
	return v
}

func (r *reader) i16() int16 { return int16(r.u16()) }

func (r *reader) u24() uint32 {
	if !r.need(3) {
		return 0
	}
	v := uint32(r.buf[0])<<16 | uint32(r.buf[1])<<8 | uint32(r.buf[2])
	r.buf = r.buf[3:]
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v
}

func (r *reader) boolean() bool { return r.u8() != 0 }

func (r *reader) str() string {
	if r.err != nil {
		return ""
	}
	i := bytes.IndexByte(r.buf, 0x00)
	if i < 0 {
		r.err = fmt.Errorf("%w: unterminated string", ErrShortResponse)
		return ""
	}
	s := string(r.buf[:i])
	r.buf = r.buf[i+1:]
	return s
}

func (r *reader) more() bool { return r.err == nil && len(r.buf) > 0 }

// ParseBattery decodes the battery response into a 0..100 percentage.
func ParseBattery(data []byte) (int, error) {
	r := reader{buf: data}
	v := r.u8()
	return int(v), r.err
}

// DeviceVersion is the firmware and manufacturing information reported by
// the version command.
type DeviceVersion struct {
	Major, Minor, Patch byte
	Extra               byte
	Year, Week          byte
	Serial              uint32
}

func (v DeviceVersion) String() string {
	return fmt.Sprintf("%d.%d.%d%c", v.Major, v.Minor, v.Patch, v.Extra)
}

func ParseVersion(data []byte) (DeviceVersion, error) {
	r := reader{buf: data}
	v := DeviceVersion{
		Major:  r.u8(),
		Minor:  r.u8(),
		Patch:  r.u8(),
		Extra:  r.u8(),
		Year:   r.u8(),
		Week:   r.u8(),
		Serial: r.u24(),
	}
	return v, r.err
}

// DeviceSettings is the settings command response.
type DeviceSettings struct {
	ShiftX, ShiftY int8
	Luma           byte
	ALSEnabled     bool
	GestureEnabled bool
}

func ParseSettings(data []byte) (DeviceSettings, error) {
	r := reader{buf: data}
	s := DeviceSettings{
		ShiftX:         int8(r.u8()),
		ShiftY:         int8(r.u8()),
		Luma:           r.u8(),
		ALSEnabled:     r.boolean(),
		GestureEnabled: r.boolean(),
	}
	return s, r.err
}

// ImageInfo describes one stored image.
type ImageInfo struct {
	ID            byte
	Width, Height uint16
}

func ParseImageList(data []byte) ([]ImageInfo, error) {
	r := reader{buf: data}
	var out []ImageInfo
	for r.more() {
		info := ImageInfo{ID: r.u8(), Width: r.u16(), Height: r.u16()}
		if r.err == nil {
			out = append(out, info)
		}
	}
	return out, r.err
}

// FontInfo describes one stored font.
type FontInfo struct {
	ID     byte
	Height byte
}

func ParseFontList(data []byte) ([]FontInfo, error) {
	r := reader{buf: data}
	var out []FontInfo
	for r.more() {
		info := FontInfo{ID: r.u8(), Height: r.u8()}
		if r.err == nil {
			out = append(out, info)
		}
	}
	return out, r.err
}

// ParseIDList decodes the layout, gauge and page list responses.
func ParseIDList(data []byte) []byte {
	return append([]byte(nil), data...)
}

func ParseGauge(data []byte) (Gauge, error) {
	r := reader{buf: data}
	g := Gauge{
		X:         r.i16(),
		Y:         r.i16(),
		R:         r.u16(),
		RIn:       r.u16(),
		Start:     r.u8(),
		End:       r.u8(),
		Clockwise: r.boolean(),
	}
	return g, r.err
}

// ConfigInfo is the cfgRead response.
type ConfigInfo struct {
	Version  uint32
	NbImg    byte
	NbLayout byte
	NbFont   byte
	NbPage   byte
	NbGauge  byte
}

func ParseConfigInfo(data []byte) (ConfigInfo, error) {
	r := reader{buf: data}
	c := ConfigInfo{
		Version:  r.u32(),
		NbImg:    r.u8(),
		NbLayout: r.u8(),
		NbFont:   r.u8(),
		NbPage:   r.u8(),
		NbGauge:  r.u8(),
	}
	return c, r.err
}

// ConfigDescription is one entry of the cfgList response.
type ConfigDescription struct {
	Name       string
	Size       uint32
	Version    uint32
	UsgCnt     byte
	InstallCnt byte
	IsSystem   bool
}

func ParseConfigList(data []byte) ([]ConfigDescription, error) {
	r := reader{buf: data}
	var out []ConfigDescription
	for r.more() {
		d := ConfigDescription{
			Name:       r.str(),
			Size:       r.u32(),
			Version:    r.u32(),
			UsgCnt:     r.u8(),
			InstallCnt: r.u8(),
			IsSystem:   r.boolean(),
		}
		if r.err == nil {
			out = append(out, d)
		}
	}
	return out, r.err
}

// FreeSpace is the cfgFreeSpace response in bytes.
type FreeSpace struct {
	Total uint32
	Free  uint32
}

func ParseFreeSpace(data []byte) (FreeSpace, error) {
	r := reader{buf: data}
	f := FreeSpace{Total: r.u32(), Free: r.u32()}
	return f, r.err
}

// ParseUint32 decodes the pixel count and charging counters.
func ParseUint32(data []byte) (uint32, error) {
	r := reader{buf: data}
	v := r.u32()
	return v, r.err
}
