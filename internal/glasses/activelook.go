package glasses

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/glassbridge/internal/ble"
	"github.com/chaz8081/glassbridge/internal/ble/protocol"
	"github.com/chaz8081/glassbridge/internal/ble/protocol/activelook"
	"github.com/chaz8081/glassbridge/internal/events"
	"github.com/chaz8081/glassbridge/internal/update"
)

// ActiveLook GATT layout.
const (
	alService  = "0783b03e-8535-b5a0-7140-a304d2495cb7"
	alTX       = "0783b03e-8535-b5a0-7140-a304d2495cb8"
	alRX       = "0783b03e-8535-b5a0-7140-a304d2495cba"
	alFlow     = "0783b03e-8535-b5a0-7140-a304d2495cb9"
	alSensor   = "0783b03e-8535-b5a0-7140-a304d2495cbb"
	alUI       = "0783b03e-8535-b5a0-7140-a304d2495cbc"
	alBattSvc  = "0000180f-0000-1000-8000-00805f9b34fb"
	alBattery  = "00002a19-0000-1000-8000-00805f9b34fb"
	alInfoSvc  = "0000180a-0000-1000-8000-00805f9b34fb"
	alMaker    = "00002a29-0000-1000-8000-00805f9b34fb"
	alModel    = "00002a24-0000-1000-8000-00805f9b34fb"
	alSerial   = "00002a25-0000-1000-8000-00805f9b34fb"
	alHardware = "00002a27-0000-1000-8000-00805f9b34fb"
	alFirmware = "00002a26-0000-1000-8000-00805f9b34fb"
	alSoftware = "00002a28-0000-1000-8000-00805f9b34fb"
)

// Flow control values.
const (
	flowResume          byte = 0x01
	flowPause           byte = 0x02
	flowCmdError        byte = 0x03
	flowOverflow        byte = 0x04
	flowMissingConfigID byte = 0x06
)

// Display geometry. The origin is the bottom-right corner of the screen,
// so text drawn top-left to right starts at high coordinates.
const (
	alWidth      = 304
	alHeight     = 256
	alMargin     = 10
	alCharWidth  = 14
	alLineHeight = 40
	alFont       = 2
	alColor      = 15
	alColumnGap  = 12
)

// DeviceInfo is what single-arm glasses report about themselves.
type DeviceInfo struct {
	Manufacturer string
	Model        string
	Serial       string
	Hardware     string
	Firmware     string
	Software     string
}

type alDriver struct {
	opts Options
	link *ble.Link
	corr *protocol.Correlator
	bat  *battery

	mu    sync.Mutex
	sess  *session
	info  DeviceInfo
	known bool
	reasm protocol.Reassembler
}

func newActiveLookDriver(opts Options) *alDriver {
	return &alDriver{
		opts: opts,
		corr: protocol.NewCorrelator(),
		bat:  newBattery(),
	}
}

func (d *alDriver) capabilities() Capability { return GraphicsCapable }

func (d *alDriver) roles() []ble.Role { return []ble.Role{ble.RoleSingle} }

func (d *alDriver) profile(ble.Role) ble.Profile {
	f := ble.ScanFilter{ServiceUUID: alService, Limit: 1}
	if d.opts.NameFilter != "" {
		f.NameContains = []string{d.opts.NameFilter}
	}
	info := func(uuid string) ble.CharRef { return ble.CharRef{Service: alInfoSvc, UUID: uuid, Optional: true} }
	extra := []ble.CharRef{
		info(alMaker), info(alModel), info(alSerial),
		info(alHardware), info(alFirmware), info(alSoftware),
	}
	for _, uuid := range update.Characteristics() {
		extra = append(extra, ble.CharRef{Service: update.ServiceSUOTA, UUID: uuid, Optional: true})
	}
	return ble.Profile{
		Name:        "activelook",
		Filter:      f,
		ScanTimeout: 30 * time.Second,
		Write:       ble.CharRef{Service: alService, UUID: alRX},
		Notify: []ble.CharRef{
			{Service: alService, UUID: alFlow},
			{Service: alService, UUID: alTX},
			{Service: alService, UUID: alUI, Optional: true},
			{Service: alBattSvc, UUID: alBattery, Optional: true},
			{Service: alService, UUID: alSensor, Optional: true},
		},
		Extra: extra,

		MTU:        512,
		MTUStep:    100,
		MTURetries: 5,

		DiscoveryRetries: 3,
		DiscoveryBackoff: 500 * time.Millisecond,
		ConnectTimeout:   10 * time.Second,
		ReconnectBase:    time.Second,
		ReconnectMax:     30 * time.Second,

		Queue: ble.QueueOptions{
			RepairTimeout: time.Second,
			Coalesce:      true,
		},
	}
}

func (d *alDriver) bind(links map[ble.Role]*ble.Link) { d.link = links[ble.RoleSingle] }

func (d *alDriver) ready(l *ble.Link) {
	s := newSession()
	d.mu.Lock()
	d.sess = s
	d.reasm.Reset()
	d.mu.Unlock()
	go d.setup(s)
}

func (d *alDriver) down(_ *ble.Link, err error) {
	d.mu.Lock()
	s := d.sess
	d.sess = nil
	d.known = false
	d.reasm.Reset()
	d.mu.Unlock()

	if s != nil {
		s.end()
	}
	d.corr.FailAll(ble.ErrCancelled)
	d.bat.reset()
	slog.Info("[ACTIVELOOK] link down", "error", err)
}

func (d *alDriver) close() {
	d.mu.Lock()
	s := d.sess
	d.sess = nil
	d.mu.Unlock()
	if s != nil {
		s.end()
	}
	d.corr.FailAll(ble.ErrCancelled)
}

func (d *alDriver) setup(s *session) {
	if s.claim(stepDeviceInfo) {
		info := d.readDeviceInfo()
		d.mu.Lock()
		d.info, d.known = info, true
		d.mu.Unlock()
		slog.Info("[ACTIVELOOK] device info",
			"manufacturer", info.Manufacturer, "model", info.Model,
			"hardware", info.Hardware, "firmware", info.Firmware, "serial", info.Serial)
	}
	if s.claim(stepBattery) {
		d.readBattery()
	}

	steps := []struct {
		step setupStep
		name string
		run  func(ctx context.Context) error
	}{
		{stepBrightness, "brightness", func(ctx context.Context) error {
			return d.setBrightness(ctx, d.opts.Brightness, d.opts.AutoBrightness)
		}},
		{stepSensor, "gesture sensor", func(ctx context.Context) error { return d.Send(ctx, nil, activelook.Gesture(true)) }},
		{stepHome, "clear", d.clear},
	}
	for _, st := range steps {
		if !s.claim(st.step) {
			continue
		}
		if err := st.run(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			slog.Warn("[ACTIVELOOK] setup step failed", "step", st.name, "error", err)
		}
	}
	slog.Info("[ACTIVELOOK] setup complete")
}

// readDeviceInfo reads the device information service one characteristic
// at a time. Missing characteristics read as empty.
func (d *alDriver) readDeviceInfo() DeviceInfo {
	read := func(uuid string) string {
		c, err := d.link.Characteristic(uuid)
		if err != nil {
			return ""
		}
		b, err := c.Read()
		if err != nil {
			slog.Debug("[ACTIVELOOK] device info read failed", "uuid", uuid, "error", err)
			return ""
		}
		return strings.TrimRight(string(b), "\x00 ")
	}
	var info DeviceInfo
	info.Manufacturer = read(alMaker)
	info.Model = read(alModel)
	info.Serial = read(alSerial)
	info.Hardware = read(alHardware)
	info.Firmware = read(alFirmware)
	info.Software = read(alSoftware)
	return info
}

func (d *alDriver) readBattery() {
	c, err := d.link.Characteristic(alBattery)
	if err != nil {
		return
	}
	b, err := c.Read()
	if err != nil || len(b) == 0 {
		slog.Debug("[ACTIVELOOK] battery read failed", "error", err)
		return
	}
	d.setBattery(int(b[0]))
}

func (d *alDriver) setBattery(level int) {
	d.bat.set(level)
	d.opts.Sink.OnBatteryLevel(level)
}

// Info returns the device information read on connect.
func (d *alDriver) Info() (DeviceInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info, d.known
}

func (d *alDriver) notify(l *ble.Link, uuid string, data []byte) {
	switch uuid {
	case alFlow:
		d.onFlowControl(l, data)
	case alTX:
		d.mu.Lock()
		frames, _ := d.reasm.Feed(data)
		d.mu.Unlock()
		for _, f := range frames {
			if !d.corr.Resolve(f) {
				slog.Debug("[ACTIVELOOK] unsolicited response", "command", f.Command, "len", len(f.Data))
			}
		}
	case alBattery:
		if len(data) > 0 {
			d.setBattery(int(data[0]))
		}
	case alSensor:
		d.opts.Sink.OnGesture(events.GestureSwipe)
	case alUI:
		slog.Debug("[ACTIVELOOK] ui event", "data", data)
	}
}

func (d *alDriver) onFlowControl(l *ble.Link, data []byte) {
	if len(data) == 0 {
		return
	}
	switch data[0] {
	case flowResume:
		l.Queue().Resume()
	case flowPause:
		l.Queue().Pause()
	case flowCmdError:
		slog.Warn("[ACTIVELOOK] device rejected a command")
	case flowOverflow:
		slog.Warn("[ACTIVELOOK] device receive buffer overflow")
	case flowMissingConfigID:
		slog.Warn("[ACTIVELOOK] command references a missing configuration")
	default:
		slog.Debug("[ACTIVELOOK] reserved flow control value", "value", data[0])
	}
}

func (d *alDriver) enqueue(lease *ble.Lease) (func(*ble.Command) error, error) {
	if lease != nil {
		return lease.Enqueue, nil
	}
	if d.link == nil || d.link.State() != ble.StateReady {
		return nil, ble.ErrNotReady
	}
	return d.link.Queue().Enqueue, nil
}

// Send writes one frame without waiting for a response. With a lease the
// frame bypasses the lease check of the queue.
func (d *alDriver) Send(ctx context.Context, lease *ble.Lease, f protocol.Frame) error {
	enqueue, err := d.enqueue(lease)
	if err != nil {
		return err
	}
	f.QueryID = d.corr.Next()
	b, err := f.Encode()
	if err != nil {
		return err
	}
	return await(ctx, enqueue, &ble.Command{Fragments: [][]byte{b}})
}

// sendAll writes frames in order as one command so nothing interleaves.
func (d *alDriver) sendAll(ctx context.Context, frames ...protocol.Frame) error {
	enqueue, err := d.enqueue(nil)
	if err != nil {
		return err
	}
	frags := make([][]byte, 0, len(frames))
	for _, f := range frames {
		f.QueryID = d.corr.Next()
		b, err := f.Encode()
		if err != nil {
			return err
		}
		frags = append(frags, b)
	}
	return await(ctx, enqueue, &ble.Command{Fragments: frags})
}

// Request writes f and waits for the response carrying its query id.
func (d *alDriver) Request(ctx context.Context, lease *ble.Lease, f protocol.Frame) ([]byte, error) {
	enqueue, err := d.enqueue(lease)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	resp := make(chan result, 1)
	f.QueryID = d.corr.Register(func(data []byte, err error) {
		resp <- result{data, err}
	})
	b, err := f.Encode()
	if err != nil {
		d.corr.Cancel(f.QueryID, err)
		return nil, err
	}
	if err := await(ctx, enqueue, &ble.Command{Fragments: [][]byte{b}}); err != nil {
		d.corr.Cancel(f.QueryID, err)
		return nil, err
	}
	select {
	case r := <-resp:
		return r.data, r.err
	case <-ctx.Done():
		d.corr.Cancel(f.QueryID, ctx.Err())
		return nil, fmt.Errorf("activelook: command 0x%02x: %w", f.Command, ctx.Err())
	}
}

// WriteRaw writes pre-encoded command bytes, reporting progress per
// fragment.
func (d *alDriver) WriteRaw(ctx context.Context, lease *ble.Lease, data []byte, progress func(done, total int)) error {
	enqueue, err := d.enqueue(lease)
	if err != nil {
		return err
	}
	return await(ctx, enqueue, &ble.Command{Fragments: [][]byte{data}, OnProgress: progress})
}

// textLines lays text out for one screen of width pixels.
func textLines(text string, width int) []string {
	lines := SplitLines(FixedWidth(alCharWidth), text, width)
	maxLines := (alHeight - 2*alMargin) / alLineHeight
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return lines
}

func textFrames(x int16, lines []string) []protocol.Frame {
	frames := make([]protocol.Frame, 0, len(lines))
	for i, line := range lines {
		if line == "" {
			continue
		}
		y := int16(alHeight - alMargin - i*alLineHeight)
		frames = append(frames, activelook.Text(x, y, activelook.RotationTopLR, alFont, alColor, line))
	}
	return frames
}

// drawn wraps frames in a hold/flush pair so the screen updates once.
func drawn(frames ...protocol.Frame) []protocol.Frame {
	out := []protocol.Frame{activelook.HoldFlush(activelook.Hold), activelook.Clear()}
	out = append(out, frames...)
	return append(out, activelook.HoldFlush(activelook.Flush))
}

func (d *alDriver) sendText(ctx context.Context, text string) error {
	lines := textLines(text, alWidth-2*alMargin)
	return d.sendAll(ctx, drawn(textFrames(alWidth-alMargin, lines)...)...)
}

func (d *alDriver) sendDoubleText(ctx context.Context, left, right string) error {
	column := (alWidth - 2*alMargin - alColumnGap) / 2
	frames := textFrames(alWidth-alMargin, textLines(left, column))
	frames = append(frames, textFrames(int16(alMargin+column), textLines(right, column))...)
	return d.sendAll(ctx, drawn(frames...)...)
}

// sendBitmap streams the image without storing it, centred on screen.
func (d *alDriver) sendBitmap(ctx context.Context, data []byte) error {
	img, err := DecodeImage(data)
	if err != nil {
		return err
	}
	b := img.Bounds()
	if err := fitsCanvas(b, alWidth, alHeight); err != nil {
		return err
	}
	width, size, lines := PackLines1bpp(img)
	x := int16((alWidth + b.Dx()) / 2)
	y := int16((alHeight + b.Dy()) / 2)
	return d.sendAll(ctx, activelook.ImgStream1bpp(x, y, width, size, lines)...)
}

func (d *alDriver) clear(ctx context.Context) error {
	return d.Send(ctx, nil, activelook.Clear())
}

// setBrightness maps the percentage onto luma 0..15, or enables the ambient
// light sensor.
func (d *alDriver) setBrightness(ctx context.Context, percent int, auto bool) error {
	if auto {
		return d.Send(ctx, nil, activelook.ALS(true))
	}
	return d.sendAll(ctx, activelook.ALS(false), activelook.Luma(byte(percent*15/100)))
}

func (d *alDriver) queryBattery(ctx context.Context) (int, error) {
	data, err := d.Request(ctx, nil, activelook.Battery())
	if err != nil {
		return -1, err
	}
	level, err := activelook.ParseBattery(data)
	if err != nil {
		return -1, err
	}
	d.setBattery(level)
	return level, nil
}

func (d *alDriver) setMic(context.Context, bool) error { return ErrUnsupported }

// sendNotification shows the notification as a text page.
func (d *alDriver) sendNotification(ctx context.Context, n Notification) error {
	var parts []string
	for _, s := range []string{n.Title, n.Subtitle, n.Message} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return d.sendText(ctx, strings.Join(parts, "\n"))
}

func (d *alDriver) updateDevice() (update.Device, error) {
	info, ok := d.Info()
	if !ok || d.link == nil || d.link.State() != ble.StateReady {
		return update.Device{}, ble.ErrNotReady
	}
	return update.Device{
		Link:      d.link,
		Info:      update.DeviceInfo{Hardware: info.Hardware, Firmware: info.Firmware, Serial: info.Serial},
		Battery:   d.bat,
		Commander: d,
	}, nil
}
