package glasses

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/glassbridge/internal/ble"
	"github.com/chaz8081/glassbridge/internal/ble/protocol"
	"github.com/chaz8081/glassbridge/internal/ble/protocol/g1"
	"github.com/chaz8081/glassbridge/internal/events"
	"github.com/chaz8081/glassbridge/internal/update"
)

// Nordic UART service of the dual-arm glasses.
const (
	g1Service = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	g1Write   = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	g1Notify  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// Pauses after commands the arms need time to apply.
const (
	heartbeatWait   = 100 * time.Millisecond
	batteryWait     = 250 * time.Millisecond
	micWait         = 300 * time.Millisecond
	bitmapEndWait   = 100 * time.Millisecond
	batteryEveryNth = 10
)

var bothArms = []ble.Role{ble.RoleLeft, ble.RoleRight}

// ErrImageTooLarge is returned for bitmaps bigger than the display.
var ErrImageTooLarge = errors.New("glasses: image larger than display")

// g1Filter matches one arm, optionally restricted to a pairing id.
func g1Filter(name string, role ble.Role, pairingID string) ble.ScanFilter {
	f := ble.ScanFilter{Limit: 1}
	if name != "" {
		f.NameContains = append(f.NameContains, name)
	}
	if pairingID != "" {
		f.NameContains = append(f.NameContains, "G1_"+pairingID+"_")
	} else {
		f.NameContains = append(f.NameContains, "G1_")
	}
	if role == ble.RoleLeft {
		f.NameContains = append(f.NameContains, "_L_")
	} else {
		f.NameContains = append(f.NameContains, "_R_")
	}
	return f
}

type g1Driver struct {
	opts  Options
	links map[ble.Role]*ble.Link
	bat   *battery

	// dispatch keeps multi-arm commands from interleaving.
	dispatch sync.Mutex

	mu        sync.Mutex
	sess      *session
	up        map[ble.Role]bool
	levels    map[ble.Role]int
	micOn     bool
	textSeq   byte
	notifyID  byte
	beatSeq   byte
	beats     int
	audioSeq  int
	audioGaps int
}

func newG1Driver(opts Options) *g1Driver {
	return &g1Driver{
		opts:     opts,
		bat:      newBattery(),
		up:       make(map[ble.Role]bool),
		levels:   map[ble.Role]int{ble.RoleLeft: -1, ble.RoleRight: -1},
		audioSeq: -1,
	}
}

func (d *g1Driver) capabilities() Capability { return TextOnly | AudioCapable }

func (d *g1Driver) roles() []ble.Role { return bothArms }

func (d *g1Driver) profile(role ble.Role) ble.Profile {
	return ble.Profile{
		Name:        "g1-" + role.String(),
		Filter:      g1Filter(d.opts.NameFilter, role, d.opts.PairingID),
		ScanTimeout: 30 * time.Second,
		Write:       ble.CharRef{Service: g1Service, UUID: g1Write},
		Notify:      []ble.CharRef{{Service: g1Service, UUID: g1Notify}},

		MTU:        251,
		MTUStep:    20,
		MTURetries: 3,

		DiscoveryRetries: 3,
		DiscoveryBackoff: 500 * time.Millisecond,
		ConnectTimeout:   10 * time.Second,
		ReconnectBase:    3 * time.Second,
		ReconnectMax:     60 * time.Second,

		Queue: ble.QueueOptions{
			Settle:        350 * time.Millisecond,
			FragmentDelay: 16 * time.Millisecond,
			RepairTimeout: time.Second,
		},
	}
}

func (d *g1Driver) bind(links map[ble.Role]*ble.Link) { d.links = links }

func (d *g1Driver) ready(l *ble.Link) {
	d.mu.Lock()
	d.up[l.Role()] = true
	start := d.up[ble.RoleLeft] && d.up[ble.RoleRight] && d.sess == nil
	var s *session
	if start {
		s = newSession()
		d.sess = s
	}
	d.mu.Unlock()

	if start {
		slog.Info("[G1] both arms ready, running setup")
		go d.setup(s)
	}
}

func (d *g1Driver) down(l *ble.Link, err error) {
	d.mu.Lock()
	d.up[l.Role()] = false
	d.levels[l.Role()] = -1
	d.audioSeq = -1
	s := d.sess
	d.sess = nil
	d.mu.Unlock()

	d.bat.reset()
	if s != nil {
		s.end()
	}
	slog.Info("[G1] arm down", "role", l.Role(), "error", err)
}

func (d *g1Driver) close() {
	d.mu.Lock()
	s := d.sess
	d.sess = nil
	d.mu.Unlock()
	if s != nil {
		s.end()
	}
}

// setup runs the per-connection setup once both arms are ready.
func (d *g1Driver) setup(s *session) {
	steps := []struct {
		step setupStep
		name string
		run  func(ctx context.Context) error
	}{
		{stepInit, "init", d.init},
		{stepBattery, "battery", d.requestBattery},
		{stepBrightness, "display settings", d.applyDisplaySettings},
		{stepMic, "microphone", func(ctx context.Context) error { return d.setMic(ctx, d.opts.MicOnConnect) }},
		{stepWhitelist, "whitelist", d.sendWhitelist},
	}
	for _, st := range steps {
		if !s.claim(st.step) {
			continue
		}
		if err := st.run(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			slog.Warn("[G1] setup step failed", "step", st.name, "error", err)
		}
	}

	if s.claim(stepHeartbeat) {
		go every(s.ctx, d.opts.HeartbeatDelay, d.opts.HeartbeatInterval, d.heartbeat)
	}
	if s.claim(stepMicBeat) {
		go every(s.ctx, d.opts.MicBeatDelay, d.opts.MicBeatInterval, d.micBeat)
	}
	if s.claim(stepHome) {
		if err := d.sendText(s.ctx, " "); err != nil && s.ctx.Err() == nil {
			slog.Warn("[G1] home screen failed", "error", err)
		}
	}
	slog.Info("[G1] setup complete")
}

// send writes each command to every target in order. A command reaches
// the left arm before the right one.
func (d *g1Driver) send(ctx context.Context, targets []ble.Role, wait time.Duration, cmds ...[][]byte) error {
	d.dispatch.Lock()
	defer d.dispatch.Unlock()

	for _, frags := range cmds {
		for _, role := range targets {
			if err := write(ctx, d.links[role], &ble.Command{Fragments: frags}); err != nil {
				return fmt.Errorf("g1 %s: %w", role, err)
			}
		}
	}
	return sleep(ctx, wait)
}

func (d *g1Driver) sendBoth(ctx context.Context, wait time.Duration, cmds ...[][]byte) error {
	return d.send(ctx, bothArms, wait, cmds...)
}

func single(b []byte) [][]byte { return [][]byte{b} }

func (d *g1Driver) init(ctx context.Context) error {
	for _, cmd := range g1.InitCommands {
		if err := d.sendBoth(ctx, 0, single(cmd)); err != nil {
			return err
		}
	}
	return nil
}

func (d *g1Driver) requestBattery(ctx context.Context) error {
	return d.sendBoth(ctx, batteryWait, single(g1.BatteryQuery()))
}

func (d *g1Driver) applyDisplaySettings(ctx context.Context) error {
	if err := d.setBrightness(ctx, d.opts.Brightness, d.opts.AutoBrightness); err != nil {
		return err
	}
	if d.opts.HeadUpAngle > 0 {
		return d.sendBoth(ctx, 0, single(g1.HeadUpAngle(d.opts.HeadUpAngle)))
	}
	return nil
}

func (d *g1Driver) sendWhitelist(ctx context.Context) error {
	apps := make([]g1.WhitelistApp, 0, len(d.opts.WhitelistApps))
	for _, a := range d.opts.WhitelistApps {
		apps = append(apps, g1.WhitelistApp{ID: a.ID, Name: a.Name})
	}
	chunks, err := g1.NewWhitelist(apps...).Chunks()
	if err != nil {
		return err
	}
	return d.sendBoth(ctx, 0, chunks)
}

func (d *g1Driver) heartbeat(ctx context.Context) {
	d.mu.Lock()
	seq := d.beatSeq
	d.beatSeq++
	d.beats++
	n := d.beats
	unknown := d.levels[ble.RoleLeft] < 0 || d.levels[ble.RoleRight] < 0
	d.mu.Unlock()

	if err := d.sendBoth(ctx, heartbeatWait, single(g1.Heartbeat(seq))); err != nil {
		slog.Warn("[G1] heartbeat failed", "seq", seq, "error", err)
		return
	}
	if unknown || n%batteryEveryNth == 0 {
		if err := d.requestBattery(ctx); err != nil {
			slog.Warn("[G1] battery query failed", "error", err)
		}
	}
}

// micBeat restates the microphone state so the right arm does not time it
// out.
func (d *g1Driver) micBeat(ctx context.Context) {
	d.mu.Lock()
	on := d.micOn
	d.mu.Unlock()
	if err := d.setMic(ctx, on); err != nil {
		slog.Warn("[G1] mic beat failed", "error", err)
	}
}

func (d *g1Driver) notify(l *ble.Link, _ string, data []byte) {
	role := l.Role()
	in := g1.Decode(data)
	switch in.Kind {
	case g1.KindAudio:
		if role != ble.RoleRight {
			return
		}
		d.onAudio(in)
	case g1.KindHeadUp, g1.KindHeadDown:
		if role != ble.RoleRight {
			return
		}
		g := events.GestureHeadUp
		if in.Kind == g1.KindHeadDown {
			g = events.GestureHeadDown
		}
		d.opts.Sink.OnGesture(g)
	case g1.KindBattery:
		d.onBattery(role, in.Battery)
	case g1.KindHeartbeatAck:
		slog.Debug("[G1] heartbeat ack", "role", role)
	case g1.KindTextAck:
		slog.Debug("[G1] text ack", "role", role, "accepted", in.Accepted)
	default:
		slog.Debug("[G1] unhandled notification", "role", role, "len", len(data))
	}
}

func (d *g1Driver) onAudio(in g1.Inbound) {
	d.mu.Lock()
	if d.audioSeq >= 0 && byte(d.audioSeq+1) != in.Seq {
		d.audioGaps++
		slog.Debug("[G1] audio sequence gap", "want", byte(d.audioSeq+1), "got", in.Seq, "gaps", d.audioGaps)
	}
	d.audioSeq = int(in.Seq)
	d.mu.Unlock()

	pcm, err := d.opts.Decoder.Decode(in.Audio)
	if err != nil {
		slog.Warn("[G1] audio block dropped", "seq", in.Seq, "error", err)
		return
	}
	d.opts.Sink.OnAudioFrame(pcm)
}

// onBattery reports the lower arm level once both arms have answered.
func (d *g1Driver) onBattery(role ble.Role, level int) {
	d.mu.Lock()
	d.levels[role] = level
	l, r := d.levels[ble.RoleLeft], d.levels[ble.RoleRight]
	d.mu.Unlock()

	slog.Debug("[G1] battery", "role", role, "level", level)
	if l < 0 || r < 0 {
		return
	}
	lowest := min(l, r)
	d.bat.set(lowest)
	d.opts.Sink.OnBatteryLevel(lowest)
}

func (d *g1Driver) nextTextSeq() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	seq := d.textSeq
	d.textSeq++
	return seq
}

// sendPage shows one laid-out page. Only a single page is ever sent.
func (d *g1Driver) sendPage(ctx context.Context, page string) error {
	frags, err := protocol.TextChunks(d.nextTextSeq(), 0, 1, []byte(page))
	if err != nil {
		return err
	}
	return d.sendBoth(ctx, 0, frags)
}

func (d *g1Driver) sendText(ctx context.Context, text string) error {
	return d.sendPage(ctx, TextWall(DefaultGlyphs, text))
}

func (d *g1Driver) sendDoubleText(ctx context.Context, left, right string) error {
	return d.sendPage(ctx, DoubleColumn(DefaultGlyphs, left, right))
}

// sendBitmap shows a full-screen monochrome image. 1-bit BMP files are sent
// as they are; anything else is decoded and converted.
func (d *g1Driver) sendBitmap(ctx context.Context, data []byte) error {
	bmp := data
	if !isBMP1(data) {
		img, err := DecodeImage(data)
		if err != nil {
			return err
		}
		if err := fitsCanvas(img.Bounds(), BitmapWidth, BitmapHeight); err != nil {
			return err
		}
		bmp = Encode1BitBMP(img)
	}

	if err := d.sendBoth(ctx, 0, protocol.BitmapChunks(bmp)); err != nil {
		return err
	}
	if err := d.sendBoth(ctx, bitmapEndWait, single(protocol.BitmapEnd())); err != nil {
		return err
	}
	return d.sendBoth(ctx, 0, single(protocol.BitmapCRC(bmp)))
}

func fitsCanvas(b image.Rectangle, width, height int) error {
	if b.Dx() > width || b.Dy() > height {
		return fmt.Errorf("%w: %dx%d exceeds %dx%d", ErrImageTooLarge, b.Dx(), b.Dy(), width, height)
	}
	return nil
}

func (d *g1Driver) clear(ctx context.Context) error {
	if err := d.sendBoth(ctx, 0, single(protocol.BitmapExit())); err != nil {
		return err
	}
	return d.sendText(ctx, " ")
}

func (d *g1Driver) setBrightness(ctx context.Context, percent int, auto bool) error {
	return d.sendBoth(ctx, 0, single(g1.Brightness(percent, auto)))
}

// queryBattery asks both arms and waits for the combined level.
func (d *g1Driver) queryBattery(ctx context.Context) (int, error) {
	got := make(chan int, 1)
	stop := d.bat.Watch(func(level int) {
		select {
		case got <- level:
		default:
		}
	})
	defer stop()

	if err := d.requestBattery(ctx); err != nil {
		return -1, err
	}
	select {
	case level := <-got:
		return level, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// setMic toggles the microphone, which only the right arm has.
func (d *g1Driver) setMic(ctx context.Context, enabled bool) error {
	d.mu.Lock()
	d.micOn = enabled
	d.mu.Unlock()
	return d.send(ctx, []ble.Role{ble.RoleRight}, micWait, single(g1.Mic(enabled)))
}

func (d *g1Driver) sendNotification(ctx context.Context, n Notification) error {
	d.mu.Lock()
	id := d.notifyID
	d.notifyID++
	d.mu.Unlock()

	appID := n.AppID
	if appID == "" {
		appID = g1.DefaultWhitelistApp.ID
	}
	chunks, err := g1.Notification{
		MsgID:       n.ID,
		AppID:       appID,
		Title:       n.Title,
		Subtitle:    n.Subtitle,
		Message:     n.Message,
		Time:        time.Now(),
		DisplayName: n.DisplayName,
	}.Chunks(id)
	if err != nil {
		return err
	}
	return d.sendBoth(ctx, 0, chunks)
}

func (d *g1Driver) updateDevice() (update.Device, error) {
	return update.Device{}, ErrUnsupported
}
