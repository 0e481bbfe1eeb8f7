// Package glasses drives a pair of smart glasses end to end: it owns the
// links of every arm, runs per-connection setup, routes notifications to an
// events.Sink and exposes the display, audio and firmware-update commands.
package glasses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/glassbridge/internal/ble"
	"github.com/chaz8081/glassbridge/internal/events"
	"github.com/chaz8081/glassbridge/internal/update"
)

// ErrUnsupported is returned for commands the connected variant cannot
// perform.
var ErrUnsupported = errors.New("glasses: unsupported by this variant")

// Variant selects the hardware family.
type Variant string

const (
	// VariantG1 is dual-arm text and audio glasses on a Nordic UART
	// service.
	VariantG1 Variant = "g1"
	// VariantActiveLook is single-arm graphics glasses with firmware
	// updates.
	VariantActiveLook Variant = "activelook"
)

// Capability describes what a variant can do.
type Capability uint8

const (
	// TextOnly displays are limited to laid-out text pages and
	// full-screen monochrome bitmaps.
	TextOnly Capability = 1 << iota
	// GraphicsCapable displays draw and stream images at any position.
	GraphicsCapable
	// AudioCapable glasses stream microphone audio.
	AudioCapable
)

// Has reports whether c includes all of o.
func (c Capability) Has(o Capability) bool { return c&o == o }

func (c Capability) String() string {
	var s string
	for _, b := range []struct {
		c    Capability
		name string
	}{{TextOnly, "text_only"}, {GraphicsCapable, "graphics"}, {AudioCapable, "audio"}} {
		if c.Has(b.c) {
			if s != "" {
				s += "|"
			}
			s += b.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// LinkTiming overrides the variant's link timings. Zero fields keep the
// variant default.
type LinkTiming struct {
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	// Settle holds the first write back after a link becomes ready.
	Settle time.Duration
	// FragmentDelay pauses after every written fragment.
	FragmentDelay time.Duration
}

func (t LinkTiming) apply(p *ble.Profile) {
	if t.ScanTimeout > 0 {
		p.ScanTimeout = t.ScanTimeout
	}
	if t.ConnectTimeout > 0 {
		p.ConnectTimeout = t.ConnectTimeout
	}
	if t.ReconnectBase > 0 {
		p.ReconnectBase = t.ReconnectBase
	}
	if t.ReconnectMax > 0 {
		p.ReconnectMax = t.ReconnectMax
	}
	if t.Settle > 0 {
		p.Queue.Settle = t.Settle
	}
	if t.FragmentDelay > 0 {
		p.Queue.FragmentDelay = t.FragmentDelay
	}
}

// Options configures Glasses.
type Options struct {
	Variant Variant
	Adapter ble.Adapter
	Bonder  ble.Bonder
	Sink    events.Sink
	// Decoder turns microphone blocks into PCM.
	Decoder Decoder

	// NameFilter must appear in the advertised name.
	NameFilter string
	// PairingID restricts dual-arm scans to one physical pair.
	PairingID string
	// OnPaired runs when both arms of a pair are bonded.
	OnPaired func(id ble.PairedIdentity)

	Link LinkTiming
	// AggregateDebounce delays aggregate state events until the state is
	// stable. Zero uses 500ms, negative emits every change.
	AggregateDebounce time.Duration

	HeartbeatDelay    time.Duration
	HeartbeatInterval time.Duration
	MicBeatDelay      time.Duration
	MicBeatInterval   time.Duration
	// RequestTimeout bounds commands waiting for a response.
	RequestTimeout time.Duration

	// Brightness is applied on connect, 0..100.
	Brightness     int
	AutoBrightness bool
	// HeadUpAngle wakes the display at this tilt. Zero leaves the device
	// setting alone.
	HeadUpAngle int
	// MicOnConnect enables the microphone during setup.
	MicOnConnect bool
	// WhitelistApps are the notification sources allowed on the glasses.
	WhitelistApps []WhitelistApp

	Update update.Options
}

// WhitelistApp is one allowed notification source.
type WhitelistApp struct {
	ID   string
	Name string
}

// Notification is a phone-style notification.
type Notification struct {
	ID          int
	AppID       string
	Title       string
	Subtitle    string
	Message     string
	DisplayName string
}

func (o *Options) setDefaults() {
	if o.Sink == nil {
		o.Sink = events.Nop{}
	}
	if o.Decoder == nil {
		o.Decoder = RawDecoder{}
	}
	if o.AggregateDebounce == 0 {
		o.AggregateDebounce = 500 * time.Millisecond
	}
	if o.HeartbeatDelay <= 0 {
		o.HeartbeatDelay = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.MicBeatDelay <= 0 {
		o.MicBeatDelay = 30 * time.Second
	}
	if o.MicBeatInterval <= 0 {
		o.MicBeatInterval = 30 * time.Minute
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.Update.Sink == nil {
		o.Update.Sink = o.Sink
	}
}

// driver is the per-variant half of Glasses.
type driver interface {
	capabilities() Capability
	roles() []ble.Role
	profile(role ble.Role) ble.Profile
	bind(links map[ble.Role]*ble.Link)

	// Link hooks. They must not block.
	ready(l *ble.Link)
	down(l *ble.Link, err error)
	notify(l *ble.Link, uuid string, data []byte)
	close()

	sendText(ctx context.Context, text string) error
	sendDoubleText(ctx context.Context, left, right string) error
	sendBitmap(ctx context.Context, data []byte) error
	clear(ctx context.Context) error
	setBrightness(ctx context.Context, percent int, auto bool) error
	queryBattery(ctx context.Context) (int, error)
	setMic(ctx context.Context, enabled bool) error
	sendNotification(ctx context.Context, n Notification) error
	updateDevice() (update.Device, error)
}

// Glasses is one logical pair of glasses.
type Glasses struct {
	opts  Options
	drv   driver
	links map[ble.Role]*ble.Link
	agg   *ble.Aggregator
	pair  *ble.PairCoordinator

	mu      sync.Mutex
	ctx     context.Context
	stop    context.CancelFunc
	changed chan struct{}
	upd     *update.Session
}

// New builds the glasses for opts.Variant. Links stay idle until Connect.
func New(opts Options) (*Glasses, error) {
	if opts.Adapter == nil {
		return nil, errors.New("glasses: adapter is required")
	}
	opts.setDefaults()

	var drv driver
	switch opts.Variant {
	case VariantG1:
		drv = newG1Driver(opts)
	case VariantActiveLook:
		drv = newActiveLookDriver(opts)
	default:
		return nil, fmt.Errorf("glasses: unknown variant %q", opts.Variant)
	}

	g := &Glasses{
		opts:    opts,
		drv:     drv,
		links:   make(map[ble.Role]*ble.Link),
		changed: make(chan struct{}),
	}
	g.agg = ble.NewAggregator(drv.roles(), opts.AggregateDebounce, func(n int) {
		slog.Info("[GLASSES] aggregate state", "variant", opts.Variant, "state", n)
		opts.Sink.OnAggregateState(n)
	})

	hooks := ble.LinkHooks{
		OnState:  g.onState,
		OnReady:  drv.ready,
		OnDown:   g.onDown,
		OnNotify: drv.notify,
	}
	if len(drv.roles()) > 1 {
		g.pair = ble.NewPairCoordinator(opts.PairingID)
		g.pair.FilterFor = func(role ble.Role, id string) ble.ScanFilter {
			return g1Filter(opts.NameFilter, role, id)
		}
		g.pair.OnPaired = opts.OnPaired
		hooks.OnBonded = g.pair.Bonded
	}

	for _, role := range drv.roles() {
		p := drv.profile(role)
		opts.Link.apply(&p)
		l := ble.NewLink(role, opts.Adapter, opts.Bonder, p, hooks)
		g.links[role] = l
		if g.pair != nil {
			g.pair.Attach(l)
		}
	}
	drv.bind(g.links)
	return g, nil
}

// Connect starts every link. Links keep reconnecting until Disconnect or
// until ctx ends; use WaitReady to block until all arms are ready.
func (g *Glasses) Connect(ctx context.Context) {
	g.mu.Lock()
	if g.ctx == nil {
		g.ctx, g.stop = context.WithCancel(ctx)
	}
	ctx = g.ctx
	g.mu.Unlock()

	slog.Info("[GLASSES] connecting", "variant", g.opts.Variant, "roles", len(g.links))
	for _, role := range g.drv.roles() {
		g.links[role].Start(ctx)
	}
}

// Disconnect stops every link and any running update.
func (g *Glasses) Disconnect() {
	g.CancelUpdate()
	for _, role := range g.drv.roles() {
		g.links[role].Stop()
	}
	g.drv.close()
	g.agg.Stop()

	g.mu.Lock()
	stop := g.stop
	g.ctx, g.stop = nil, nil
	g.mu.Unlock()
	if stop != nil {
		stop()
	}
	slog.Info("[GLASSES] disconnected", "variant", g.opts.Variant)
}

// WaitReady blocks until every arm is ready.
func (g *Glasses) WaitReady(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.changed
		g.mu.Unlock()
		if g.agg.Value() == ble.AggregateReady {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Glasses) onState(role ble.Role, s ble.State, err error) {
	g.opts.Sink.OnConnectionStateChanged(role, s)
	g.agg.Update(role, s)

	g.mu.Lock()
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()
}

func (g *Glasses) onDown(l *ble.Link, err error) {
	g.drv.down(l, err)
	g.mu.Lock()
	upd := g.upd
	g.mu.Unlock()
	if upd == nil {
		return
	}
	select {
	case <-upd.Done():
	default:
		slog.Warn("[GLASSES] link lost during update", "role", l.Role(), "session", upd.ID(), "error", err)
		upd.Cancel()
	}
}

func (g *Glasses) Variant() Variant { return g.opts.Variant }

func (g *Glasses) Capabilities() Capability { return g.drv.capabilities() }

// Aggregate returns the undebounced aggregate state: ble.AggregateNone,
// AggregatePartial or AggregateReady.
func (g *Glasses) Aggregate() int { return g.agg.Value() }

// Link returns the link serving role, or nil.
func (g *Glasses) Link(role ble.Role) *ble.Link { return g.links[role] }

// Roles returns the roles of this variant.
func (g *Glasses) Roles() []ble.Role { return g.drv.roles() }

// SendTextPage shows text as one page.
func (g *Glasses) SendTextPage(ctx context.Context, text string) error {
	return g.drv.sendText(ctx, text)
}

// SendDoubleTextPage shows two texts in side-by-side columns.
func (g *Glasses) SendDoubleTextPage(ctx context.Context, left, right string) error {
	return g.drv.sendDoubleText(ctx, left, right)
}

// SendBitmap shows an image given as a PNG or BMP file.
func (g *Glasses) SendBitmap(ctx context.Context, data []byte) error {
	return g.drv.sendBitmap(ctx, data)
}

func (g *Glasses) Clear(ctx context.Context) error { return g.drv.clear(ctx) }

// SetBrightness sets the display brightness as a percentage, or hands it to
// the ambient light sensor when auto is set.
func (g *Glasses) SetBrightness(ctx context.Context, percent int, auto bool) error {
	return g.drv.setBrightness(ctx, max(0, min(percent, 100)), auto)
}

// QueryBattery asks the glasses for their battery level and waits for the
// answer.
func (g *Glasses) QueryBattery(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.RequestTimeout)
	defer cancel()
	return g.drv.queryBattery(ctx)
}

func (g *Glasses) SetMicEnabled(ctx context.Context, enabled bool) error {
	if !g.Capabilities().Has(AudioCapable) {
		return ErrUnsupported
	}
	return g.drv.setMic(ctx, enabled)
}

func (g *Glasses) SendNotification(ctx context.Context, n Notification) error {
	return g.drv.sendNotification(ctx, n)
}

// StartUpdate starts a firmware update in the background and returns its
// session id. Progress is reported to the sink.
func (g *Glasses) StartUpdate(ctx context.Context) (string, error) {
	dev, err := g.drv.updateDevice()
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	if g.upd != nil {
		select {
		case <-g.upd.Done():
		default:
			g.mu.Unlock()
			return "", update.ErrUpdateInProgress
		}
	}
	s := update.NewSession(dev, g.opts.Update)
	g.upd = s
	runCtx := g.ctx
	g.mu.Unlock()

	if runCtx == nil {
		runCtx = context.WithoutCancel(ctx)
	}
	go func() {
		if err := s.Run(runCtx); err != nil {
			slog.Warn("[GLASSES] update finished with error", "session", s.ID(), "error", err)
		}
	}()
	return s.ID(), nil
}

// CancelUpdate aborts the running update, if any.
func (g *Glasses) CancelUpdate() {
	g.mu.Lock()
	s := g.upd
	g.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}

// Update returns the most recent update session, or nil.
func (g *Glasses) Update() *update.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.upd
}

// UpdateProgress returns the last progress report of the most recent
// update session.
func (g *Glasses) UpdateProgress() (events.UpdateProgress, bool) {
	s := g.Update()
	if s == nil {
		return events.UpdateProgress{}, false
	}
	return s.Progress(), true
}

// DeviceInfo returns the device information of single-arm glasses once it
// has been read.
func (g *Glasses) DeviceInfo() (DeviceInfo, bool) {
	al, ok := g.drv.(*alDriver)
	if !ok {
		return DeviceInfo{}, false
	}
	return al.Info()
}
