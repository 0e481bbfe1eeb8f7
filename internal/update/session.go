package update

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/glassbridge/internal/ble"
	"github.com/chaz8081/glassbridge/internal/ble/protocol"
	"github.com/chaz8081/glassbridge/internal/ble/protocol/activelook"
	"github.com/chaz8081/glassbridge/internal/events"
)

// State is the phase of an update session.
type State int

const (
	StateIdle State = iota
	StateCheckingVersion
	StateDownloading
	StateTransferring
	StateAwaitingAck
	StateRebooting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckingVersion:
		return "checking_version"
	case StateDownloading:
		return "downloading"
	case StateTransferring:
		return "transferring"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateRebooting:
		return "rebooting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Link is the connection an update runs over. *ble.Link satisfies it.
type Link interface {
	Characteristic(uuid string) (ble.Characteristic, error)
	Queue() *ble.Queue
}

// DeviceInfo identifies the device being updated.
type DeviceInfo struct {
	Hardware string
	Firmware string
	Serial   string
}

// Battery reports the device battery level.
type Battery interface {
	// Level returns the last known level, or -1 when unknown.
	Level() int
	// Watch calls fn on every reported level until stop is called.
	Watch(fn func(level int)) (stop func())
}

// Commander sends framed commands to the device while the session holds
// the queue lease.
type Commander interface {
	Send(ctx context.Context, lease *ble.Lease, f protocol.Frame) error
	Request(ctx context.Context, lease *ble.Lease, f protocol.Frame) ([]byte, error)
	// WriteRaw writes pre-encoded command bytes.
	WriteRaw(ctx context.Context, lease *ble.Lease, data []byte, progress func(done, total int)) error
}

// Device is everything a session needs from the glasses. Commander may be
// nil, in which case configuration updates are skipped.
type Device struct {
	Link      Link
	Info      DeviceInfo
	Battery   Battery
	Commander Commander
}

// Options configures a Session.
type Options struct {
	Catalogue *Catalogue
	// Cache stores downloads on disk. Nil downloads into memory.
	Cache *Cache
	Sink  events.Sink

	// MinBattery is the lowest battery level an update starts at.
	MinBattery int
	// BatteryWait is how long a session waits for a low battery to
	// recover. Zero fails at once.
	BatteryWait time.Duration
	// AckTimeout bounds every wait for a SUOTA status notification.
	AckTimeout    time.Duration
	Compatibility int
	// ConfigName is the configuration slot refreshed by configuration
	// updates.
	ConfigName string
}

func (o *Options) setDefaults() {
	if o.Catalogue == nil {
		o.Catalogue = NewCatalogue("", "")
	}
	if o.Sink == nil {
		o.Sink = events.Nop{}
	}
	if o.MinBattery <= 0 {
		o.MinBattery = 10
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.Compatibility <= 0 {
		o.Compatibility = Compatibility
	}
	if o.ConfigName == "" {
		o.ConfigName = "ALooK"
	}
}

// Session is one update attempt. Run it once; Cancel aborts it from any
// goroutine.
type Session struct {
	id   string
	dev  Device
	opts Options

	started atomic.Bool
	done    chan struct{}

	mu         sync.Mutex
	state      State
	err        error
	progress   events.UpdateProgress
	blockIndex int
	chunkIndex int
	blocks     int
	cancel     context.CancelCauseFunc
	cancelled  bool
}

// NewSession prepares an update of dev.
func NewSession(dev Device, opts Options) *Session {
	opts.setDefaults()
	s := &Session{
		id:   uuid.NewString(),
		dev:  dev,
		opts: opts,
		done: make(chan struct{}),
	}
	s.progress = events.UpdateProgress{SessionID: s.id, BatteryLevel: s.batteryLevel()}
	return s
}

func (s *Session) ID() string { return s.id }

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure of a finished session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Progress returns the last reported progress.
func (s *Session) Progress() events.UpdateProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Position returns the block being transferred, the chunk within it and
// the block count.
func (s *Session) Position() (block, chunk, blocks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockIndex, s.chunkIndex, s.blocks
}

// Cancel aborts the session. The session fails with ble.ErrCancelled.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel(ble.ErrCancelled)
	}
}

// Run performs the update and blocks until it finishes. A nil error means
// the device is up to date or was updated.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrUpdateInProgress
	}
	defer close(s.done)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.mu.Lock()
	s.cancel = cancel
	if s.cancelled {
		cancel(ble.ErrCancelled)
	}
	s.mu.Unlock()

	slog.Info("[OTA] update session started", "session", s.id, "hardware", s.dev.Info.Hardware, "firmware", s.dev.Info.Firmware)
	return s.run(ctx)
}

func (s *Session) run(ctx context.Context) error {
	s.enter(StateCheckingVersion)
	s.report(events.UpdateCheckingVersion, 0)

	current, err := ParseVersion(s.dev.Info.Firmware)
	if err != nil {
		return s.fail(ctx, fmt.Errorf("%w: %w", ErrUpdateTransferFailed, err))
	}
	s.setVersions(current.String(), "")
	if err := CheckDevice(current, s.opts.Compatibility); err != nil {
		return s.fail(ctx, err)
	}

	lease, err := s.dev.Link.Queue().Lease()
	if err != nil {
		return s.fail(ctx, fmt.Errorf("%w: %w", ErrUpdateInProgress, err))
	}
	defer lease.Release()

	if err := s.awaitBattery(ctx); err != nil {
		return s.fail(ctx, err)
	}
	if s.dev.Battery != nil {
		stop := s.dev.Battery.Watch(s.onBattery)
		defer stop()
	}

	hw := s.dev.Info.Hardware
	latest, ok, err := s.opts.Catalogue.LatestFirmware(ctx, hw, current)
	if err != nil {
		return s.fail(ctx, err)
	}
	if ok {
		s.setVersions(current.String(), latest.String())
		install, err := Decide(current, latest, s.opts.Compatibility)
		if err != nil {
			return s.fail(ctx, err)
		}
		if install {
			return s.updateFirmware(ctx, lease, latest)
		}
	}
	slog.Info("[OTA] firmware up to date", "session", s.id, "version", current)
	return s.updateConfiguration(ctx, lease, current)
}

func (s *Session) updateFirmware(ctx context.Context, lease *ble.Lease, target Version) error {
	hw := s.dev.Info.Hardware
	s.enter(StateDownloading)
	s.report(events.UpdateDownloadingFirmware, 0)
	data, err := s.fetch(ctx, s.opts.Catalogue.FirmwarePath(hw, target),
		fmt.Sprintf("firmware-%s-%s.bin", hw, target), events.UpdateDownloadingFirmware)
	if err != nil {
		return s.fail(ctx, fmt.Errorf("%w: download firmware: %w", ErrUpdateTransferFailed, err))
	}
	if len(data) == 0 {
		return s.fail(ctx, fmt.Errorf("%w: empty firmware image", ErrUpdateTransferFailed))
	}

	img := NewImage(data)
	slog.Info("[OTA] firmware downloaded", "session", s.id, "version", target, "bytes", len(data), "checksum", img.Checksum())
	s.enter(StateTransferring)
	s.report(events.UpdateUpdatingFirmware, 0)
	if err := s.transfer(ctx, lease, img); err != nil {
		return s.fail(ctx, err)
	}

	s.enter(StateIdle)
	s.report(events.UpdateSucceeded, 100)
	slog.Info("[OTA] firmware update complete", "session", s.id, "version", target)
	return nil
}

// suotaChars are resolved before the transfer starts.
var suotaChars = []string{
	CharMemDev, CharGPIOMap, CharPatchLen, CharPatchData, CharServStatus,
	CharVersion, CharPatchDataSize, CharMTU, CharL2CAPPSM,
}

// Characteristics returns the SUOTA characteristics a transfer needs. The
// link must discover all of them.
func Characteristics() []string { return slices.Clone(suotaChars) }

func (s *Session) transfer(ctx context.Context, lease *ble.Lease, img Image) error {
	chars := make(map[string]ble.Characteristic, len(suotaChars))
	for _, u := range suotaChars {
		c, err := s.dev.Link.Characteristic(u)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUpdateTransferFailed, err)
		}
		chars[u] = c
	}

	version, err := chars[CharVersion].Read()
	if err != nil {
		slog.Warn("[OTA] read SUOTA version", "session", s.id, "error", err)
	}
	patchSize := defaultPatchDataSize
	if d, err := chars[CharPatchDataSize].Read(); err == nil {
		patchSize = readU16(d, defaultPatchDataSize)
	}
	mtu := defaultSUOTAMTU
	if d, err := chars[CharMTU].Read(); err == nil {
		mtu = readU16(d, defaultSUOTAMTU)
	}
	psm, err := chars[CharL2CAPPSM].Read()
	if err != nil {
		slog.Warn("[OTA] read L2CAP PSM", "session", s.id, "error", err)
	}
	slog.Info("[OTA] SUOTA parameters", "session", s.id, "version", version, "patch_size", patchSize, "mtu", mtu, "psm", psm)

	status := make(chan byte, 16)
	statusChar := chars[CharServStatus]
	err = statusChar.Subscribe(func(data []byte) {
		if len(data) == 0 {
			return
		}
		select {
		case status <- data[0]:
		default:
			slog.Warn("[OTA] status notification dropped", "value", data[0])
		}
	})
	if err != nil {
		return fmt.Errorf("%w: enable status notifications: %w", ErrUpdateTransferFailed, err)
	}
	subscribed := true
	defer func() {
		if subscribed {
			statusChar.Unsubscribe()
		}
	}()

	memDev := chars[CharMemDev]
	if err := s.write(ctx, lease, memDev, u32le(memDevSPIFlash), true); err != nil {
		return fmt.Errorf("%w: set memory device: %w", ErrUpdateTransferFailed, err)
	}
	if err := s.awaitStatus(ctx, status, statusImgStarted); err != nil {
		return err
	}
	if err := s.write(ctx, lease, chars[CharGPIOMap], u32le(gpioMap), true); err != nil {
		return fmt.Errorf("%w: set GPIO map: %w", ErrUpdateTransferFailed, err)
	}

	blocks := img.Blocks(BlockSize, min(patchSize, mtu-3))
	s.mu.Lock()
	s.blocks = len(blocks)
	s.mu.Unlock()

	patchLen := 0
	for bi, blk := range blocks {
		if blk.Size != patchLen {
			if err := s.write(ctx, lease, chars[CharPatchLen], u16le(uint16(blk.Size)), true); err != nil {
				return fmt.Errorf("%w: set patch length: %w", ErrUpdateTransferFailed, err)
			}
			patchLen = blk.Size
		}
		s.enter(StateTransferring)
		for ci, chunk := range blk.Chunks {
			if err := s.write(ctx, lease, chars[CharPatchData], chunk, false); err != nil {
				return fmt.Errorf("%w: block %d chunk %d: %w", ErrUpdateTransferFailed, bi, ci, err)
			}
			s.mu.Lock()
			s.blockIndex, s.chunkIndex = bi, ci+1
			s.mu.Unlock()
			pct := 100 * (float64(bi) + float64(ci+1)/float64(len(blk.Chunks))) / float64(len(blocks))
			s.report(events.UpdateUpdatingFirmware, pct)
		}
		s.enter(StateAwaitingAck)
		if err := s.awaitStatus(ctx, status, statusBlockAck); err != nil {
			return err
		}
	}

	s.enter(StateRebooting)
	s.report(events.UpdateRebooting, 100)
	subscribed = false
	if err := statusChar.Unsubscribe(); err != nil {
		return fmt.Errorf("%w: disable status notifications: %w", ErrUpdateTransferFailed, err)
	}
	if err := s.write(ctx, lease, memDev, u32le(memDevEnd), true); err != nil {
		return fmt.Errorf("%w: end of transfer: %w", ErrUpdateTransferFailed, err)
	}
	if err := s.write(ctx, lease, memDev, u32le(memDevReboot), true); err != nil {
		return fmt.Errorf("%w: reboot: %w", ErrUpdateTransferFailed, err)
	}
	return nil
}

func (s *Session) awaitStatus(ctx context.Context, status <-chan byte, want byte) error {
	timer := time.NewTimer(s.opts.AckTimeout)
	defer timer.Stop()
	select {
	case v := <-status:
		if v != want {
			return fmt.Errorf("%w: %w: device status %#02x, want %#02x", ErrUpdateTransferFailed, ErrForbidden, v, want)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no status %#02x within %s", ErrUpdateTransferFailed, want, s.opts.AckTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrUpdateTransferFailed, context.Cause(ctx))
	}
}

// write sends one value through the lease and waits for it to be written.
func (s *Session) write(ctx context.Context, lease *ble.Lease, target ble.Characteristic, data []byte, confirmed bool) error {
	done := make(chan error, 1)
	err := lease.Enqueue(&ble.Command{
		Fragments:  [][]byte{data},
		Target:     target,
		Confirmed:  confirmed,
		Delay:      -1,
		OnComplete: func(err error) { done <- err },
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.dev.Link.Queue().Cancel(ble.ErrCancelled)
		return context.Cause(ctx)
	}
}

func (s *Session) updateConfiguration(ctx context.Context, lease *ble.Lease, fw Version) error {
	cmd := s.dev.Commander
	if cmd == nil {
		s.enter(StateIdle)
		s.report(events.UpdateUpToDate, 100)
		return nil
	}

	name := s.opts.ConfigName
	resp, err := cmd.Request(ctx, lease, activelook.CfgRead(name))
	if err != nil {
		return s.fail(ctx, fmt.Errorf("%w: read configuration: %w", ErrUpdateTransferFailed, err))
	}
	info, err := activelook.ParseConfigInfo(resp)
	if err != nil {
		return s.fail(ctx, fmt.Errorf("%w: read configuration: %w", ErrUpdateTransferFailed, err))
	}

	hw := s.dev.Info.Hardware
	latest, ok, err := s.opts.Catalogue.LatestConfiguration(ctx, hw, fw)
	if err != nil {
		return s.fail(ctx, err)
	}
	if !ok || latest.Revision <= info.Version {
		slog.Info("[OTA] configuration up to date", "session", s.id, "revision", info.Version)
		s.enter(StateIdle)
		s.report(events.UpdateUpToDate, 100)
		return nil
	}

	s.setVersions(fmt.Sprint(info.Version), fmt.Sprint(latest.Revision))
	s.enter(StateDownloading)
	s.report(events.UpdateDownloadingConfig, 0)
	data, err := s.fetch(ctx, s.opts.Catalogue.ConfigurationPath(hw, latest),
		fmt.Sprintf("config-%s-%s.txt", hw, latest), events.UpdateDownloadingConfig)
	if err != nil {
		return s.fail(ctx, fmt.Errorf("%w: download configuration: %w", ErrUpdateTransferFailed, err))
	}
	lines, err := ParseConfigFile(data)
	if err != nil {
		return s.fail(ctx, fmt.Errorf("%w: %w", ErrUpdateTransferFailed, err))
	}

	s.enter(StateTransferring)
	s.report(events.UpdateUpdatingConfig, 0)
	if err := s.applyConfiguration(ctx, lease, lines); err != nil {
		return s.fail(ctx, fmt.Errorf("%w: apply configuration: %w", ErrUpdateTransferFailed, err))
	}

	s.enter(StateIdle)
	s.report(events.UpdateSucceeded, 100)
	slog.Info("[OTA] configuration update complete", "session", s.id, "revision", latest.Revision)
	return nil
}

func (s *Session) applyConfiguration(ctx context.Context, lease *ble.Lease, lines [][]byte) error {
	cmd := s.dev.Commander
	name := s.opts.ConfigName
	for _, f := range []protocol.Frame{activelook.CfgSet(name), activelook.Clear(), activelook.LayoutDisplay(0x09, "")} {
		if err := cmd.Send(ctx, lease, f); err != nil {
			return err
		}
	}
	n := float64(len(lines))
	for i, line := range lines {
		err := cmd.WriteRaw(ctx, lease, line, func(done, total int) {
			if total > 0 {
				s.report(events.UpdateUpdatingConfig, (float64(i)+float64(done)/float64(total))*100/n)
			}
		})
		if err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	if err := cmd.Send(ctx, lease, activelook.Clear()); err != nil {
		return err
	}
	resp, err := cmd.Request(ctx, lease, activelook.CfgRead(name))
	if err != nil {
		return err
	}
	if info, err := activelook.ParseConfigInfo(resp); err == nil {
		slog.Info("[OTA] configuration installed", "session", s.id, "revision", info.Version)
	}
	return nil
}

// ParseConfigFile decodes a configuration package: one hex-encoded command
// per line. Blank lines are skipped.
func ParseConfigFile(data []byte) ([][]byte, error) {
	var out [][]byte
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		b, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("update: configuration line %d: %w", i+1, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Session) fetch(ctx context.Context, path, key string, phase events.UpdateState) ([]byte, error) {
	progress := func(done, total int64) {
		if total > 0 {
			s.report(phase, 100*float64(done)/float64(total))
		}
	}
	if c := s.opts.Cache; c != nil {
		if data, ok := c.Load(key); ok {
			slog.Info("[OTA] using cached download", "session", s.id, "key", key)
			return data, nil
		}
		if err := s.opts.Catalogue.DownloadFile(ctx, path, c.Path(key), progress); err != nil {
			return nil, err
		}
		return c.Seal(key)
	}
	var buf bytes.Buffer
	if err := s.opts.Catalogue.Download(ctx, path, &buf, progress); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// awaitBattery returns once the battery is at least MinBattery, waiting up
// to BatteryWait for it to recover.
func (s *Session) awaitBattery(ctx context.Context) error {
	if s.dev.Battery == nil {
		return nil
	}
	level := s.dev.Battery.Level()
	if level >= s.opts.MinBattery {
		return nil
	}
	lowErr := func(level int) error {
		return fmt.Errorf("%w: %d%%, need %d%%", ErrLowBattery, level, s.opts.MinBattery)
	}
	if s.opts.BatteryWait <= 0 {
		return lowErr(level)
	}

	slog.Info("[OTA] waiting for battery to recover", "session", s.id, "level", level, "wait", s.opts.BatteryWait)
	levels := make(chan int, 1)
	stop := s.dev.Battery.Watch(func(l int) {
		select {
		case levels <- l:
		default:
			// Keep only the newest level.
			select {
			case <-levels:
			default:
			}
			levels <- l
		}
	})
	defer stop()

	timer := time.NewTimer(s.opts.BatteryWait)
	defer timer.Stop()
	for {
		select {
		case l := <-levels:
			level = l
			s.onBattery(l)
			if l >= s.opts.MinBattery {
				return nil
			}
		case <-timer.C:
			return lowErr(level)
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

func (s *Session) onBattery(level int) {
	s.mu.Lock()
	s.progress.BatteryLevel = level
	p := s.progress
	s.mu.Unlock()
	s.opts.Sink.OnUpdateProgress(p)
}

func (s *Session) batteryLevel() int {
	if s.dev.Battery == nil {
		return -1
	}
	return s.dev.Battery.Level()
}

func (s *Session) enter(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) setVersions(source, target string) {
	s.mu.Lock()
	s.progress.SourceVersion = source
	s.progress.TargetVersion = target
	s.mu.Unlock()
}

// report emits progress. Within one phase the percentage never decreases.
func (s *Session) report(phase events.UpdateState, percent float64) {
	s.mu.Lock()
	if phase == s.progress.State && percent < s.progress.Percent {
		percent = s.progress.Percent
	}
	s.progress.State = phase
	s.progress.Percent = min(percent, 100)
	p := s.progress
	s.mu.Unlock()
	s.opts.Sink.OnUpdateProgress(p)
}

// fail records err as the session outcome and reports the matching error
// state. Cancellation is reported as ble.ErrCancelled.
func (s *Session) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ble.ErrCancelled) && !errors.Is(err, ble.ErrCancelled) {
			err = fmt.Errorf("%w: %w", ble.ErrCancelled, err)
		}
	}

	phase := events.UpdateErrorFail
	switch {
	case errors.Is(err, ErrVersionIncompatible):
		phase = events.UpdateErrorDowngrade
	case errors.Is(err, ErrLowBattery):
		phase = events.UpdateErrorLowBattery
	case errors.Is(err, ErrForbidden):
		phase = events.UpdateErrorForbidden
	}

	level := s.batteryLevel()
	s.mu.Lock()
	s.state = StateFailed
	s.err = err
	s.progress.State = phase
	s.progress.BatteryLevel = level
	p := s.progress
	s.mu.Unlock()

	slog.Warn("[OTA] update failed", "session", s.id, "state", phase, "error", err)
	s.opts.Sink.OnUpdateProgress(p)
	return err
}

