package update

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/glassbridge/internal/ble"
	"github.com/chaz8081/glassbridge/internal/ble/protocol"
	"github.com/chaz8081/glassbridge/internal/ble/protocol/activelook"
	"github.com/chaz8081/glassbridge/internal/events"
)

// opLog is the ordered record of every operation on a fake link.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *opLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type fakeChar struct {
	name    string
	log     *opLog
	value   []byte
	readErr error

	mu      sync.Mutex
	writes  [][]byte
	failOn  []byte
	cb      func([]byte)
	onWrite func(data []byte)
}

func (c *fakeChar) record(data []byte) error {
	c.mu.Lock()
	if c.failOn != nil && bytes.Equal(c.failOn, data) {
		c.mu.Unlock()
		return errors.New("fake: write rejected")
	}
	cp := append([]byte(nil), data...)
	c.writes = append(c.writes, cp)
	hook := c.onWrite
	c.mu.Unlock()
	c.log.add(fmt.Sprintf("write %s %x", c.name, cp))
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (c *fakeChar) Write(data []byte) error             { return c.record(data) }
func (c *fakeChar) WriteWithResponse(data []byte) error { return c.record(data) }
func (c *fakeChar) Read() ([]byte, error)               { return c.value, c.readErr }

func (c *fakeChar) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
	c.log.add("subscribe " + c.name)
	return nil
}

func (c *fakeChar) Unsubscribe() error {
	c.mu.Lock()
	c.cb = nil
	c.mu.Unlock()
	c.log.add("unsubscribe " + c.name)
	return nil
}

func (c *fakeChar) notify(data []byte) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *fakeChar) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

type fakeLink struct {
	log   *opLog
	chars map[string]*fakeChar
	queue *ble.Queue
}

func (l *fakeLink) Characteristic(uuid string) (ble.Characteristic, error) {
	c, ok := l.chars[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ble.ErrCharacteristicMissing, uuid)
	}
	return c, nil
}

func (l *fakeLink) Queue() *ble.Queue { return l.queue }

func (l *fakeLink) char(uuid string) *fakeChar { return l.chars[uuid] }

// suotaDevice simulates the SUOTA service of a device.
type suotaDevice struct {
	*fakeLink

	// blockStatus is notified after every complete block.
	blockStatus byte
	silent      atomic.Bool

	mu       sync.Mutex
	expected int
	received int
	image    []byte
}

func newSUOTADevice() *suotaDevice {
	log := &opLog{}
	names := map[string]string{
		CharMemDev: "memdev", CharGPIOMap: "gpio", CharPatchLen: "patchlen",
		CharPatchData: "patchdata", CharServStatus: "status", CharVersion: "version",
		CharPatchDataSize: "patchsize", CharMTU: "mtu", CharL2CAPPSM: "psm",
	}
	link := &fakeLink{log: log, chars: make(map[string]*fakeChar), queue: ble.NewQueue(ble.QueueOptions{})}
	for u, n := range names {
		link.chars[u] = &fakeChar{name: n, log: log}
	}
	link.queue.SetWriter(&fakeChar{name: "rx", log: log}, 247)

	d := &suotaDevice{fakeLink: link, blockStatus: statusBlockAck}
	link.char(CharVersion).value = []byte("1.2")
	link.char(CharPatchDataSize).value = u16le(20)
	link.char(CharMTU).value = u16le(23)
	link.char(CharMemDev).onWrite = func(data []byte) {
		if binary.LittleEndian.Uint32(data) == memDevSPIFlash {
			link.char(CharServStatus).notify([]byte{statusImgStarted})
		}
	}
	link.char(CharPatchLen).onWrite = func(data []byte) {
		d.mu.Lock()
		d.expected = int(binary.LittleEndian.Uint16(data))
		d.mu.Unlock()
	}
	link.char(CharPatchData).onWrite = func(data []byte) {
		d.mu.Lock()
		d.image = append(d.image, data...)
		d.received += len(data)
		full := d.received == d.expected
		if full {
			d.received = 0
		}
		d.mu.Unlock()
		if full && !d.silent.Load() {
			link.char(CharServStatus).notify([]byte{d.blockStatus})
		}
	}
	return d
}

func (d *suotaDevice) Image() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.image...)
}

type fakeBattery struct {
	mu      sync.Mutex
	level   int
	onWatch func(fn func(int))
}

func (b *fakeBattery) Level() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}

func (b *fakeBattery) Watch(fn func(int)) func() {
	b.mu.Lock()
	hook := b.onWatch
	b.mu.Unlock()
	if hook != nil {
		hook(fn)
	}
	return func() {}
}

type progressSink struct {
	events.Nop
	mu       sync.Mutex
	progress []events.UpdateProgress
}

func (s *progressSink) OnUpdateProgress(p events.UpdateProgress) {
	s.mu.Lock()
	s.progress = append(s.progress, p)
	s.mu.Unlock()
}

func (s *progressSink) states() []events.UpdateState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.UpdateState
	for _, p := range s.progress {
		if len(out) == 0 || out[len(out)-1] != p.State {
			out = append(out, p.State)
		}
	}
	return out
}

func (s *progressSink) all() []events.UpdateProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.UpdateProgress(nil), s.progress...)
}

// catalogue serves one firmware and optionally one configuration.
type catalogue struct {
	firmware []int
	image    []byte
	config   []int
	configTx string
	requests atomic.Int32
}

func (c *catalogue) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	latest := func(w http.ResponseWriter, v []int) {
		if v == nil {
			w.Write([]byte(`{}`))
			return
		}
		fmt.Fprintf(w, `{"latest":{"version":%s}}`, jsonInts(v))
	}
	mux.HandleFunc("GET /firmwares/{hw}/{token}", func(w http.ResponseWriter, r *http.Request) {
		c.requests.Add(1)
		latest(w, c.firmware)
	})
	mux.HandleFunc("GET /firmwares/{hw}/{token}/{version}", func(w http.ResponseWriter, r *http.Request) {
		c.requests.Add(1)
		w.Write(c.image)
	})
	mux.HandleFunc("GET /configurations/{hw}/{token}", func(w http.ResponseWriter, r *http.Request) {
		c.requests.Add(1)
		latest(w, c.config)
	})
	mux.HandleFunc("GET /configurations/{hw}/{token}/{version}", func(w http.ResponseWriter, r *http.Request) {
		c.requests.Add(1)
		w.Write([]byte(c.configTx))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func jsonInts(v []int) string {
	var b bytes.Buffer
	b.WriteByte('[')
	for i, n := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprint(&b, n)
	}
	b.WriteByte(']')
	return b.String()
}

func testFirmware(n int) []byte {
	fw := make([]byte, n)
	for i := range fw {
		fw[i] = byte(i * 7)
	}
	return fw
}

func newTestSession(t *testing.T, dev Device, cat *catalogue, opts Options) (*Session, *progressSink) {
	t.Helper()
	sink := &progressSink{}
	opts.Catalogue = NewCatalogue(cat.server(t).URL, "tok")
	opts.Sink = sink
	if opts.AckTimeout == 0 {
		opts.AckTimeout = time.Second
	}
	return NewSession(dev, opts), sink
}

func runSession(t *testing.T, s *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	return s.Run(ctx)
}

func deviceAt(d *suotaDevice, fw string) Device {
	return Device{
		Link: d.fakeLink,
		Info: DeviceInfo{Hardware: "hw1", Firmware: fw, Serial: "S1"},
	}
}

func TestSessionRejectsNewerDeviceMajor(t *testing.T) {
	d := newSUOTADevice()
	cat := &catalogue{firmware: []int{5, 1, 0}}
	s, sink := newTestSession(t, deviceAt(d, "5.0.0"), cat, Options{})

	err := runSession(t, s)
	require.ErrorIs(t, err, ErrVersionIncompatible)
	assert.Equal(t, []events.UpdateState{events.UpdateCheckingVersion, events.UpdateErrorDowngrade}, sink.states())
	assert.Zero(t, cat.requests.Load())
	assert.Empty(t, d.log.all())
	assert.Equal(t, StateFailed, s.State())
}

func TestSessionVersionDecisions(t *testing.T) {
	tests := []struct {
		name      string
		candidate []int
		want      events.UpdateState
		wantErr   error
	}{
		{"older", []int{4, 1, 9}, events.UpdateUpToDate, nil},
		{"equal", []int{4, 2, 0}, events.UpdateUpToDate, nil},
		{"none listed", nil, events.UpdateUpToDate, nil},
		{"incompatible major", []int{5, 0, 0}, events.UpdateErrorDowngrade, ErrVersionIncompatible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newSUOTADevice()
			cat := &catalogue{firmware: tt.candidate}
			s, sink := newTestSession(t, deviceAt(d, "v4.2.0"), cat, Options{})

			err := runSession(t, s)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			states := sink.states()
			assert.Equal(t, tt.want, states[len(states)-1])
			assert.Empty(t, d.log.all(), "no OTA traffic expected")
		})
	}
}

func TestSessionLowBattery(t *testing.T) {
	d := newSUOTADevice()
	cat := &catalogue{firmware: []int{4, 3, 0}, image: testFirmware(100)}
	dev := deviceAt(d, "4.2.0")
	dev.Battery = &fakeBattery{level: 5}
	s, sink := newTestSession(t, dev, cat, Options{MinBattery: 10})

	err := runSession(t, s)
	require.ErrorIs(t, err, ErrLowBattery)
	assert.Equal(t, []events.UpdateState{events.UpdateCheckingVersion, events.UpdateErrorLowBattery}, sink.states())
	assert.Equal(t, StateFailed, s.State())
	assert.Empty(t, d.log.all())
	assert.Zero(t, cat.requests.Load())

	p := s.Progress()
	assert.Equal(t, 5, p.BatteryLevel)
}

func TestSessionUnknownBatteryIsLow(t *testing.T) {
	d := newSUOTADevice()
	dev := deviceAt(d, "4.2.0")
	dev.Battery = &fakeBattery{level: -1}
	s, _ := newTestSession(t, dev, &catalogue{}, Options{})

	assert.ErrorIs(t, runSession(t, s), ErrLowBattery)
}

func TestSessionWaitsForBattery(t *testing.T) {
	d := newSUOTADevice()
	dev := deviceAt(d, "4.2.0")
	dev.Battery = &fakeBattery{level: 5, onWatch: func(fn func(int)) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			fn(60)
		}()
	}}
	s, sink := newTestSession(t, dev, &catalogue{}, Options{BatteryWait: 5 * time.Second})

	require.NoError(t, runSession(t, s))
	states := sink.states()
	assert.Equal(t, events.UpdateUpToDate, states[len(states)-1])
	assert.Equal(t, 60, s.Progress().BatteryLevel)
}

func TestSessionTransfersFirmware(t *testing.T) {
	d := newSUOTADevice()
	fw := testFirmware(500)
	cat := &catalogue{firmware: []int{4, 3, 0}, image: fw}
	s, sink := newTestSession(t, deviceAt(d, "4.2.0"), cat, Options{})

	require.NoError(t, runSession(t, s))
	assert.Equal(t, StateIdle, s.State())
	assert.NoError(t, s.Err())

	want := NewImage(fw)
	assert.Equal(t, want.data, d.Image())

	assert.Equal(t, [][]byte{u16le(240), u16le(21)}, d.char(CharPatchLen).Writes())
	assert.Equal(t, [][]byte{u32le(memDevSPIFlash), u32le(memDevEnd), u32le(memDevReboot)}, d.char(CharMemDev).Writes())
	assert.Equal(t, [][]byte{u32le(gpioMap)}, d.char(CharGPIOMap).Writes())
	for _, c := range d.char(CharPatchData).Writes() {
		assert.LessOrEqual(t, len(c), 20)
	}

	// Notifications are disabled before the end-of-transfer command.
	ops := d.log.all()
	unsub := indexOf(ops, "unsubscribe status")
	end := indexOf(ops, fmt.Sprintf("write memdev %x", u32le(memDevEnd)))
	require.NotEqual(t, -1, unsub)
	assert.Less(t, unsub, end)

	states := sink.states()
	assert.Equal(t, []events.UpdateState{
		events.UpdateCheckingVersion,
		events.UpdateDownloadingFirmware,
		events.UpdateUpdatingFirmware,
		events.UpdateRebooting,
		events.UpdateSucceeded,
	}, states)

	var last float64
	for _, p := range sink.all() {
		if p.State != events.UpdateUpdatingFirmware {
			continue
		}
		assert.GreaterOrEqual(t, p.Percent, last)
		last = p.Percent
	}
	assert.InDelta(t, 100, last, 0.001)

	final := s.Progress()
	assert.Equal(t, "4.2.0", final.SourceVersion)
	assert.Equal(t, "4.3.0", final.TargetVersion)

	block, _, blocks := s.Position()
	assert.Equal(t, 2, block)
	assert.Equal(t, 3, blocks)
}

func indexOf(ops []string, op string) int {
	for i, o := range ops {
		if o == op {
			return i
		}
	}
	return -1
}

func TestSessionRebootFailure(t *testing.T) {
	d := newSUOTADevice()
	d.char(CharMemDev).failOn = u32le(memDevReboot)
	cat := &catalogue{firmware: []int{4, 3, 0}, image: testFirmware(300)}
	s, sink := newTestSession(t, deviceAt(d, "4.2.0"), cat, Options{})

	err := runSession(t, s)
	require.ErrorIs(t, err, ErrUpdateTransferFailed)
	assert.ErrorIs(t, err, ble.ErrWriteFailed)
	assert.Equal(t, StateFailed, s.State())

	states := sink.states()
	assert.Equal(t, events.UpdateErrorFail, states[len(states)-1])
	assert.NotContains(t, states, events.UpdateSucceeded)
}

func TestSessionAckTimeout(t *testing.T) {
	d := newSUOTADevice()
	d.silent.Store(true)
	cat := &catalogue{firmware: []int{4, 3, 0}, image: testFirmware(300)}
	s, sink := newTestSession(t, deviceAt(d, "4.2.0"), cat, Options{AckTimeout: 50 * time.Millisecond})

	err := runSession(t, s)
	require.ErrorIs(t, err, ErrUpdateTransferFailed)
	assert.NotErrorIs(t, err, ErrForbidden)

	states := sink.states()
	assert.Equal(t, events.UpdateErrorFail, states[len(states)-1])
	// The transfer stops at the first unacknowledged block.
	assert.Len(t, d.char(CharPatchLen).Writes(), 1)
	assert.Len(t, d.Image(), BlockSize)
}

func TestSessionDeviceRefusesBlock(t *testing.T) {
	d := newSUOTADevice()
	d.blockStatus = 0x03
	cat := &catalogue{firmware: []int{4, 3, 0}, image: testFirmware(300)}
	s, sink := newTestSession(t, deviceAt(d, "4.2.0"), cat, Options{})

	err := runSession(t, s)
	require.ErrorIs(t, err, ErrForbidden)
	states := sink.states()
	assert.Equal(t, events.UpdateErrorForbidden, states[len(states)-1])
}

func TestSessionCancel(t *testing.T) {
	d := newSUOTADevice()
	d.silent.Store(true)
	cat := &catalogue{firmware: []int{4, 3, 0}, image: testFirmware(300)}
	s, sink := newTestSession(t, deviceAt(d, "4.2.0"), cat, Options{AckTimeout: 5 * time.Second})

	var once sync.Once
	d.char(CharPatchData).onWrite = func([]byte) {
		once.Do(func() { go s.Cancel() })
	}

	start := time.Now()
	err := runSession(t, s)
	require.ErrorIs(t, err, ble.ErrCancelled)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, StateFailed, s.State())

	states := sink.states()
	assert.Equal(t, events.UpdateErrorFail, states[len(states)-1])

	// The queue is usable again once the session ends.
	lease, err := d.Queue().Lease()
	require.NoError(t, err)
	lease.Release()
}

func TestSessionCancelBeforeRun(t *testing.T) {
	d := newSUOTADevice()
	s, _ := newTestSession(t, deviceAt(d, "4.2.0"), &catalogue{firmware: []int{4, 3, 0}}, Options{})
	s.Cancel()

	require.ErrorIs(t, runSession(t, s), ble.ErrCancelled)
	assert.Empty(t, d.log.all())
}

func TestSessionRunsOnce(t *testing.T) {
	d := newSUOTADevice()
	s, _ := newTestSession(t, deviceAt(d, "4.2.0"), &catalogue{}, Options{})

	require.NoError(t, runSession(t, s))
	<-s.Done()
	assert.ErrorIs(t, runSession(t, s), ErrUpdateInProgress)
}

func TestSessionQueueAlreadyLeased(t *testing.T) {
	d := newSUOTADevice()
	held, err := d.Queue().Lease()
	require.NoError(t, err)
	defer held.Release()

	cat := &catalogue{firmware: []int{4, 3, 0}}
	s, sink := newTestSession(t, deviceAt(d, "4.2.0"), cat, Options{})

	err = runSession(t, s)
	require.ErrorIs(t, err, ErrUpdateInProgress)
	assert.ErrorIs(t, err, ble.ErrQueueLeased)
	assert.Zero(t, cat.requests.Load())
	states := sink.states()
	assert.Equal(t, events.UpdateErrorFail, states[len(states)-1])
}

func TestSessionMissingSUOTAService(t *testing.T) {
	d := newSUOTADevice()
	delete(d.chars, CharL2CAPPSM)
	cat := &catalogue{firmware: []int{4, 3, 0}, image: testFirmware(100)}
	s, _ := newTestSession(t, deviceAt(d, "4.2.0"), cat, Options{})

	err := runSession(t, s)
	require.ErrorIs(t, err, ErrUpdateTransferFailed)
	assert.ErrorIs(t, err, ble.ErrCharacteristicMissing)
	assert.Empty(t, d.char(CharMemDev).Writes())
}

func TestSessionTransfersWithUnreadableVersion(t *testing.T) {
	d := newSUOTADevice()
	d.char(CharVersion).readErr = errors.New("fake: read not permitted")
	d.char(CharL2CAPPSM).readErr = errors.New("fake: read not permitted")
	fw := testFirmware(300)
	cat := &catalogue{firmware: []int{4, 3, 0}, image: fw}
	s, _ := newTestSession(t, deviceAt(d, "4.2.0"), cat, Options{})

	require.NoError(t, runSession(t, s))
	assert.Equal(t, NewImage(fw).data, d.Image())
}

func TestCharacteristicsCoverTransfer(t *testing.T) {
	chars := Characteristics()
	assert.ElementsMatch(t, suotaChars, chars)

	chars[0] = "changed"
	assert.Equal(t, CharMemDev, suotaChars[0])
}

func TestSessionUsesCache(t *testing.T) {
	dir := t.TempDir()
	fw := testFirmware(100)
	cat := &catalogue{firmware: []int{4, 3, 0}, image: fw}

	for range 2 {
		d := newSUOTADevice()
		s, _ := newTestSession(t, deviceAt(d, "4.2.0"), cat, Options{Cache: &Cache{Dir: dir}})
		require.NoError(t, runSession(t, s))
		assert.Equal(t, NewImage(fw).data, d.Image())
	}
	// Two catalogue lookups and a single download.
	assert.Equal(t, int32(3), cat.requests.Load())
}

type fakeCommander struct {
	mu       sync.Mutex
	revision uint32
	sent     []protocol.Frame
	requests []protocol.Frame
	raw      [][]byte
}

func (c *fakeCommander) Send(_ context.Context, _ *ble.Lease, f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeCommander) Request(_ context.Context, _ *ble.Lease, f protocol.Frame) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, f)
	resp := binary.BigEndian.AppendUint32(nil, c.revision)
	return append(resp, 1, 2, 3, 4, 5), nil
}

func (c *fakeCommander) WriteRaw(_ context.Context, _ *ble.Lease, data []byte, progress func(done, total int)) error {
	c.mu.Lock()
	c.raw = append(c.raw, append([]byte(nil), data...))
	c.mu.Unlock()
	if progress != nil {
		progress(1, 1)
	}
	return nil
}

func TestSessionUpdatesConfiguration(t *testing.T) {
	d := newSUOTADevice()
	cmd := &fakeCommander{revision: 3}
	dev := deviceAt(d, "4.2.0")
	dev.Commander = cmd
	cat := &catalogue{
		firmware: []int{4, 2, 0},
		config:   []int{4, 2, 0, 7},
		configTx: "ff0100\nff0200\n",
	}
	s, sink := newTestSession(t, dev, cat, Options{})

	require.NoError(t, runSession(t, s))

	assert.Equal(t, []protocol.Frame{
		activelook.CfgSet("ALooK"),
		activelook.Clear(),
		activelook.LayoutDisplay(0x09, ""),
		activelook.Clear(),
	}, cmd.sent)
	assert.Len(t, cmd.requests, 2)
	assert.Equal(t, [][]byte{{0xff, 0x01, 0x00}, {0xff, 0x02, 0x00}}, cmd.raw)
	assert.Equal(t, []events.UpdateState{
		events.UpdateCheckingVersion,
		events.UpdateDownloadingConfig,
		events.UpdateUpdatingConfig,
		events.UpdateSucceeded,
	}, sink.states())
	assert.Empty(t, d.log.all())
}

func TestSessionConfigurationUpToDate(t *testing.T) {
	d := newSUOTADevice()
	cmd := &fakeCommander{revision: 7}
	dev := deviceAt(d, "4.2.0")
	dev.Commander = cmd
	cat := &catalogue{config: []int{4, 2, 0, 7}}
	s, sink := newTestSession(t, dev, cat, Options{})

	require.NoError(t, runSession(t, s))
	assert.Empty(t, cmd.sent)
	states := sink.states()
	assert.Equal(t, events.UpdateUpToDate, states[len(states)-1])
}
