package glasses

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/glassbridge/internal/ble"
	"github.com/chaz8081/glassbridge/internal/ble/protocol"
	"github.com/chaz8081/glassbridge/internal/events"
)

// wireEntry is one write seen by any fake connection.
type wireEntry struct {
	mac  string
	uuid string
	data []byte
}

type wireLog struct {
	mu      sync.Mutex
	entries []wireEntry
}

func (w *wireLog) add(e wireEntry) {
	w.mu.Lock()
	w.entries = append(w.entries, e)
	w.mu.Unlock()
}

func (w *wireLog) all() []wireEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]wireEntry(nil), w.entries...)
}

// writes returns the payloads written to uuid on mac.
func (w *wireLog) writes(mac, uuid string) [][]byte {
	var out [][]byte
	for _, e := range w.all() {
		if e.mac == mac && e.uuid == uuid {
			out = append(out, e.data)
		}
	}
	return out
}

type fakeChar struct {
	mac  string
	uuid string
	log  *wireLog

	mu      sync.Mutex
	value   []byte
	cb      func([]byte)
	onWrite func(data []byte)
}

func (c *fakeChar) record(data []byte) error {
	cp := append([]byte(nil), data...)
	c.log.add(wireEntry{mac: c.mac, uuid: c.uuid, data: cp})
	c.mu.Lock()
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (c *fakeChar) Write(data []byte) error             { return c.record(data) }
func (c *fakeChar) WriteWithResponse(data []byte) error { return c.record(data) }

func (c *fakeChar) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.value...), nil
}

func (c *fakeChar) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
	return nil
}

func (c *fakeChar) Unsubscribe() error {
	c.mu.Lock()
	c.cb = nil
	c.mu.Unlock()
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

func (c *fakeChar) setValue(v []byte) {
	c.mu.Lock()
	c.value = v
	c.mu.Unlock()
}

func (c *fakeChar) setOnWrite(fn func([]byte)) {
	c.mu.Lock()
	c.onWrite = fn
	c.mu.Unlock()
}

type fakeConn struct {
	mac string
	log *wireLog

	mu     sync.Mutex
	chars  map[string]*fakeChar
	onDrop func()
}

func (c *fakeConn) char(uuid string) *fakeChar {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(uuid)
	ch, ok := c.chars[key]
	if !ok {
		ch = &fakeChar{mac: c.mac, uuid: key, log: c.log}
		c.chars[key] = ch
	}
	return ch
}

func (c *fakeConn) DiscoverCharacteristic(_, uuid string) (ble.Characteristic, error) {
	return c.char(uuid), nil
}

func (c *fakeConn) RequestMTU(mtu int) (int, error) { return min(mtu, 247), nil }
func (c *fakeConn) Disconnect() error               { return nil }

func (c *fakeConn) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.onDrop = cb
	c.mu.Unlock()
}

func (c *fakeConn) drop() {
	c.mu.Lock()
	cb := c.onDrop
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// fakeAdapter hands out one connection per MAC. prepare runs on every new
// connection before it is returned.
type fakeAdapter struct {
	devices []ble.Device
	log     *wireLog
	prepare func(c *fakeConn)

	mu    sync.Mutex
	conns map[string]*fakeConn
}

func newFakeAdapter(devices ...ble.Device) *fakeAdapter {
	return &fakeAdapter{devices: devices, log: &wireLog{}, conns: make(map[string]*fakeConn)}
}

func (a *fakeAdapter) Enable() error { return nil }

func (a *fakeAdapter) Scan(_ context.Context, f ble.ScanFilter) ([]ble.Device, error) {
	var out []ble.Device
	for _, d := range a.devices {
		if f.MatchName(d.Name) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (a *fakeAdapter) Connect(_ context.Context, mac string) (ble.Connection, error) {
	c := &fakeConn{mac: mac, log: a.log, chars: make(map[string]*fakeChar)}
	if a.prepare != nil {
		a.prepare(c)
	}
	a.mu.Lock()
	a.conns[mac] = c
	a.mu.Unlock()
	return c, nil
}

func (a *fakeAdapter) conn(mac string) *fakeConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns[mac]
}

// recSink records the events the tests look at.
type recSink struct {
	events.Nop

	mu       sync.Mutex
	battery  []int
	audio    [][]byte
	gestures []events.Gesture
	progress []events.UpdateProgress
}

func (s *recSink) OnBatteryLevel(level int) {
	s.mu.Lock()
	s.battery = append(s.battery, level)
	s.mu.Unlock()
}

func (s *recSink) OnAudioFrame(pcm []byte) {
	s.mu.Lock()
	s.audio = append(s.audio, pcm)
	s.mu.Unlock()
}

func (s *recSink) OnGesture(g events.Gesture) {
	s.mu.Lock()
	s.gestures = append(s.gestures, g)
	s.mu.Unlock()
}

func (s *recSink) OnUpdateProgress(p events.UpdateProgress) {
	s.mu.Lock()
	s.progress = append(s.progress, p)
	s.mu.Unlock()
}

func (s *recSink) batteryLevels() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.battery...)
}

func (s *recSink) audioFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

func (s *recSink) gestureEvents() []events.Gesture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Gesture(nil), s.gestures...)
}

// eventually polls cond until it holds or the timeout elapses.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// frames splits writes into the envelopes they carry.
func frames(writes [][]byte) []protocol.Frame {
	var r protocol.Reassembler
	var out []protocol.Frame
	for _, w := range writes {
		fs, _ := r.Feed(w)
		out = append(out, fs...)
	}
	return out
}

func fastTiming() LinkTiming {
	return LinkTiming{Settle: time.Microsecond, FragmentDelay: time.Microsecond}
}
