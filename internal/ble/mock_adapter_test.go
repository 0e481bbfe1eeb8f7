package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	mu        sync.Mutex
	writes    [][]byte
	confirmed []bool
	value     []byte
	failWrite error
	callback  func([]byte)
	subErr    error
	subs      int
	onWrite   func(data []byte)
	onSub     func()
}

func (c *mockCharacteristic) record(data []byte, confirmed bool) error {
	c.mu.Lock()
	if c.failWrite != nil {
		err := c.failWrite
		c.mu.Unlock()
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	c.confirmed = append(c.confirmed, confirmed)
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (c *mockCharacteristic) Write(data []byte) error { return c.record(data, false) }

func (c *mockCharacteristic) WriteWithResponse(data []byte) error { return c.record(data, true) }

func (c *mockCharacteristic) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.value...), nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	if c.subErr != nil {
		c.mu.Unlock()
		return c.subErr
	}
	c.callback = cb
	c.subs++
	hook := c.onSub
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (c *mockCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	return nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// Writes returns a copy of the recorded writes.
func (c *mockCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// mockConnection simulates a BLE connection.
type mockConnection struct {
	mu           sync.Mutex
	chars        map[string]*mockCharacteristic
	missing      map[string]bool
	mtu          int
	disconnectCb func()
	disconnected bool
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		chars:   make(map[string]*mockCharacteristic),
		missing: make(map[string]bool),
		mtu:     247,
	}
}

// char returns the characteristic for uuid, creating it on first use.
func (c *mockConnection) char(uuid string) *mockCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := normalizeUUID(uuid)
	ch, ok := c.chars[key]
	if !ok {
		ch = &mockCharacteristic{}
		c.chars[key] = ch
	}
	return ch
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	c.mu.Lock()
	missing := c.missing[normalizeUUID(charUUID)]
	c.mu.Unlock()
	if missing {
		return nil, fmt.Errorf("mock: unknown characteristic UUID %q", charUUID)
	}
	return c.char(charUUID), nil
}

func (c *mockConnection) RequestMTU(mtu int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mtu > c.mtu {
		return 0, errors.New("mock: MTU rejected")
	}
	return mtu, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConnection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// mockAdapter simulates the BLE adapter.
type mockAdapter struct {
	mu          sync.Mutex
	devices     []Device
	connectErr  error
	blockConn   bool
	connects    int
	scans       int
	lastFilter  ScanFilter
	connection  *mockConnection // most recent connection for test assertions
	prepareConn func(c *mockConnection)
}

func newMockAdapter(devices []Device) *mockAdapter {
	return &mockAdapter{
		devices:    devices,
		connection: newMockConnection(),
	}
}

func (a *mockAdapter) Enable() error { return nil }

func (a *mockAdapter) Scan(_ context.Context, filter ScanFilter) ([]Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scans++
	a.lastFilter = filter
	var out []Device
	for _, d := range a.devices {
		if filter.MatchName(d.Name) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (a *mockAdapter) Connect(ctx context.Context, _ string) (Connection, error) {
	a.mu.Lock()
	a.connects++
	err := a.connectErr
	block := a.blockConn
	prepare := a.prepareConn
	a.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	conn := newMockConnection()
	if prepare != nil {
		prepare(conn)
	}
	a.mu.Lock()
	a.connection = conn
	a.mu.Unlock()
	return conn, nil
}

// latestConnection returns the most recently created connection (thread-safe).
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

func (a *mockAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

// mockBonder records bond operations.
type mockBonder struct {
	mu       sync.Mutex
	bonded   map[string]bool
	bondErr  error
	unbonded []string
}

func newMockBonder() *mockBonder {
	return &mockBonder{bonded: make(map[string]bool)}
}

func (b *mockBonder) IsBonded(mac string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bonded[mac], nil
}

func (b *mockBonder) Bond(_ context.Context, mac string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bondErr != nil {
		return b.bondErr
	}
	b.bonded[mac] = true
	return nil
}

func (b *mockBonder) Unbond(mac string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bonded, mac)
	b.unbonded = append(b.unbonded, mac)
	return nil
}

func (b *mockBonder) Unbonded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.unbonded...)
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}

func TestMockBonderImplementsInterface(t *testing.T) {
	var _ Bonder = (*mockBonder)(nil)
}
