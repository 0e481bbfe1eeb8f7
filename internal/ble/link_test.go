package ble

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

const (
	testService = "0000ffe0-0000-1000-8000-00805f9b34fb"
	testWrite   = "ffe1"
	testNotifyA = "ffe2"
	testNotifyB = "ffe3"
)

func testProfile() Profile {
	return Profile{
		Name:       "test",
		Filter:     ScanFilter{NameContains: []string{"Glass"}},
		Write:      CharRef{Service: testService, UUID: testWrite},
		Notify:     []CharRef{{Service: testService, UUID: testNotifyA}, {Service: testService, UUID: testNotifyB}},
		MTU:        251,
		MTUStep:    1,
		MTURetries: 10,

		ConnectTimeout: time.Second,
		ReconnectBase:  time.Hour,
		ReconnectMax:   time.Hour,
	}
}

// stateRecorder collects OnState callbacks.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
	errs   []error
}

func newStateRecorder() *stateRecorder { return &stateRecorder{} }

func (r *stateRecorder) record(_ Role, s State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	r.errs = append(r.errs, err)
}

func (r *stateRecorder) history() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

// waitForCount waits until s was entered n times and returns the error of
// the last such transition.
func (r *stateRecorder) waitForCount(t *testing.T, s State, n int, timeout time.Duration) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		count := 0
		var err error
		for i, st := range r.states {
			if st == s {
				count++
				err = r.errs[i]
			}
		}
		r.mu.Unlock()
		if count >= n {
			return err
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state %v not reached %d times within %v; history %v", s, n, timeout, r.history())
	return nil
}

func (r *stateRecorder) waitFor(t *testing.T, s State, timeout time.Duration) error {
	t.Helper()
	return r.waitForCount(t, s, 1, timeout)
}

func TestLinkReachesReady(t *testing.T) {
	adapter := newMockAdapter([]Device{{Name: "Glass 1", MAC: "AA:BB:CC:DD:EE:01", RSSI: -60}})
	var order []string
	var orderMu sync.Mutex
	adapter.prepareConn = func(c *mockConnection) {
		for _, u := range []string{testNotifyA, testNotifyB} {
			u := u
			c.char(u).onSub = func() {
				orderMu.Lock()
				order = append(order, u)
				orderMu.Unlock()
			}
		}
	}

	rec := newStateRecorder()
	ready := make(chan struct{}, 4)
	link := NewLink(RoleSingle, adapter, nil, testProfile(), LinkHooks{
		OnState: rec.record,
		OnReady: func(*Link) { ready <- struct{}{} },
	})
	link.Start(t.Context())
	rec.waitFor(t, StateReady, time.Second)
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("OnReady not called")
	}

	want := []State{StateScanning, StateConnecting, StateDiscoveringServices, StateSubscribingNotifications, StateReady}
	if got := rec.history(); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	orderMu.Lock()
	if !slices.Equal(order, []string{testNotifyA, testNotifyB}) {
		t.Errorf("subscription order = %v", order)
	}
	orderMu.Unlock()
	if link.MTU() != 247 {
		t.Errorf("MTU() = %d, want 247", link.MTU())
	}
	if len(ready) != 0 {
		t.Errorf("OnReady called %d extra times", len(ready))
	}

	done := make(chan error, 1)
	if err := link.Queue().Enqueue(&Command{
		Fragments:  [][]byte{{0x01, 0x02}},
		OnComplete: func(err error) { done <- err },
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("command error = %v", err)
	}
	writes := adapter.latestConnection().char(testWrite).Writes()
	if len(writes) != 1 {
		t.Errorf("writes = %d, want 1", len(writes))
	}
}

func TestLinkBondsUnbondedDevice(t *testing.T) {
	adapter := newMockAdapter([]Device{{Name: "Glass", MAC: "AA:BB:CC:DD:EE:02"}})
	bonder := newMockBonder()
	rec := newStateRecorder()
	bondedHook := make(chan Device, 1)
	link := NewLink(RoleSingle, adapter, bonder, testProfile(), LinkHooks{
		OnState:  rec.record,
		OnBonded: func(_ *Link, d Device) { bondedHook <- d },
	})
	link.Start(t.Context())
	rec.waitFor(t, StateReady, time.Second)

	if !slices.Contains(rec.history(), StateBonding) {
		t.Errorf("history %v should include bonding", rec.history())
	}
	if ok, _ := bonder.IsBonded("AA:BB:CC:DD:EE:02"); !ok {
		t.Error("device should be bonded")
	}
	select {
	case d := <-bondedHook:
		if d.MAC != "AA:BB:CC:DD:EE:02" {
			t.Errorf("OnBonded device = %+v", d)
		}
	default:
		t.Error("OnBonded not called")
	}
}

func TestLinkBondFailure(t *testing.T) {
	adapter := newMockAdapter([]Device{{Name: "Glass", MAC: "AA:BB:CC:DD:EE:03"}})
	bonder := newMockBonder()
	bonder.bondErr = errors.New("authentication rejected")
	rec := newStateRecorder()
	link := NewLink(RoleSingle, adapter, bonder, testProfile(), LinkHooks{OnState: rec.record})
	link.Start(t.Context())

	err := rec.waitFor(t, StateDisconnected, time.Second)
	if !errors.Is(err, ErrBondingFailed) {
		t.Errorf("error = %v, want ErrBondingFailed", err)
	}
	if adapter.connectCount() != 0 {
		t.Errorf("connects = %d, want 0", adapter.connectCount())
	}
}

func TestLinkMissingCharacteristic(t *testing.T) {
	adapter := newMockAdapter([]Device{{Name: "Glass", MAC: "AA:BB:CC:DD:EE:04"}})
	adapter.prepareConn = func(c *mockConnection) {
		c.missing[normalizeUUID(testNotifyB)] = true
	}
	rec := newStateRecorder()
	link := NewLink(RoleSingle, adapter, nil, testProfile(), LinkHooks{OnState: rec.record})
	link.Start(t.Context())

	err := rec.waitFor(t, StateDisconnected, time.Second)
	if !errors.Is(err, ErrCharacteristicMissing) {
		t.Errorf("error = %v, want ErrCharacteristicMissing", err)
	}
}

func TestLinkNoDeviceFound(t *testing.T) {
	adapter := newMockAdapter([]Device{{Name: "Other", MAC: "AA:BB:CC:DD:EE:05"}})
	rec := newStateRecorder()
	link := NewLink(RoleSingle, adapter, nil, testProfile(), LinkHooks{OnState: rec.record})
	link.Start(t.Context())

	err := rec.waitFor(t, StateDisconnected, time.Second)
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("error = %v, want ErrDeviceNotFound", err)
	}
}

func TestLinkDisconnectCancelsQueueAndCallsOnDown(t *testing.T) {
	adapter := newMockAdapter([]Device{{Name: "Glass", MAC: "AA:BB:CC:DD:EE:06"}})
	rec := newStateRecorder()
	down := make(chan struct{}, 1)
	link := NewLink(RoleSingle, adapter, nil, testProfile(), LinkHooks{
		OnState: rec.record,
		OnDown:  func(*Link, error) { down <- struct{}{} },
	})
	link.Start(t.Context())
	rec.waitFor(t, StateReady, time.Second)

	// Hold the queue so the command stays pending.
	link.Queue().Pause()
	result := make(chan error, 1)
	_ = link.Queue().Enqueue(&Command{Fragments: [][]byte{{0x01}}, OnComplete: func(err error) { result <- err }})

	adapter.latestConnection().SimulateDisconnect()
	rec.waitFor(t, StateDisconnected, time.Second)

	select {
	case err := <-result:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("pending command error = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending command not cancelled")
	}
	select {
	case <-down:
	case <-time.After(time.Second):
		t.Fatal("OnDown not called")
	}
}

func TestLinkStopDisconnects(t *testing.T) {
	adapter := newMockAdapter([]Device{{Name: "Glass", MAC: "AA:BB:CC:DD:EE:07"}})
	rec := newStateRecorder()
	link := NewLink(RoleSingle, adapter, nil, testProfile(), LinkHooks{OnState: rec.record})
	link.Start(t.Context())
	rec.waitFor(t, StateReady, time.Second)

	conn := adapter.latestConnection()
	link.Stop()
	rec.waitFor(t, StateIdle, time.Second)
	if !conn.isDisconnected() {
		t.Error("Stop() should close the connection")
	}
	if _, err := link.Characteristic(testWrite); !errors.Is(err, ErrCharacteristicMissing) {
		t.Errorf("Characteristic() after Stop error = %v", err)
	}
}
