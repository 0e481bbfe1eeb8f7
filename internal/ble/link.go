package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CharRef names a characteristic to resolve after connecting.
type CharRef struct {
	Service string
	UUID    string
	// Optional characteristics may be absent without failing discovery.
	Optional bool
}

// Profile describes the GATT layout and timings of one kind of peripheral.
type Profile struct {
	Name string

	Filter      ScanFilter
	ScanTimeout time.Duration

	// Write is the default characteristic of the command queue.
	Write CharRef
	// Notify lists characteristics subscribed in order, each subscription
	// completing before the next starts.
	Notify []CharRef
	// Extra characteristics are resolved but not subscribed.
	Extra []CharRef

	// MTU is the first MTU requested; each failed request lowers it by
	// MTUStep, at most MTURetries times.
	MTU        int
	MTUStep    int
	MTURetries int

	DiscoveryRetries int
	DiscoveryBackoff time.Duration
	ConnectTimeout   time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration

	Queue QueueOptions
}

// LinkHooks are called from the link's event loop and must not block.
type LinkHooks struct {
	// OnState reports every state change. err is set when the change was
	// caused by a failure.
	OnState func(role Role, s State, err error)
	// OnBonded runs when a device is bonded, before connecting.
	OnBonded func(l *Link, dev Device)
	// OnReady runs once per connection when notifications are subscribed.
	OnReady func(l *Link)
	// OnDown runs when a ready connection is torn down.
	OnDown func(l *Link, err error)
	// OnNotify receives notifications. It runs on the platform callback
	// goroutine.
	OnNotify func(l *Link, uuid string, data []byte)
}

// Link drives one peripheral role from discovery to Ready and keeps it
// there. All state changes happen on the link's event loop; asynchronous
// operations report back through events.
type Link struct {
	role    Role
	adapter Adapter
	bonder  Bonder
	hooks   LinkHooks
	queue   *Queue

	events chan Event

	// done belongs to the running event loop and is closed when it exits.
	loopMu  sync.Mutex
	loopCtx context.Context
	done    chan struct{}

	mu      sync.Mutex
	profile Profile
	state   State
	lastErr error
	device  Device
	conn    Connection
	chars   map[string]Characteristic
	mtu     int
	wasUp   bool
	gen     uint64
	opCtx   context.Context
	opStop  context.CancelFunc

	// Owned by the event loop.
	backoff      Backoff
	connectTimer *time.Timer
	retryTimer   *time.Timer
}

// NewLink creates a link for role. It is idle until Start.
func NewLink(role Role, adapter Adapter, bonder Bonder, profile Profile, hooks LinkHooks) *Link {
	if bonder == nil {
		bonder = NopBonder{}
	}
	if profile.ConnectTimeout <= 0 {
		profile.ConnectTimeout = 10 * time.Second
	}
	if profile.ScanTimeout <= 0 {
		profile.ScanTimeout = 30 * time.Second
	}
	if profile.DiscoveryRetries <= 0 {
		profile.DiscoveryRetries = 1
	}
	if profile.MTURetries <= 0 {
		profile.MTURetries = 1
	}
	return &Link{
		role:    role,
		adapter: adapter,
		bonder:  bonder,
		hooks:   hooks,
		profile: profile,
		queue:   NewQueue(profile.Queue),
		events:  make(chan Event, 64),
		backoff: Backoff{Base: profile.ReconnectBase, Max: profile.ReconnectMax},
		chars:   make(map[string]Characteristic),
	}
}

func (l *Link) Role() Role     { return l.role }
func (l *Link) Queue() *Queue { return l.queue }

// State returns the current state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Device returns the device of the current or last connection attempt.
func (l *Link) Device() Device {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.device
}

// LastErr returns the error behind the most recent failure transition.
func (l *Link) LastErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// MTU returns the negotiated MTU of the ready connection.
func (l *Link) MTU() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mtu
}

// Characteristic returns a resolved characteristic of the current
// connection.
func (l *Link) Characteristic(uuid string) (Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chars[normalizeUUID(uuid)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCharacteristicMissing, uuid)
	}
	return c, nil
}

// SetFilter replaces the scan filter used by the next scan.
func (l *Link) SetFilter(f ScanFilter) {
	l.mu.Lock()
	l.profile.Filter = f
	l.mu.Unlock()
}

func (l *Link) prof() Profile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.profile
}

// Filter returns the current scan filter.
func (l *Link) Filter() ScanFilter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.profile.Filter
}

// Start runs the event loop until ctx ends and begins scanning. Calling
// Start again after Stop restarts scanning; after ctx ends a new Start runs
// a fresh loop on its own ctx.
func (l *Link) Start(ctx context.Context) {
	l.loopMu.Lock()
	done, prev := l.done, l.loopCtx
	l.loopMu.Unlock()
	if done != nil && prev.Err() != nil {
		// The previous loop is on its way out.
		<-done
	}

	l.loopMu.Lock()
	if l.done == nil || isClosed(l.done) {
		l.done = make(chan struct{})
		l.loopCtx = ctx
		go l.run(ctx, l.done)
	}
	l.loopMu.Unlock()
	l.post(Event{Kind: EvStart})
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Stop tears the link down and leaves it idle.
func (l *Link) Stop() { l.post(Event{Kind: EvStop}) }

// Nudge retries a disconnected link now instead of waiting for its backoff.
func (l *Link) Nudge() { l.post(Event{Kind: EvRetry}) }

// PairingMismatch unbonds the current device and scans again with the
// current filter.
func (l *Link) PairingMismatch() {
	go l.post(Event{Kind: EvPairingMismatch})
}

// Done is closed when the current event loop exits. It is nil before the
// first Start.
func (l *Link) Done() <-chan struct{} {
	l.loopMu.Lock()
	defer l.loopMu.Unlock()
	return l.done
}

func (l *Link) post(ev Event) {
	select {
	case l.events <- ev:
	case <-l.Done():
	}
}

func (l *Link) currentGen() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

func (l *Link) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			l.handle(Event{Kind: EvStop})
			return
		case ev := <-l.events:
			l.handle(ev)
		}
	}
}

func (l *Link) handle(ev Event) {
	if ev.gen != 0 && ev.gen != l.currentGen() {
		if ev.conn != nil {
			_ = ev.conn.Disconnect()
		}
		slog.Debug("[BLE] dropping stale event", "role", l.role, "event", ev.Kind)
		return
	}

	l.mu.Lock()
	prev := l.state
	next, effects := Transition(prev, ev)
	l.state = next
	if ev.Err != nil {
		l.lastErr = ev.Err
	}
	l.mu.Unlock()

	if next == prev && effects == nil {
		if ev.Kind != EvRetry && ev.Kind != EvStart {
			slog.Debug("[BLE] event ignored", "role", l.role, "state", prev, "event", ev.Kind)
		}
		return
	}

	if next != prev {
		if ev.Err != nil {
			slog.Warn("[BLE] state change", "role", l.role, "from", prev, "to", next, "error", ev.Err)
		} else {
			slog.Info("[BLE] state change", "role", l.role, "from", prev, "to", next)
		}
		if l.hooks.OnState != nil {
			l.hooks.OnState(l.role, next, ev.Err)
		}
	}

	for _, eff := range effects {
		l.apply(eff, ev)
	}
}

func (l *Link) apply(eff Effect, ev Event) {
	switch eff {
	case EffStartScan:
		l.startScan()
	case EffBond:
		l.bond(ev.Device)
	case EffNotifyBonded:
		if l.hooks.OnBonded != nil {
			l.hooks.OnBonded(l, l.Device())
		}
	case EffConnect:
		l.connect()
	case EffStartConnectTimer:
		gen := l.currentGen()
		l.connectTimer = time.AfterFunc(l.prof().ConnectTimeout, func() {
			l.post(Event{Kind: EvConnectTimeout, Err: ErrConnectionTimeout, gen: gen})
		})
	case EffCancelConnectTimer:
		stopTimer(&l.connectTimer)
	case EffDiscover:
		l.mu.Lock()
		l.conn = ev.conn
		l.mu.Unlock()
		l.discover(ev.conn)
	case EffSubscribe:
		l.mu.Lock()
		l.chars = ev.chars
		l.mtu = ev.mtu
		l.mu.Unlock()
		l.subscribe(ev.chars)
	case EffMarkReady:
		l.markReady()
	case EffTeardown:
		l.teardown(ev.Err)
	case EffUnbond:
		dev := l.Device()
		if dev.MAC != "" {
			if err := l.bonder.Unbond(dev.MAC); err != nil {
				slog.Warn("[BLE] unbond failed", "role", l.role, "mac", dev.MAC, "error", err)
			}
		}
	case EffScheduleReconnect:
		delay := l.backoff.Next()
		gen := l.currentGen()
		slog.Info("[BLE] reconnect backoff", "role", l.role, "attempt", l.backoff.Attempts(), "delay", delay)
		stopTimer(&l.retryTimer)
		l.retryTimer = time.AfterFunc(delay, func() {
			l.post(Event{Kind: EvRetry, gen: gen})
		})
	case EffCancelTimers:
		stopTimer(&l.connectTimer)
		stopTimer(&l.retryTimer)
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// opContext returns a context cancelled by the next teardown.
func (l *Link) opContext() (context.Context, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opCtx == nil {
		l.opCtx, l.opStop = context.WithCancel(context.Background())
	}
	return l.opCtx, l.gen
}

func (l *Link) startScan() {
	ctx, gen := l.opContext()
	p := l.prof()
	filter, timeout := p.Filter, p.ScanTimeout
	if filter.Limit == 0 {
		filter.Limit = 1
	}

	go func() {
		if err := l.adapter.Enable(); err != nil {
			l.post(Event{Kind: EvScanFailed, Err: fmt.Errorf("ble: enable adapter: %w", err), gen: gen})
			return
		}
		sctx, cancel := context.WithTimeout(ctx, timeout)
		devices, err := l.adapter.Scan(sctx, filter)
		cancel()
		if err != nil {
			l.post(Event{Kind: EvScanFailed, Err: err, gen: gen})
			return
		}
		if len(devices) == 0 {
			l.post(Event{Kind: EvScanFailed, Err: ErrDeviceNotFound, gen: gen})
			return
		}
		dev := devices[0]
		for _, d := range devices[1:] {
			if d.RSSI > dev.RSSI {
				dev = d
			}
		}
		bonded, err := l.bonder.IsBonded(dev.MAC)
		if err != nil {
			slog.Warn("[BLE] bond state unknown, bonding", "role", l.role, "mac", dev.MAC, "error", err)
		}
		l.mu.Lock()
		l.device = dev
		l.mu.Unlock()
		slog.Info("[BLE] found device", "role", l.role, "name", dev.Name, "mac", dev.MAC, "rssi", dev.RSSI, "bonded", bonded)
		l.post(Event{Kind: EvDeviceFound, Device: dev, Bonded: bonded, gen: gen})
	}()
}

func (l *Link) bond(dev Device) {
	ctx, gen := l.opContext()
	go func() {
		if err := l.bonder.Bond(ctx, dev.MAC); err != nil {
			if !errors.Is(err, ErrBondingFailed) {
				err = fmt.Errorf("%w: %w", ErrBondingFailed, err)
			}
			l.post(Event{Kind: EvBondFailed, Err: err, gen: gen})
			return
		}
		l.post(Event{Kind: EvBonded, Device: dev, gen: gen})
	}()
}

func (l *Link) connect() {
	ctx, gen := l.opContext()
	mac := l.Device().MAC
	go func() {
		conn, err := l.adapter.Connect(ctx, mac)
		if err != nil {
			l.post(Event{Kind: EvConnectFailed, Err: err, gen: gen})
			return
		}
		conn.OnDisconnect(func() {
			l.post(Event{Kind: EvDisconnected, Err: errors.New("ble: peripheral disconnected"), gen: gen})
		})
		l.post(Event{Kind: EvConnected, conn: conn, gen: gen})
	}()
}

func (l *Link) discover(conn Connection) {
	ctx, gen := l.opContext()
	p := l.prof()
	go func() {
		refs := append([]CharRef{p.Write}, p.Notify...)
		refs = append(refs, p.Extra...)

		var chars map[string]Characteristic
		var err error
		for attempt := 1; attempt <= p.DiscoveryRetries; attempt++ {
			chars, err = resolveChars(conn, refs)
			if err == nil || errors.Is(err, ErrCharacteristicMissing) {
				break
			}
			slog.Warn("[BLE] service discovery failed", "role", l.role, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.DiscoveryBackoff):
			}
		}
		if err != nil {
			l.post(Event{Kind: EvDiscoveryFailed, Err: err, gen: gen})
			return
		}

		mtu := negotiateMTU(conn, p)
		l.post(Event{Kind: EvServicesDiscovered, chars: chars, mtu: mtu, gen: gen})
	}()
}

// resolveChars discovers every ref. A missing service fails with
// ErrServiceDiscoveryFailed, a missing required characteristic with
// ErrCharacteristicMissing.
func resolveChars(conn Connection, refs []CharRef) (map[string]Characteristic, error) {
	chars := make(map[string]Characteristic, len(refs))
	for _, ref := range refs {
		if ref.UUID == "" {
			continue
		}
		c, err := conn.DiscoverCharacteristic(ref.Service, ref.UUID)
		if err != nil {
			if ref.Optional {
				slog.Debug("[BLE] optional characteristic missing", "uuid", ref.UUID, "error", err)
				continue
			}
			if len(chars) == 0 {
				return nil, fmt.Errorf("%w: %w", ErrServiceDiscoveryFailed, err)
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrCharacteristicMissing, ref.UUID, err)
		}
		chars[normalizeUUID(ref.UUID)] = c
	}
	return chars, nil
}

// negotiateMTU requests the profile MTU, stepping down on failure. It falls
// back to the BLE default of 23.
func negotiateMTU(conn Connection, p Profile) int {
	want := p.MTU
	if want <= 0 {
		return 23
	}
	step := max(p.MTUStep, 1)
	for i := 0; i < p.MTURetries && want >= 23; i++ {
		got, err := conn.RequestMTU(want)
		if err == nil && got > 0 {
			return got
		}
		slog.Debug("[BLE] MTU request failed", "mtu", want, "error", err)
		want -= step
	}
	return 23
}

func (l *Link) subscribe(chars map[string]Characteristic) {
	_, gen := l.opContext()
	refs := l.prof().Notify
	go func() {
		for _, ref := range refs {
			c, ok := chars[normalizeUUID(ref.UUID)]
			if !ok {
				if ref.Optional {
					continue
				}
				l.post(Event{Kind: EvSubscribeFailed, Err: fmt.Errorf("%w: %s", ErrCharacteristicMissing, ref.UUID), gen: gen})
				return
			}
			uuid := ref.UUID
			err := c.Subscribe(func(data []byte) {
				if l.hooks.OnNotify != nil {
					l.hooks.OnNotify(l, uuid, data)
				}
			})
			if err != nil {
				if ref.Optional {
					slog.Warn("[BLE] optional subscription failed", "role", l.role, "uuid", uuid, "error", err)
					continue
				}
				l.post(Event{Kind: EvSubscribeFailed, Err: fmt.Errorf("ble: subscribe %s: %w", uuid, err), gen: gen})
				return
			}
		}
		l.post(Event{Kind: EvSubscribed, gen: gen})
	}()
}

func (l *Link) markReady() {
	l.backoff.Reset()
	l.mu.Lock()
	w := l.chars[normalizeUUID(l.profile.Write.UUID)]
	mtu := l.mtu
	l.wasUp = true
	l.lastErr = nil
	l.mu.Unlock()

	l.queue.SetWriter(w, mtu)
	slog.Info("[BLE] ready", "role", l.role, "device", l.Device().Name, "mtu", mtu)
	if l.hooks.OnReady != nil {
		l.hooks.OnReady(l)
	}
}

func (l *Link) teardown(cause error) {
	l.mu.Lock()
	l.gen++
	if l.opStop != nil {
		l.opStop()
		l.opCtx, l.opStop = nil, nil
	}
	conn := l.conn
	l.conn = nil
	l.chars = make(map[string]Characteristic)
	l.mtu = 0
	wasUp := l.wasUp
	l.wasUp = false
	l.mu.Unlock()

	stopTimer(&l.connectTimer)
	l.queue.SetWriter(nil, 0)
	l.queue.Cancel(ErrCancelled)

	if wasUp && l.hooks.OnDown != nil {
		l.hooks.OnDown(l, cause)
	}
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			slog.Debug("[BLE] disconnect", "role", l.role, "error", err)
		}
	}
}
