package ble

import (
	"sync"
	"time"
)

// Aggregate readiness of a logical device.
const (
	AggregateNone    = 0
	AggregatePartial = 1
	AggregateReady   = 2
)

// ComputeAggregate returns AggregateReady when every role is ready,
// AggregatePartial when some are, AggregateNone otherwise. A single role
// yields only AggregateNone or AggregateReady.
func ComputeAggregate(states map[Role]State, roles []Role) int {
	ready := 0
	for _, r := range roles {
		if states[r] == StateReady {
			ready++
		}
	}
	switch {
	case len(roles) > 0 && ready == len(roles):
		return AggregateReady
	case ready > 0:
		return AggregatePartial
	default:
		return AggregateNone
	}
}

// Aggregator tracks per-role states and emits the aggregate once it has
// been stable for the debounce interval.
type Aggregator struct {
	roles    []Role
	debounce time.Duration
	emit     func(n int)

	mu      sync.Mutex
	states  map[Role]State
	emitted int
	timer   *time.Timer
}

// NewAggregator creates an aggregator over roles. With a zero debounce
// every change is emitted synchronously.
func NewAggregator(roles []Role, debounce time.Duration, emit func(n int)) *Aggregator {
	return &Aggregator{
		roles:    roles,
		debounce: debounce,
		emit:     emit,
		states:   make(map[Role]State),
		emitted:  AggregateNone,
	}
}

// Update records role's state.
func (a *Aggregator) Update(role Role, s State) {
	a.mu.Lock()
	a.states[role] = s
	n := ComputeAggregate(a.states, a.roles)
	if a.debounce <= 0 {
		changed := n != a.emitted
		a.emitted = n
		a.mu.Unlock()
		if changed && a.emit != nil {
			a.emit(n)
		}
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.debounce, a.settle)
	a.mu.Unlock()
}

func (a *Aggregator) settle() {
	a.mu.Lock()
	n := ComputeAggregate(a.states, a.roles)
	changed := n != a.emitted
	a.emitted = n
	a.timer = nil
	a.mu.Unlock()
	if changed && a.emit != nil {
		a.emit(n)
	}
}

// Value returns the current, undebounced aggregate.
func (a *Aggregator) Value() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ComputeAggregate(a.states, a.roles)
}

// Stop cancels a pending emission.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
}
