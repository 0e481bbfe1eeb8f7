package glasses

import "sync"

// battery holds the last reported level and fans it out to watchers. It
// satisfies update.Battery.
type battery struct {
	mu       sync.Mutex
	level    int
	watchers map[int]func(int)
	next     int
}

func newBattery() *battery {
	return &battery{level: -1, watchers: make(map[int]func(int))}
}

// Level returns the last known level, or -1.
func (b *battery) Level() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}

// Watch calls fn with every level reported until stop is called.
func (b *battery) Watch(fn func(level int)) (stop func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.watchers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.watchers, id)
		b.mu.Unlock()
	}
}

func (b *battery) set(level int) {
	b.mu.Lock()
	b.level = level
	fns := make([]func(int), 0, len(b.watchers))
	for _, fn := range b.watchers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(level)
	}
}

func (b *battery) reset() {
	b.mu.Lock()
	b.level = -1
	b.mu.Unlock()
}
