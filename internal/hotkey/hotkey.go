// Package hotkey provides global hotkeys using gohook.
//
// The mic combo supports "hold" mode (press to open the glasses
// microphone, release to close it) and "toggle" mode (press to open,
// press again to close). The optional clipboard combo fires once per
// press.
package hotkey

import (
	"sync"

	hook "github.com/robotn/gohook"
)

// EventType identifies what a hotkey asked for.
type EventType int

const (
	// EventMicOn signals that the mic combo was activated.
	EventMicOn EventType = iota
	// EventMicOff signals that the mic combo was deactivated.
	EventMicOff
	// EventClipboard signals that the clipboard combo was pressed.
	EventClipboard
)

func (t EventType) String() string {
	switch t {
	case EventMicOn:
		return "mic-on"
	case EventMicOff:
		return "mic-off"
	case EventClipboard:
		return "clipboard"
	default:
		return "unknown"
	}
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Type EventType
}

// Listener manages the global hotkeys and emits events.
type Listener struct {
	micKeys       []string
	clipboardKeys []string
	mode          string // "hold" or "toggle"
	ch            chan Event
	done          chan struct{}
	once          sync.Once

	mu    sync.Mutex
	micOn bool
}

// NewListener creates a Listener. Keys should be lowercase key names
// (e.g., ["ctrl", "shift", "m"]). An empty clipboardKeys disables the
// clipboard combo. mode must be "hold" or "toggle".
func NewListener(micKeys, clipboardKeys []string, mode string) *Listener {
	return &Listener{
		micKeys:       micKeys,
		clipboardKeys: clipboardKeys,
		mode:          mode,
		ch:            make(chan Event, 16),
		done:          make(chan struct{}),
	}
}

// Events returns the channel that receives hotkey events.
// The channel is closed when the listener stops.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkeys.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	if len(l.micKeys) > 0 {
		hook.Register(hook.KeyDown, l.micKeys, func(hook.Event) { l.micPressed() })
		if l.mode != "toggle" {
			hook.Register(hook.KeyUp, l.micKeys, func(hook.Event) { l.micReleased() })
		}
	}
	if len(l.clipboardKeys) > 0 {
		hook.Register(hook.KeyDown, l.clipboardKeys, func(hook.Event) { l.emit(EventClipboard) })
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// micPressed handles a mic combo key-down. Key repeat while held does not
// emit again in hold mode.
func (l *Listener) micPressed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.mode == "toggle" && l.micOn:
		l.micOn = false
		l.emit(EventMicOff)
	case !l.micOn:
		l.micOn = true
		l.emit(EventMicOn)
	}
}

func (l *Listener) micReleased() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.micOn {
		l.micOn = false
		l.emit(EventMicOff)
	}
}

func (l *Listener) emit(t EventType) {
	select {
	case l.ch <- Event{Type: t}:
	default: // don't block if channel is full
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
