package api

import (
	"context"
	"sync"

	"github.com/chaz8081/glassbridge/internal/events"
	"github.com/chaz8081/glassbridge/internal/glasses"
)

// fakeGlasses records calls and returns canned results.
type fakeGlasses struct {
	mu    sync.Mutex
	calls []string
	last  Command

	err      error
	battery  int
	session  string
	progress *events.UpdateProgress
	info     *glasses.DeviceInfo
}

func (f *fakeGlasses) record(name string, c Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.last = c
	return f.err
}

func (f *fakeGlasses) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGlasses) lastCommand() Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeGlasses) Variant() glasses.Variant { return glasses.VariantActiveLook }

func (f *fakeGlasses) Capabilities() glasses.Capability { return glasses.GraphicsCapable }

func (f *fakeGlasses) Aggregate() int { return 2 }

func (f *fakeGlasses) DeviceInfo() (glasses.DeviceInfo, bool) {
	if f.info == nil {
		return glasses.DeviceInfo{}, false
	}
	return *f.info, true
}

func (f *fakeGlasses) SendTextPage(_ context.Context, text string) error {
	return f.record("text", Command{Text: text})
}

func (f *fakeGlasses) SendDoubleTextPage(_ context.Context, left, right string) error {
	return f.record("double_text", Command{Left: left, Right: right})
}

func (f *fakeGlasses) SendBitmap(_ context.Context, data []byte) error {
	return f.record("bitmap", Command{Image: data})
}

func (f *fakeGlasses) Clear(context.Context) error { return f.record("clear", Command{}) }

func (f *fakeGlasses) SetBrightness(_ context.Context, percent int, auto bool) error {
	return f.record("brightness", Command{Percent: percent, Auto: auto})
}

func (f *fakeGlasses) QueryBattery(context.Context) (int, error) {
	return f.battery, f.record("battery", Command{})
}

func (f *fakeGlasses) SetMicEnabled(_ context.Context, enabled bool) error {
	return f.record("mic", Command{Enabled: enabled})
}

func (f *fakeGlasses) SendNotification(_ context.Context, n glasses.Notification) error {
	return f.record("notification", Command{Notification: &Notification{
		ID: n.ID, AppID: n.AppID, Title: n.Title, Message: n.Message,
	}})
}

func (f *fakeGlasses) StartUpdate(context.Context) (string, error) {
	if err := f.record("update", Command{}); err != nil {
		return "", err
	}
	return f.session, nil
}

func (f *fakeGlasses) CancelUpdate() { f.record("cancel_update", Command{}) }

func (f *fakeGlasses) UpdateProgress() (events.UpdateProgress, bool) {
	if f.progress == nil {
		return events.UpdateProgress{}, false
	}
	return *f.progress, true
}
