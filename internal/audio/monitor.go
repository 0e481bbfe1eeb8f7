package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/chaz8081/glassbridge/internal/events"
)

// maxBufferedSeconds caps queued playback audio at two seconds; older audio is
// discarded when the speaker falls behind.
const maxBufferedSeconds = 2

// Monitor plays microphone PCM from the glasses on the default output
// device. It is an events.Sink; only audio frames are used.
type Monitor struct {
	events.Nop

	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	sampleRate uint32
	channels   uint32

	mu  sync.Mutex
	buf []byte
}

// NewMonitor creates a monitor. Call Start to open the speaker and Close
// when done.
func NewMonitor(sampleRate, channels uint32) (*Monitor, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}

	return &Monitor{
		ctx:        ctx,
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

// Start opens the default playback device.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.device != nil {
		m.mu.Unlock()
		return fmt.Errorf("already playing")
	}
	m.mu.Unlock()

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceCfg.Playback.Format = malgo.FormatS16
	deviceCfg.Playback.Channels = m.channels
	deviceCfg.SampleRate = m.sampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: m.onData,
	}

	device, err := malgo.InitDevice(m.ctx.Context, deviceCfg, callbacks)
	if err != nil {
		return fmt.Errorf("initializing playback device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("starting playback device: %w", err)
	}

	m.mu.Lock()
	m.device = device
	m.mu.Unlock()

	return nil
}

// OnAudioFrame queues a PCM frame for playback.
func (m *Monitor) OnAudioFrame(pcm []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = append(m.buf, pcm...)
	if limit := m.bytesPerSecond() * maxBufferedSeconds; len(m.buf) > limit {
		m.buf = append(m.buf[:0], m.buf[len(m.buf)-limit:]...)
	}
}

// Buffered returns the number of PCM bytes waiting for the speaker.
func (m *Monitor) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buf)
}

// Close releases all audio resources.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	m.buf = nil
	m.mu.Unlock()

	if m.ctx != nil {
		if err := m.ctx.Uninit(); err != nil {
			return fmt.Errorf("uninitializing audio context: %w", err)
		}
		m.ctx.Free()
	}

	return nil
}

func (m *Monitor) bytesPerSecond() int {
	return int(m.sampleRate) * int(m.channels) * bitDepth / 8
}

// onData is the malgo playback callback. It fills pOutput from the queue
// and pads with silence on underrun.
func (m *Monitor) onData(pOutput, _ []byte, frameCount uint32) {
	want := int(frameCount) * int(m.channels) * bitDepth / 8
	if want > len(pOutput) {
		want = len(pOutput)
	}

	m.mu.Lock()
	n := copy(pOutput[:want], m.buf)
	m.buf = m.buf[:copy(m.buf, m.buf[n:])]
	m.mu.Unlock()

	clear(pOutput[n:want])
}
