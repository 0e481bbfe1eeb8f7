package audio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
)

func TestRecorderNotRecordingByDefault(t *testing.T) {
	r := NewRecorder(t.TempDir(), 16000, 1)
	if r.IsRecording() {
		t.Error("IsRecording() should be false after creation")
	}
}

func TestStopWithoutStart(t *testing.T) {
	r := NewRecorder(t.TempDir(), 16000, 1)

	path, d, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if path != "" || d != 0 {
		t.Errorf("Stop() without Start() = (%q, %v), want empty", path, d)
	}
}

func TestFramesBeforeStartAreDropped(t *testing.T) {
	r := NewRecorder(t.TempDir(), 16000, 1)
	r.OnAudioFrame([]byte{1, 0, 2, 0})

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	path, d, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if d != 0 {
		t.Errorf("duration = %v, want 0", d)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Stat(%q) error = %v", path, err)
	}
}

func TestRecorderWritesWAV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	r := NewRecorder(dir, 8000, 1)

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Start(); err == nil {
		t.Error("second Start() should fail while recording")
	}

	// 800 samples = 100ms at 8kHz, sent as two frames.
	frame := make([]byte, 800)
	for i := 0; i < len(frame); i += 2 {
		frame[i], frame[i+1] = 0x10, 0x00
	}
	r.OnAudioFrame(frame)
	r.OnAudioFrame(frame)

	path, d, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("path = %q, want it under %q", path, dir)
	}
	if d != 100*time.Millisecond {
		t.Errorf("duration = %v, want 100ms", d)
	}
	if r.IsRecording() {
		t.Error("IsRecording() should be false after Stop()")
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatal("written file is not a valid WAV")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("FullPCMBuffer() error = %v", err)
	}
	if dec.SampleRate != 8000 {
		t.Errorf("SampleRate = %d, want 8000", dec.SampleRate)
	}
	if dec.BitDepth != 16 {
		t.Errorf("BitDepth = %d, want 16", dec.BitDepth)
	}
	if len(buf.Data) != 800 {
		t.Fatalf("len(Data) = %d, want 800", len(buf.Data))
	}
	if buf.Data[0] != 16 {
		t.Errorf("Data[0] = %d, want 16", buf.Data[0])
	}
}

func TestBytesToInts(t *testing.T) {
	// 1, -1, 32767 and -32768 as little-endian int16, plus a stray byte.
	data := []byte{0x01, 0x00, 0xFF, 0xFF, 0xFF, 0x7F, 0x00, 0x80, 0x42}
	samples := bytesToInts(data)

	want := []int{1, -1, 32767, -32768}
	if len(samples) != len(want) {
		t.Fatalf("bytesToInts() returned %d samples, want %d", len(samples), len(want))
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("samples[%d] = %d, want %d", i, samples[i], want[i])
		}
	}
}

func TestEncodedRecorderStoresFramesVerbatim(t *testing.T) {
	dir := t.TempDir()
	r := NewEncodedRecorder(dir, "lc3")
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	r.OnAudioFrame([]byte{0xA1, 0xA2, 0xA3})
	r.OnAudioFrame([]byte{0xB1})

	path, d, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if filepath.Ext(path) != ".lc3" {
		t.Errorf("path = %q, want .lc3 extension", path)
	}
	if d != 0 {
		t.Errorf("duration = %v, want 0 for encoded audio", d)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "\xA1\xA2\xA3\xB1" {
		t.Errorf("file = % x, want a1 a2 a3 b1", got)
	}
}

func TestRecorderCountsFailedWrites(t *testing.T) {
	r := NewEncodedRecorder(t.TempDir(), "lc3")
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	r.file.Close()

	r.OnAudioFrame([]byte{1, 2})
	r.OnAudioFrame([]byte{3, 4})
	if got := r.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
	if _, _, err := r.Stop(); err == nil {
		t.Error("Stop() on a closed file should fail")
	}

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Close()
	if got := r.Dropped(); got != 0 {
		t.Errorf("Dropped() after restart = %d, want 0", got)
	}
}
