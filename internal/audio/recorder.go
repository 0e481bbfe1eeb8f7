// Package audio turns microphone PCM streamed from the glasses into WAV
// files and host speaker output.
package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/chaz8081/glassbridge/internal/events"
)

const bitDepth = 16

// Recorder writes 16-bit little-endian PCM frames from the glasses
// microphone into WAV files, or stores encoded frames verbatim. It is an
// events.Sink; only audio frames are used.
type Recorder struct {
	events.Nop

	dir        string
	sampleRate uint32
	channels   uint32
	// ext is set for encoded recordings.
	ext string

	mu      sync.Mutex
	file    *os.File
	enc     *wav.Encoder
	path    string
	samples int
	dropped int
}

// NewRecorder creates a recorder that writes files under dir.
func NewRecorder(dir string, sampleRate, channels uint32) *Recorder {
	return &Recorder{
		dir:        dir,
		sampleRate: sampleRate,
		channels:   channels,
	}
}

// NewEncodedRecorder creates a recorder that stores frames as they arrive
// in files named mic-<time>.<ext>, for audio that is decoded offline.
func NewEncodedRecorder(dir, ext string) *Recorder {
	return &Recorder{dir: dir, ext: ext}
}

// Start opens a new timestamped file. Frames arriving before Start or
// after Stop are dropped.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return fmt.Errorf("already recording")
	}

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("creating record dir: %w", err)
	}
	ext := ".wav"
	if r.ext != "" {
		ext = "." + r.ext
	}
	path := filepath.Join(r.dir, "mic-"+time.Now().Format("20060102-150405.000")+ext)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	r.file = f
	if r.ext == "" {
		r.enc = wav.NewEncoder(f, int(r.sampleRate), bitDepth, int(r.channels), 1)
	}
	r.path = path
	r.samples = 0
	r.dropped = 0
	return nil
}

// OnAudioFrame appends one frame to the open file.
func (r *Recorder) OnAudioFrame(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	if r.enc == nil {
		if _, err := r.file.Write(pcm); err != nil {
			r.dropFrame(err)
		}
		return
	}
	data := bytesToInts(pcm)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: int(r.channels), SampleRate: int(r.sampleRate)},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := r.enc.Write(buf); err != nil {
		r.dropFrame(err)
		return
	}
	r.samples += len(data)
}

// dropFrame counts a frame that could not be written. Only the first
// failure of a recording is logged.
func (r *Recorder) dropFrame(err error) {
	r.dropped++
	if r.dropped == 1 {
		slog.Warn("[AUDIO] failed to write frame", "path", r.path, "error", err)
	}
}

// Dropped returns how many frames of the current or last recording could
// not be written.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Stop finalises the WAV header and returns the file path and how much
// audio it holds. Encoded recordings report no duration. It returns "" if
// no recording was active.
func (r *Recorder) Stop() (string, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return "", 0, nil
	}

	var err error
	if r.enc != nil {
		err = r.enc.Close()
	}
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	path := r.path
	var d time.Duration
	if r.enc != nil {
		frames := r.samples / int(r.channels)
		d = time.Duration(frames) * time.Second / time.Duration(r.sampleRate)
	}
	if r.dropped > 0 {
		slog.Warn("[AUDIO] recording is missing frames", "path", path, "dropped", r.dropped)
	}
	r.enc, r.file, r.path = nil, nil, ""
	if err != nil {
		return "", 0, fmt.Errorf("finalising %s: %w", path, err)
	}
	return path, d, nil
}

// IsRecording returns whether a file is open.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file != nil
}

// Close stops any active recording.
func (r *Recorder) Close() error {
	_, _, err := r.Stop()
	return err
}

// bytesToInts converts little-endian int16 samples to ints. A trailing odd
// byte is ignored.
func bytesToInts(data []byte) []int {
	samples := make([]int, 0, len(data)/2)
	for i := 0; i+2 <= len(data); i += 2 {
		samples = append(samples, int(int16(binary.LittleEndian.Uint16(data[i:]))))
	}
	return samples
}
