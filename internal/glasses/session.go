package glasses

import (
	"context"
	"sync"
)

// setupStep is one piece of per-connection setup.
type setupStep int

const (
	stepInit setupStep = iota
	stepDeviceInfo
	stepBattery
	stepBrightness
	stepMic
	stepWhitelist
	stepHeartbeat
	stepMicBeat
	stepSensor
	stepHome
)

// session is the lifetime of one ready connection. Setup steps run at most
// once per session, and background loops stop when it ends.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	done map[setupStep]bool
}

func newSession() *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{ctx: ctx, cancel: cancel, done: make(map[setupStep]bool)}
}

// claim reports whether step has not run yet in this session and marks it
// as run.
func (s *session) claim(step setupStep) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done[step] || s.ctx.Err() != nil {
		return false
	}
	s.done[step] = true
	return true
}

func (s *session) ran(step setupStep) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[step]
}

func (s *session) end() { s.cancel() }
