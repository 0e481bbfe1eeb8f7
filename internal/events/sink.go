// Package events is the outward callback surface of the glasses driver.
// Drivers report decoded domain events to a Sink; hosts implement Sink or
// combine the provided ones with Multi.
package events

import (
	"log/slog"

	"github.com/chaz8081/glassbridge/internal/ble"
)

// Gesture is a head or touch gesture reported by the glasses.
type Gesture int

const (
	GestureHeadUp Gesture = iota + 1
	GestureHeadDown
	GestureTap
	GestureDoubleTap
	// GestureSwipe is a hand passing in front of the proximity sensor.
	GestureSwipe
)

func (g Gesture) String() string {
	switch g {
	case GestureHeadUp:
		return "head_up"
	case GestureHeadDown:
		return "head_down"
	case GestureTap:
		return "tap"
	case GestureDoubleTap:
		return "double_tap"
	case GestureSwipe:
		return "swipe"
	default:
		return "unknown"
	}
}

// UpdateState is a phase or outcome of a firmware update.
type UpdateState string

const (
	UpdateCheckingVersion     UpdateState = "CHECKING_VERSION"
	UpdateUpToDate            UpdateState = "UP_TO_DATE"
	UpdateDownloadingFirmware UpdateState = "DOWNLOADING_FIRMWARE"
	UpdateUpdatingFirmware    UpdateState = "UPDATING_FIRMWARE"
	UpdateRebooting           UpdateState = "REBOOTING"
	UpdateDownloadingConfig   UpdateState = "DOWNLOADING_CONFIGURATION"
	UpdateUpdatingConfig      UpdateState = "UPDATING_CONFIGURATION"
	UpdateSucceeded           UpdateState = "UPDATED"
	UpdateErrorFail           UpdateState = "ERROR_UPDATE_FAIL"
	UpdateErrorDowngrade      UpdateState = "ERROR_DOWNGRADE_FORBIDDEN"
	UpdateErrorLowBattery     UpdateState = "ERROR_UPDATE_FAIL_LOW_BATTERY"
	UpdateErrorForbidden      UpdateState = "ERROR_UPDATE_FORBIDDEN"
)

// IsError reports whether s is a terminal failure.
func (s UpdateState) IsError() bool {
	switch s {
	case UpdateErrorFail, UpdateErrorDowngrade, UpdateErrorLowBattery, UpdateErrorForbidden:
		return true
	}
	return false
}

// UpdateProgress is one progress report of an update session.
type UpdateProgress struct {
	SessionID     string      `json:"session_id" cbor:"session_id"`
	State         UpdateState `json:"state" cbor:"state"`
	Percent       float64     `json:"percent" cbor:"percent"`
	BatteryLevel  int         `json:"battery_level" cbor:"battery_level"`
	SourceVersion string      `json:"source_version,omitempty" cbor:"source_version,omitempty"`
	TargetVersion string      `json:"target_version,omitempty" cbor:"target_version,omitempty"`
}

// Sink receives driver events. Implementations must not block: callbacks run
// on link event loops and BLE notification goroutines.
type Sink interface {
	OnConnectionStateChanged(role ble.Role, state ble.State)
	OnAggregateState(n int)
	OnBatteryLevel(percent int)
	OnAudioFrame(pcm []byte)
	OnGesture(g Gesture)
	OnUpdateProgress(p UpdateProgress)
}

// Nop ignores every event. Embed it to implement part of Sink.
type Nop struct{}

func (Nop) OnConnectionStateChanged(ble.Role, ble.State) {}
func (Nop) OnAggregateState(int)                         {}
func (Nop) OnBatteryLevel(int)                           {}
func (Nop) OnAudioFrame([]byte)                          {}
func (Nop) OnGesture(Gesture)                            {}
func (Nop) OnUpdateProgress(UpdateProgress)              {}

// Multi fans every event out to each sink in order.
type Multi []Sink

func (m Multi) OnConnectionStateChanged(role ble.Role, state ble.State) {
	for _, s := range m {
		s.OnConnectionStateChanged(role, state)
	}
}

func (m Multi) OnAggregateState(n int) {
	for _, s := range m {
		s.OnAggregateState(n)
	}
}

func (m Multi) OnBatteryLevel(percent int) {
	for _, s := range m {
		s.OnBatteryLevel(percent)
	}
}

func (m Multi) OnAudioFrame(pcm []byte) {
	for _, s := range m {
		s.OnAudioFrame(pcm)
	}
}

func (m Multi) OnGesture(g Gesture) {
	for _, s := range m {
		s.OnGesture(g)
	}
}

func (m Multi) OnUpdateProgress(p UpdateProgress) {
	for _, s := range m {
		s.OnUpdateProgress(p)
	}
}

// Log writes every event to slog. Audio frames are logged at debug level.
type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l Log) OnConnectionStateChanged(role ble.Role, state ble.State) {
	l.logger().Info("[EVENTS] connection state", "role", role, "state", state)
}

func (l Log) OnAggregateState(n int) {
	l.logger().Info("[EVENTS] aggregate state", "ready", n)
}

func (l Log) OnBatteryLevel(percent int) {
	l.logger().Info("[EVENTS] battery", "percent", percent)
}

func (l Log) OnAudioFrame(pcm []byte) {
	l.logger().Debug("[EVENTS] audio frame", "bytes", len(pcm))
}

func (l Log) OnGesture(g Gesture) {
	l.logger().Info("[EVENTS] gesture", "kind", g)
}

func (l Log) OnUpdateProgress(p UpdateProgress) {
	if p.State.IsError() {
		l.logger().Warn("[EVENTS] update", "session", p.SessionID, "state", p.State, "battery", p.BatteryLevel)
		return
	}
	l.logger().Info("[EVENTS] update", "session", p.SessionID, "state", p.State,
		"percent", p.Percent, "battery", p.BatteryLevel)
}
