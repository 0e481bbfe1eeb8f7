// Package g1 builds the commands and decodes the notifications of dual-arm
// text/audio glasses speaking over a Nordic UART service.
package g1

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chaz8081/glassbridge/internal/ble/protocol"
)

// Command bytes.
const (
	CmdBrightness byte = 0x01
	CmdHeadUp     byte = 0x0B
	CmdMic        byte = 0x0E
	CmdRestart    byte = 0x23
	CmdHeartbeat  byte = 0x25
	CmdBattery    byte = 0x2C

	// Inbound only.
	CmdEvent byte = 0xF5
)

// Response markers.
const (
	BatteryResponse byte = 0x66
	TextAccepted    byte = 0xC9

	EventHeadUp   byte = 0x02
	EventHeadDown byte = 0x03
)

// AudioBlockSize is the encoded audio carried by each 0xF1 notification.
const AudioBlockSize = 200

// audioPacketSize is the 0xF1 marker, the sequence byte and one block.
const audioPacketSize = 2 + AudioBlockSize

// MaxHeadUpAngle bounds the head-up trigger angle in degrees.
const MaxHeadUpAngle = 60

// InitCommands are sent to both arms once per session before any display
// traffic.
var InitCommands = [][]byte{
	{0x6E, 0x74},
	{0x4D, 0xFB},
	{0x27, 0x00},
	{0x03, 0x0A},
}

// Mic enables or disables the right-arm microphone.
func Mic(enabled bool) []byte {
	if enabled {
		return []byte{CmdMic, 0x01}
	}
	return []byte{CmdMic, 0x00}
}

// Brightness maps a 0..100 percentage onto the device's 0..63 range.
func Brightness(percent int, auto bool) []byte {
	percent = max(0, min(percent, 100))
	level := byte(percent * 63 / 100)
	var a byte
	if auto {
		a = 0x01
	}
	return []byte{CmdBrightness, level, a}
}

// HeadUpAngle sets the tilt that wakes the display. Values are clamped to
// 0..MaxHeadUpAngle.
func HeadUpAngle(degrees int) []byte {
	return []byte{CmdHeadUp, byte(max(0, min(degrees, MaxHeadUpAngle))), 0x01}
}

// Heartbeat keeps the link alive; seq wraps at 256.
func Heartbeat(seq byte) []byte {
	return []byte{CmdHeartbeat, 0x06, seq, 0x00, 0x04, seq}
}

func BatteryQuery() []byte { return []byte{CmdBattery, 0x01} }

func Restart() []byte { return []byte{CmdRestart, 0x72} }

// DefaultWhitelistApp is the notification source allowed by default.
var DefaultWhitelistApp = WhitelistApp{ID: "com.augment.os", Name: "AugmentOS"}

// WhitelistApp is one allowed notification source.
type WhitelistApp struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Whitelist is the notification source configuration pushed once per session.
type Whitelist struct {
	CalendarEnable bool          `json:"calendar_enable"`
	CallEnable     bool          `json:"call_enable"`
	MsgEnable      bool          `json:"msg_enable"`
	IOSMailEnable  bool          `json:"ios_mail_enable"`
	App            WhitelistApps `json:"app"`
}

type WhitelistApps struct {
	List   []WhitelistApp `json:"list"`
	Enable bool           `json:"enable"`
}

// NewWhitelist allows apps and disables the built-in sources.
func NewWhitelist(apps ...WhitelistApp) Whitelist {
	if len(apps) == 0 {
		apps = []WhitelistApp{DefaultWhitelistApp}
	}
	return Whitelist{App: WhitelistApps{List: apps, Enable: true}}
}

// Chunks encodes and fragments the whitelist.
func (w Whitelist) Chunks() ([][]byte, error) {
	body, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("g1: encode whitelist: %w", err)
	}
	return protocol.WhitelistChunks(body)
}

// Notification is a phone-style notification shown by the glasses.
type Notification struct {
	MsgID       int       `json:"msg_id"`
	AppID       string    `json:"app_identifier"`
	Title       string    `json:"title"`
	Subtitle    string    `json:"subtitle"`
	Message     string    `json:"message"`
	Time        time.Time `json:"-"`
	DisplayName string    `json:"display_name"`
}

type ncsNotification struct {
	MsgID       int    `json:"msg_id"`
	Type        int    `json:"type"`
	AppID       string `json:"app_identifier"`
	Title       string `json:"title"`
	Subtitle    string `json:"subtitle"`
	Message     string `json:"message"`
	TimeS       int64  `json:"time_s"`
	Date        string `json:"date"`
	DisplayName string `json:"display_name"`
}

type ncsEnvelope struct {
	NCS  ncsNotification `json:"ncs_notification"`
	Type string          `json:"type"`
}

// MarshalJSON renders the ncs_notification envelope the glasses expect.
func (n Notification) MarshalJSON() ([]byte, error) {
	t := n.Time
	if t.IsZero() {
		t = time.Now()
	}
	return json.Marshal(ncsEnvelope{
		NCS: ncsNotification{
			MsgID:       n.MsgID,
			Type:        1,
			AppID:       n.AppID,
			Title:       n.Title,
			Subtitle:    n.Subtitle,
			Message:     n.Message,
			TimeS:       t.Unix(),
			Date:        t.Format("2006-01-02 15:04:05"),
			DisplayName: n.DisplayName,
		},
		Type: "Add",
	})
}

// Chunks encodes and fragments the notification under notifyID.
func (n Notification) Chunks(notifyID byte) ([][]byte, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("g1: encode notification: %w", err)
	}
	return protocol.NotificationChunks(notifyID, body)
}

// Kind classifies an inbound notification.
type Kind int

const (
	KindUnknown Kind = iota
	KindAudio
	KindHeadUp
	KindHeadDown
	KindBattery
	KindHeartbeatAck
	KindTextAck
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindHeadUp:
		return "head_up"
	case KindHeadDown:
		return "head_down"
	case KindBattery:
		return "battery"
	case KindHeartbeatAck:
		return "heartbeat_ack"
	case KindTextAck:
		return "text_ack"
	default:
		return "unknown"
	}
}

// Inbound is a decoded notification.
type Inbound struct {
	Kind Kind

	// Seq and Audio are set for KindAudio. Audio aliases the packet.
	Seq   byte
	Audio []byte

	// Battery is set for KindBattery.
	Battery int

	// Accepted is set for KindTextAck.
	Accepted bool
}

// Decode classifies one notification packet. Unknown packets decode as
// KindUnknown without error.
func Decode(packet []byte) Inbound {
	if len(packet) == 0 {
		return Inbound{}
	}
	switch packet[0] {
	case protocol.AudioStart:
		if len(packet) < audioPacketSize {
			return Inbound{}
		}
		return Inbound{Kind: KindAudio, Seq: packet[1], Audio: packet[2:audioPacketSize]}
	case CmdEvent:
		if len(packet) < 2 {
			return Inbound{}
		}
		switch packet[1] {
		case EventHeadUp:
			return Inbound{Kind: KindHeadUp}
		case EventHeadDown:
			return Inbound{Kind: KindHeadDown}
		}
	case CmdBattery:
		if len(packet) >= 3 && packet[1] == BatteryResponse {
			return Inbound{Kind: KindBattery, Battery: int(packet[2])}
		}
	case CmdHeartbeat:
		return Inbound{Kind: KindHeartbeatAck}
	case protocol.CmdText:
		if len(packet) >= 2 {
			return Inbound{Kind: KindTextAck, Accepted: packet[1] == TextAccepted}
		}
	}
	return Inbound{}
}
