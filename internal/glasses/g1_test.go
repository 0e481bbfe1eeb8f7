package glasses

import (
	"bytes"
	"context"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/glassbridge/internal/ble"
	"github.com/chaz8081/glassbridge/internal/events"
)

const (
	leftMAC  = "AA:00:00:00:00:01"
	rightMAC = "AA:00:00:00:00:02"
)

// newTestG1 connects a G1 pair and waits until setup has drawn the home
// screen on both arms.
func newTestG1(t *testing.T, mutate func(o *Options)) (*Glasses, *fakeAdapter, *recSink) {
	t.Helper()
	a := newFakeAdapter(
		ble.Device{Name: "Even G1_42_L_1A2B", MAC: leftMAC},
		ble.Device{Name: "Even G1_42_R_3C4D", MAC: rightMAC},
		ble.Device{Name: "Even G1_7_R_9999", MAC: "AA:00:00:00:00:09"},
	)
	sink := &recSink{}
	timing := fastTiming()
	timing.ReconnectBase = time.Hour
	timing.ReconnectMax = time.Hour
	opts := Options{
		Variant:           VariantG1,
		Adapter:           a,
		Sink:              sink,
		PairingID:         "42",
		Link:              timing,
		AggregateDebounce: -1,
		HeartbeatDelay:    time.Hour,
		MicBeatDelay:      time.Hour,
		Brightness:        50,
	}
	if mutate != nil {
		mutate(&opts)
	}
	g, err := New(opts)
	require.NoError(t, err)

	g.Connect(t.Context())
	t.Cleanup(g.Disconnect)

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	require.NoError(t, g.WaitReady(ctx))

	eventually(t, func() bool {
		for _, w := range a.log.writes(rightMAC, g1Write) {
			if w[0] == 0x4E {
				return true
			}
		}
		return false
	}, "home screen")
	return g, a, sink
}

// commandBytes returns the first byte of every write with consecutive
// repeats collapsed.
func commandBytes(writes [][]byte) []byte {
	var out []byte
	for _, w := range writes {
		if len(out) > 0 && out[len(out)-1] == w[0] {
			continue
		}
		out = append(out, w[0])
	}
	return out
}

func TestG1SetupSequence(t *testing.T) {
	_, a, _ := newTestG1(t, nil)

	left := commandBytes(a.log.writes(leftMAC, g1Write))
	right := commandBytes(a.log.writes(rightMAC, g1Write))

	// init, battery, brightness, (mic), whitelist, home text
	assert.Equal(t, []byte{0x6E, 0x4D, 0x27, 0x03, 0x2C, 0x01, 0x04, 0x4E}, left)
	assert.Equal(t, []byte{0x6E, 0x4D, 0x27, 0x03, 0x2C, 0x01, 0x0E, 0x04, 0x4E}, right)
}

func TestG1ScansOnlyThePairingID(t *testing.T) {
	g, a, _ := newTestG1(t, nil)

	assert.Equal(t, rightMAC, g.Link(ble.RoleRight).Device().MAC)
	assert.Nil(t, a.conn("AA:00:00:00:00:09"))
}

func TestG1TextPageGoesLeftThenRight(t *testing.T) {
	g, a, _ := newTestG1(t, nil)
	before := len(a.log.all())

	require.NoError(t, g.SendTextPage(t.Context(), "hello"))

	var sent []wireEntry
	for _, e := range a.log.all()[before:] {
		if e.uuid == g1Write {
			sent = append(sent, e)
		}
	}
	require.Len(t, sent, 2)
	assert.Equal(t, leftMAC, sent[0].mac)
	assert.Equal(t, rightMAC, sent[1].mac)
	assert.Equal(t, sent[0].data, sent[1].data)
	assert.Equal(t, byte(0x4E), sent[0].data[0])
	assert.True(t, bytes.HasSuffix(sent[0].data, []byte("     hello\n")))
}

func TestG1TextSequenceAdvances(t *testing.T) {
	g, a, _ := newTestG1(t, nil)
	before := len(a.log.writes(leftMAC, g1Write))

	require.NoError(t, g.SendTextPage(t.Context(), "one"))
	require.NoError(t, g.SendTextPage(t.Context(), "two"))

	writes := a.log.writes(leftMAC, g1Write)[before:]
	require.Len(t, writes, 2)
	assert.Equal(t, writes[0][1]+1, writes[1][1])
}

func TestG1BatteryReportsLowerArm(t *testing.T) {
	_, a, sink := newTestG1(t, nil)

	a.conn(leftMAC).char(g1Notify).notify([]byte{0x2C, 0x66, 80})
	assert.Empty(t, sink.batteryLevels())

	a.conn(rightMAC).char(g1Notify).notify([]byte{0x2C, 0x66, 35})
	assert.Equal(t, []int{35}, sink.batteryLevels())
}

func TestG1AudioFromRightArmOnly(t *testing.T) {
	_, a, sink := newTestG1(t, nil)
	block := bytes.Repeat([]byte{0xAB}, 200)
	packet := append([]byte{0xF1, 0x07}, block...)

	a.conn(leftMAC).char(g1Notify).notify(packet)
	assert.Empty(t, sink.audioFrames())

	a.conn(rightMAC).char(g1Notify).notify(packet)
	require.Len(t, sink.audioFrames(), 1)
	assert.Equal(t, block, sink.audioFrames()[0])
}

func TestG1AudioDecoderErrorDropsBlock(t *testing.T) {
	_, a, sink := newTestG1(t, func(o *Options) {
		o.Decoder = DecoderFunc(func([]byte) ([]byte, error) { return nil, assert.AnError })
	})
	packet := append([]byte{0xF1, 0x00}, make([]byte, 200)...)

	a.conn(rightMAC).char(g1Notify).notify(packet)
	assert.Empty(t, sink.audioFrames())
}

func TestG1HeadGestures(t *testing.T) {
	_, a, sink := newTestG1(t, nil)

	a.conn(rightMAC).char(g1Notify).notify([]byte{0xF5, 0x02})
	a.conn(rightMAC).char(g1Notify).notify([]byte{0xF5, 0x03})
	a.conn(leftMAC).char(g1Notify).notify([]byte{0xF5, 0x02})

	assert.Equal(t, []events.Gesture{events.GestureHeadUp, events.GestureHeadDown}, sink.gestureEvents())
}

func TestG1MicTargetsRightArm(t *testing.T) {
	g, a, _ := newTestG1(t, nil)

	require.NoError(t, g.SetMicEnabled(t.Context(), true))

	right := a.log.writes(rightMAC, g1Write)
	assert.Equal(t, []byte{0x0E, 0x01}, right[len(right)-1])
	for _, w := range a.log.writes(leftMAC, g1Write) {
		assert.NotEqual(t, byte(0x0E), w[0])
	}
}

func TestG1QueryBattery(t *testing.T) {
	g, a, _ := newTestG1(t, nil)
	a.conn(rightMAC).char(g1Write).setOnWrite(func(data []byte) {
		if data[0] == 0x2C {
			go func() {
				a.conn(leftMAC).char(g1Notify).notify([]byte{0x2C, 0x66, 60})
				a.conn(rightMAC).char(g1Notify).notify([]byte{0x2C, 0x66, 70})
			}()
		}
	})

	level, err := g.QueryBattery(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 60, level)
}

func TestG1SendBitmap(t *testing.T) {
	g, a, _ := newTestG1(t, nil)
	before := len(a.log.writes(leftMAC, g1Write))

	require.NoError(t, g.SendBitmap(t.Context(), Encode1BitBMP(corner(BitmapWidth, BitmapHeight))))

	writes := a.log.writes(leftMAC, g1Write)[before:]
	cmds := commandBytes(writes)
	assert.Equal(t, []byte{0x15, 0x20, 0x16}, cmds)
	assert.Equal(t, []byte{0x15, 0x00, 0x00, 0x1c, 0x00, 0x00}, writes[0][:6])
}

func TestG1SendBitmapTooLarge(t *testing.T) {
	g, _, _ := newTestG1(t, nil)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, corner(BitmapWidth+1, 10)))

	assert.ErrorIs(t, g.SendBitmap(t.Context(), buf.Bytes()), ErrImageTooLarge)
}

func TestG1UpdateUnsupported(t *testing.T) {
	g, _, _ := newTestG1(t, nil)

	_, err := g.StartUpdate(t.Context())
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.True(t, g.Capabilities().Has(TextOnly|AudioCapable))
	assert.False(t, g.Capabilities().Has(GraphicsCapable))
}

func TestG1ArmDownIsPartial(t *testing.T) {
	g, a, _ := newTestG1(t, nil)

	a.conn(rightMAC).drop()
	eventually(t, func() bool { return g.Aggregate() == ble.AggregatePartial }, "partial aggregate")

	err := g.SendTextPage(t.Context(), "x")
	assert.ErrorIs(t, err, ble.ErrNotReady)
}

func TestNewRejectsUnknownVariant(t *testing.T) {
	_, err := New(Options{Variant: "hud", Adapter: newFakeAdapter()})
	assert.Error(t, err)

	_, err = New(Options{Variant: VariantG1})
	assert.Error(t, err)
}

func TestEmitsPCM(t *testing.T) {
	assert.False(t, EmitsPCM(nil))
	assert.False(t, EmitsPCM(RawDecoder{}))
	assert.True(t, EmitsPCM(DecoderFunc(func(b []byte) ([]byte, error) { return b, nil })))
}
