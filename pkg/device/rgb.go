package device

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/idscan/controller/pkg/canframe"
	"github.com/idscan/controller/pkg/command"
	"github.com/idscan/controller/pkg/ids"
	"github.com/idscan/controller/pkg/lockout"
	"github.com/idscan/controller/pkg/session"
)

const (
	rgbSessionDeadline = 5 * time.Second
	rgbCommandTimeout  = 5 * time.Second
)

// RgbState is the mutable status cache for an RGB light.
type RgbState struct {
	Mode           command.RgbMode
	R, G, B        uint8
	AutoOffSeconds uint8
	IntervalMs     uint16
	OnIntervalMs   uint8
	OffIntervalMs  uint8
}

// Rgb is the runtime for an RGB light device thing.
type Rgb struct {
	base
	state RgbState
}

// NewRgb constructs an RGB light runtime for target, addressed from source.
func NewRgb(source, target canframe.Address, send session.SendFunc, notify chan<- StateChange, lock *lockout.Latch, logger *slog.Logger) *Rgb {
	return &Rgb{base: newBase(source, target, send, notify, lock, logger, "[rgb]")}
}

// HandleCommand translates a high-level RGB command and sends it. Hue is
// in [0,360), saturation/value in [0,1]; they're converted with
// command.HSVToRGB before encoding.
func (x *Rgb) HandleCommand(mode command.RgbMode, hue, saturation, value float64, autoOffSeconds uint8, intervalMs uint16, onIntervalMs, offIntervalMs int) error {
	r, g, b := command.HSVToRGB(hue, saturation, value)
	payload := command.Rgb(mode, r, g, b, autoOffSeconds, intervalMs, onIntervalMs, offIntervalMs)
	return x.sendCommand(payload, rgbSessionDeadline, rgbCommandTimeout)
}

// HandleIdsMessage routes a Response to the session manager, or parses a
// DeviceStatus from our target into the RGB status cache.
func (x *Rgb) HandleIdsMessage(msg ids.Message) {
	if x.routeResponse(msg) {
		return
	}
	if msg.Type != ids.DeviceStatus || msg.Source != x.target {
		return
	}
	x.parseStatus(msg.Payload)
}

func rgbModeFromByte(b byte) command.RgbMode {
	switch command.RgbMode(b) {
	case command.RgbOn, command.RgbBlink, command.RgbJump3, command.RgbJump7,
		command.RgbFade3, command.RgbFade7, command.RgbRainbow:
		return command.RgbMode(b)
	default:
		return command.RgbOff
	}
}

func (x *Rgb) parseStatus(payload []byte) {
	if len(payload) < 1 {
		return
	}

	mode := rgbModeFromByte(payload[0])

	x.base.mu.Lock()
	st := x.state
	st.Mode = mode
	if len(payload) >= 4 {
		st.R, st.G, st.B = payload[1], payload[2], payload[3]
	}
	if len(payload) >= 5 {
		st.AutoOffSeconds = payload[4]
	}
	if len(payload) >= 7 {
		if mode == command.RgbBlink {
			st.OnIntervalMs = payload[5]
			st.OffIntervalMs = payload[6]
		} else {
			st.IntervalMs = binary.BigEndian.Uint16(payload[5:7])
		}
	}
	x.state = st
	x.base.mu.Unlock()

	x.emit("mode", mode)
	// Only surface color updates in steady (on/off) modes; transition
	// modes cycle the color on their own and would spam observers.
	if mode == command.RgbOn || mode == command.RgbOff {
		x.emit("color", [3]uint8{st.R, st.G, st.B})
	}
}

// State returns a copy of the current status cache.
func (x *Rgb) State() RgbState {
	x.base.mu.Lock()
	defer x.base.mu.Unlock()
	return x.state
}
