// Package command implements the pure payload builders for every IDS-CAN
// device family. None of these functions open a session or send anything;
// they only translate a high-level command into the bytes the wire
// protocol expects, clamping out-of-range inputs instead of panicking.
package command

import "math"

func clampByte(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func clampPercent(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return uint8(v)
}

// ScaleBrightness maps a 0..100 percentage to the 0..255 byte range the
// device firmware expects, per `floor(b*255/100)`.
func ScaleBrightness(percent int) uint8 {
	p := clampPercent(percent)
	return uint8((int(p) * 255) / 100)
}

// UnscaleBrightness reverses ScaleBrightness's rounding direction for
// status parsing: 0..255 -> 0..100 by `*100/255`.
func UnscaleBrightness(raw uint8) uint8 {
	return uint8((int(raw) * 100) / 255)
}

func u16Pair(v uint16) (hi, lo uint8) {
	return uint8(v >> 8), uint8(v)
}

// DimmerMode is the dimmable light's mode byte.
type DimmerMode uint8

const (
	DimmerOff     DimmerMode = 0
	DimmerOn      DimmerMode = 1
	DimmerBlink   DimmerMode = 2
	DimmerSwell   DimmerMode = 3
	DimmerRestore DimmerMode = 127
)

// Dimmer builds the 8-byte payload for a dimmable light command.
// brightnessPercent is 0..100; autoOffSeconds, cycleTime1Ms, cycleTime2Ms
// are sent verbatim (clamped to their byte widths).
func Dimmer(mode DimmerMode, brightnessPercent int, autoOffSeconds uint8, cycleTime1Ms, cycleTime2Ms uint16) []byte {
	c1hi, c1lo := u16Pair(cycleTime1Ms)
	c2hi, c2lo := u16Pair(cycleTime2Ms)
	return []byte{
		uint8(mode),
		ScaleBrightness(brightnessPercent),
		autoOffSeconds,
		c1hi, c1lo,
		c2hi, c2lo,
		0,
	}
}

// Latching relay type 1: single bit-packed status/command byte.
const (
	relayLatchedBit = 0x80
	relayClearFault = 0x40
	relayDisconnect = 0x02
	relayCommanded  = 0x01
)

// RelayType1 builds the 1-byte payload for a latching relay (type 1).
// OFF yields 0x80, ON yields 0x83.
func RelayType1(on, clearFault bool) []byte {
	b := byte(relayLatchedBit)
	if clearFault {
		b |= relayClearFault
	}
	if on {
		b |= relayDisconnect | relayCommanded
	}
	return []byte{b}
}

// RelayType2Command is the messageData-carried command for a type 2
// latching relay; there is no payload.
type RelayType2Command uint8

const (
	RelayType2Off RelayType2Command = 0
	RelayType2On  RelayType2Command = 1
)

// RgbMode is the RGB light's mode byte.
type RgbMode uint8

const (
	RgbOff     RgbMode = 0
	RgbOn      RgbMode = 1
	RgbBlink   RgbMode = 2
	RgbJump3   RgbMode = 4
	RgbJump7   RgbMode = 5
	RgbFade3   RgbMode = 6
	RgbFade7   RgbMode = 7
	RgbRainbow RgbMode = 8
	RgbRestore RgbMode = 127
)

// isTransitionMode reports whether mode cycles through colors on its own,
// in which case the commanded RGB triple is meaningless and zeroed.
func isTransitionMode(mode RgbMode) bool {
	switch mode {
	case RgbBlink, RgbJump3, RgbJump7, RgbFade3, RgbFade7, RgbRainbow:
		return true
	default:
		return false
	}
}

// Rgb builds the 8-byte payload for an RGB light command. In RgbBlink mode,
// onIntervalMs/offIntervalMs are sent as separate bytes (clamped to 0..255)
// and intervalMs is ignored; in every other mode intervalMs is sent as a
// single big-endian interval and onIntervalMs/offIntervalMs are ignored.
func Rgb(mode RgbMode, r, g, b uint8, autoOffSeconds uint8, intervalMs uint16, onIntervalMs, offIntervalMs int) []byte {
	if isTransitionMode(mode) {
		r, g, b = 0, 0, 0
	}

	payload := []byte{uint8(mode), r, g, b, autoOffSeconds, 0, 0, 0}
	if mode == RgbBlink {
		payload[5] = clampByte(onIntervalMs)
		payload[6] = clampByte(offIntervalMs)
	} else {
		hi, lo := u16Pair(intervalMs)
		payload[5] = hi
		payload[6] = lo
	}
	return payload
}

// H-bridge type 1: single bit-packed command byte.
const (
	hbridgeForwardBit = 0x01
	hbridgeReverseBit = 0x04
	hbridgeClearFault = 0x40
)

// HBridgeType1 builds the 1-byte payload for a type 1 H-bridge: stop is
// 0x00, forward 0x01, reverse 0x04; clearFault ORs 0x40 onto any of them.
func HBridgeType1(forward, reverse, clearFault bool) []byte {
	var b byte
	if forward {
		b |= hbridgeForwardBit
	}
	if reverse {
		b |= hbridgeReverseBit
	}
	if clearFault {
		b |= hbridgeClearFault
	}
	return []byte{b}
}

// HBridgeType2Command is the messageData-carried command for a type 2
// H-bridge; there is no payload.
type HBridgeType2Command uint8

const (
	HBridgeType2Stop          HBridgeType2Command = 0
	HBridgeType2Forward       HBridgeType2Command = 1
	HBridgeType2Reverse       HBridgeType2Command = 2
	HBridgeType2ClearDisabled HBridgeType2Command = 3
)

// HvacMode is the heating/cooling mode field of the HVAC command byte.
type HvacMode uint8

const (
	HvacOff         HvacMode = 0
	HvacHeat        HvacMode = 1
	HvacCool        HvacMode = 2
	HvacBoth        HvacMode = 3
	HvacRunSchedule HvacMode = 4
)

// HeatSource is the heat-source field of the HVAC command byte.
type HeatSource uint8

const (
	HeatSourceGas      HeatSource = 0
	HeatSourceHeatPump HeatSource = 1
	HeatSourceOther    HeatSource = 2
)

// FanMode is the fan field of the HVAC command byte.
type FanMode uint8

const (
	FanAuto FanMode = 0
	FanHigh FanMode = 1
	FanLow  FanMode = 2
)

// NormalizeHvacTrips enforces the mode-dependent relationship between the
// low and high trip temperatures before a command is sent, adjusting
// toward the boundary when possible and otherwise clamping the input.
// heating: high >= low+2. cooling: low <= high-2. both: high >= low.
func NormalizeHvacTrips(mode HvacMode, low, high uint8) (uint8, uint8) {
	l, h := int(low), int(high)
	switch mode {
	case HvacHeat:
		if h < l+2 {
			h = l + 2
			if h > 255 {
				h = 255
				l = h - 2
			}
		}
	case HvacCool:
		if l > h-2 {
			l = h - 2
			if l < 0 {
				l = 0
				h = l + 2
			}
		}
	case HvacBoth:
		if h < l {
			h = l
		}
	}
	return uint8(l), uint8(h)
}

// Hvac builds the 3-byte payload for an HVAC/climate zone command. Trip
// temperatures are normalized against mode before encoding.
func Hvac(mode HvacMode, source HeatSource, fan FanMode, lowTrip, highTrip uint8) []byte {
	lowTrip, highTrip = NormalizeHvacTrips(mode, lowTrip, highTrip)
	cmd := uint8(mode&0x7) | (uint8(source&0x3) << 4) | (uint8(fan&0x3) << 6)
	return []byte{cmd, lowTrip, highTrip}
}

// HSVToRGB converts hue in [0,360), saturation/value in [0,1] to an 0..255
// RGB triple using the standard HSV->RGB algorithm, used to translate a
// host's color-picker representation into the device's byte triple.
func HSVToRGB(h, s, v float64) (r, g, b uint8) {
	if h < 0 {
		h = math.Mod(h, 360) + 360
	}
	h = math.Mod(h, 360)
	if s < 0 {
		s = 0
	} else if s > 1 {
		s = 1
	}
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}

	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c

	var rf, gf, bf float64
	switch {
	case h < 60:
		rf, gf, bf = c, x, 0
	case h < 120:
		rf, gf, bf = x, c, 0
	case h < 180:
		rf, gf, bf = 0, c, x
	case h < 240:
		rf, gf, bf = 0, x, c
	case h < 300:
		rf, gf, bf = x, 0, c
	default:
		rf, gf, bf = c, 0, x
	}

	r = uint8(math.Round((rf + m) * 255))
	g = uint8(math.Round((gf + m) * 255))
	b = uint8(math.Round((bf + m) * 255))
	return r, g, b
}
