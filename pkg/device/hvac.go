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
	hvacSessionDeadline = 5 * time.Second
	hvacCommandTimeout  = 2 * time.Second
)

// ZoneStatus is the closed enum of HVAC zone status values: 0..8 for
// normal operation, 128..136 for the corresponding fail variants.
type ZoneStatus uint8

// HvacState is the mutable status cache for a climate zone.
type HvacState struct {
	Mode       command.HvacMode
	Source     command.HeatSource
	Fan        command.FanMode
	LowTrip    uint8
	HighTrip   uint8
	ZoneStatus ZoneStatus
	IndoorF    float64
	OutdoorF   float64
}

// Hvac is the runtime for a climate-zone device thing.
type Hvac struct {
	base
	state HvacState
}

// NewHvac constructs an HVAC runtime for target, addressed from source.
func NewHvac(source, target canframe.Address, send session.SendFunc, notify chan<- StateChange, lock *lockout.Latch, logger *slog.Logger) *Hvac {
	return &Hvac{base: newBase(source, target, send, notify, lock, logger, "[hvac]")}
}

// HandleCommand translates a high-level HVAC command and sends it.
// lowTrip/highTrip are normalized against mode by command.Hvac before
// encoding.
func (h *Hvac) HandleCommand(mode command.HvacMode, source command.HeatSource, fan command.FanMode, lowTrip, highTrip uint8) error {
	payload := command.Hvac(mode, source, fan, lowTrip, highTrip)
	return h.sendCommand(payload, hvacSessionDeadline, hvacCommandTimeout)
}

// HandleIdsMessage routes a Response to the session manager, or parses a
// DeviceStatus from our target into the HVAC status cache.
func (h *Hvac) HandleIdsMessage(msg ids.Message) {
	if h.routeResponse(msg) {
		return
	}
	if msg.Type != ids.DeviceStatus || msg.Source != h.target {
		return
	}
	h.parseStatus(msg.Payload)
}

// parseFixed88 interprets two big-endian bytes as a signed 8.8 fixed-point
// value, dividing the resulting i16 by 256.
func parseFixed88(hi, lo byte) float64 {
	raw := int16(binary.BigEndian.Uint16([]byte{hi, lo}))
	return float64(raw) / 256.0
}

func (h *Hvac) parseStatus(payload []byte) {
	if len(payload) < 8 {
		return
	}

	cmd := payload[0]
	mode := command.HvacMode(cmd & 0x07)
	source := command.HeatSource((cmd >> 4) & 0x03)
	fan := command.FanMode((cmd >> 6) & 0x03)
	lowTrip := payload[1]
	highTrip := payload[2]
	zoneStatus := ZoneStatus(payload[3] & 0x8F)
	indoor := parseFixed88(payload[4], payload[5])
	outdoor := parseFixed88(payload[6], payload[7])

	h.base.mu.Lock()
	h.state = HvacState{
		Mode:       mode,
		Source:     source,
		Fan:        fan,
		LowTrip:    lowTrip,
		HighTrip:   highTrip,
		ZoneStatus: zoneStatus,
		IndoorF:    indoor,
		OutdoorF:   outdoor,
	}
	h.base.mu.Unlock()

	h.emit("mode", mode)
	h.emit("indoor_f", indoor)
	h.emit("outdoor_f", outdoor)
}

// State returns a copy of the current status cache.
func (h *Hvac) State() HvacState {
	h.base.mu.Lock()
	defer h.base.mu.Unlock()
	return h.state
}
