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
	dimmerSessionDeadline = 5 * time.Second
	dimmerCommandTimeout  = 5 * time.Second
)

// DimmerState is the mutable status cache for a dimmable light, updated
// as DeviceStatus bytes arrive so a partial update can be round-tripped
// against the last known full state.
type DimmerState struct {
	On              bool
	MaxBrightness   uint8
	DurationSeconds uint8
	BrightnessPct   uint8
	CycleTime1Ms    uint16
	CycleTime2Ms    uint16
}

// Dimmer is the runtime for a dimmable light device thing.
type Dimmer struct {
	base
	state DimmerState
}

// NewDimmer constructs a dimmer runtime for target, addressed from source.
func NewDimmer(source, target canframe.Address, send session.SendFunc, notify chan<- StateChange, lock *lockout.Latch, logger *slog.Logger) *Dimmer {
	return &Dimmer{base: newBase(source, target, send, notify, lock, logger, "[dimmer]")}
}

// HandleCommand translates a high-level dimmer command and sends it.
// mode/brightnessPercent/autoOffSeconds/cycleTime1Ms/cycleTime2Ms mirror
// the fields of command.Dimmer.
func (d *Dimmer) HandleCommand(mode command.DimmerMode, brightnessPercent int, autoOffSeconds uint8, cycleTime1Ms, cycleTime2Ms uint16) error {
	payload := command.Dimmer(mode, brightnessPercent, autoOffSeconds, cycleTime1Ms, cycleTime2Ms)
	return d.sendCommand(payload, dimmerSessionDeadline, dimmerCommandTimeout)
}

// HandleIdsMessage routes a Response to the session manager, or parses a
// DeviceStatus from our target into the dimmer status cache.
func (d *Dimmer) HandleIdsMessage(msg ids.Message) {
	if d.routeResponse(msg) {
		return
	}
	if msg.Type != ids.DeviceStatus || msg.Source != d.target {
		return
	}
	d.parseStatus(msg.Payload)
}

func (d *Dimmer) parseStatus(payload []byte) {
	if len(payload) < 1 {
		return
	}

	d.base.mu.Lock()
	st := d.state
	st.On = payload[0] > 0
	if len(payload) >= 4 {
		st.MaxBrightness = payload[1]
		st.DurationSeconds = payload[2]
		st.BrightnessPct = command.UnscaleBrightness(payload[3])
	}
	if len(payload) >= 8 {
		st.CycleTime1Ms = binary.BigEndian.Uint16(payload[4:6])
		st.CycleTime2Ms = binary.BigEndian.Uint16(payload[6:8])
	}
	d.state = st
	d.base.mu.Unlock()

	d.emit("on", st.On)
	if len(payload) >= 4 {
		d.emit("brightness", st.BrightnessPct)
	}
}

// State returns a copy of the current status cache.
func (d *Dimmer) State() DimmerState {
	d.base.mu.Lock()
	defer d.base.mu.Unlock()
	return d.state
}
