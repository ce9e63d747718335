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
	relaySessionDeadline = 5 * time.Second
	relayCommandTimeout  = 5 * time.Second
)

// RelayKind distinguishes the two latching relay hardware generations,
// disambiguated by device type (3 vs 30) at construction time.
type RelayKind int

const (
	RelayKindType1 RelayKind = iota
	RelayKindType2
)

// RelayState is the mutable status cache for a latching relay. Fault (type
// 1) or the type 2 fields are populated depending on the relay's kind.
type RelayState struct {
	On bool

	// Type 1 only.
	Fault bool

	// Type 2 only.
	OutputUnknown  bool
	OutputDisabled bool
	Position       uint8
	PositionKnown  bool
	CurrentDrawA   float64
	CurrentKnown   bool
	DtcId          uint16
}

// Faulted reports the family-spanning fault condition: type 1's bit6, or
// type 2's outputDisabled-AND-dtc-nonzero rule.
func (s RelayState) Faulted() bool {
	if s.DtcId != 0 && s.OutputDisabled {
		return true
	}
	return s.Fault
}

// Relay is the runtime for a latching relay device thing, either
// hardware generation.
type Relay struct {
	base
	kind  RelayKind
	state RelayState
}

// NewRelay constructs a latching relay runtime of the given hardware kind.
func NewRelay(source, target canframe.Address, kind RelayKind, send session.SendFunc, notify chan<- StateChange, lock *lockout.Latch, logger *slog.Logger) *Relay {
	return &Relay{base: newBase(source, target, send, notify, lock, logger, "[relay]"), kind: kind}
}

// HandleCommand sends an on/off command appropriate to the relay's
// hardware kind. clearFault only applies to type 1.
func (r *Relay) HandleCommand(on, clearFault bool) error {
	if r.kind == RelayKindType1 {
		payload := command.RelayType1(on, clearFault)
		return r.sendCommand(payload, relaySessionDeadline, relayCommandTimeout)
	}

	cmd := command.RelayType2Off
	if on {
		cmd = command.RelayType2On
	}
	return r.sendType2Command(cmd)
}

// sendType2Command sends a type 2 relay's messageData-carried command;
// type 2 relays carry no payload, so this bypasses command.RelayType1.
func (r *Relay) sendType2Command(cmd command.RelayType2Command) error {
	if err := r.ensureSession(r.target, relaySessionDeadline); err != nil {
		return err
	}
	msg, err := ids.NewP2P(ids.Command, r.source, r.target, uint8(cmd), nil)
	if err != nil {
		return err
	}
	if err := r.send(msg); err != nil {
		return err
	}
	r.armCommandTimeout(relayCommandTimeout)
	return nil
}

// HandleIdsMessage routes a Response to the session manager, or parses a
// DeviceStatus from our target into the relay status cache.
func (r *Relay) HandleIdsMessage(msg ids.Message) {
	if r.routeResponse(msg) {
		return
	}
	if msg.Type != ids.DeviceStatus || msg.Source != r.target {
		return
	}
	if r.kind == RelayKindType1 {
		r.parseType1Status(msg.Payload)
	} else {
		r.parseType2Status(msg.Payload)
	}
}

func (r *Relay) parseType1Status(payload []byte) {
	if len(payload) < 1 {
		return
	}
	b := payload[0]

	r.base.mu.Lock()
	st := r.state
	st.On = b&0x01 != 0
	st.Fault = b&0x40 != 0
	r.state = st
	r.base.mu.Unlock()

	r.emit("on", st.On)
}

func (r *Relay) parseType2Status(payload []byte) {
	if len(payload) < 6 {
		return
	}

	raw := payload[0] & 0x0F
	disabled := payload[0]&0x20 != 0
	position := payload[1]
	draw := binary.BigEndian.Uint16(payload[2:4])
	dtc := binary.BigEndian.Uint16(payload[4:6])

	r.base.mu.Lock()
	st := r.state
	switch raw {
	case 0:
		st.On = false
		st.OutputUnknown = false
	case 1:
		st.On = true
		st.OutputUnknown = false
	default:
		st.OutputUnknown = true
	}
	st.OutputDisabled = disabled
	st.PositionKnown = position != 255
	if st.PositionKnown {
		st.Position = position
	}
	if draw == 0xFFFF {
		st.CurrentKnown = false
	} else {
		st.CurrentKnown = true
		st.CurrentDrawA = float64(draw) / 256.0
	}
	st.DtcId = dtc
	r.state = st
	r.base.mu.Unlock()

	r.emit("on", st.On)
	r.emit("faulted", st.Faulted())
}

// State returns a copy of the current status cache.
func (r *Relay) State() RelayState {
	r.base.mu.Lock()
	defer r.base.mu.Unlock()
	return r.state
}
