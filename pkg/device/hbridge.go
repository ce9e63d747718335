package device

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/idscan/controller/pkg/canframe"
	"github.com/idscan/controller/pkg/command"
	"github.com/idscan/controller/pkg/ids"
	"github.com/idscan/controller/pkg/lockout"
	"github.com/idscan/controller/pkg/session"
)

const (
	hbridgeSessionDeadline = 5 * time.Second
	hbridgeCommandTimeout  = 2 * time.Second
	hbridgeRepeatInterval  = 500 * time.Millisecond
	hbridgeAutoStopGuard   = 200 * time.Millisecond
)

// HBridgeDirection is the commanded direction of a momentary motor.
type HBridgeDirection int

const (
	HBridgeStop HBridgeDirection = iota
	HBridgeForward
	HBridgeReverse
)

// HBridgeKind distinguishes the two H-bridge hardware generations.
type HBridgeKind int

const (
	HBridgeKindType1 HBridgeKind = iota
	HBridgeKindType2
)

// HBridgeState is the mutable status cache for a momentary H-bridge motor.
type HBridgeState struct {
	Forward  bool
	Reverse  bool
	Fault    bool
	Disabled bool
}

// HBridge is the runtime for a momentary-motor H-bridge device thing. It
// owns the direction-repeat and auto-stop guard timers in addition to the
// common base.
type HBridge struct {
	base
	kind HBridgeKind

	mu           sync.Mutex
	direction    HBridgeDirection
	repeatCancel context.CancelFunc
	repeatWg     sync.WaitGroup
	autoStop     *time.Timer

	state HBridgeState
}

// NewHBridge constructs an H-bridge runtime of the given hardware kind.
func NewHBridge(source, target canframe.Address, kind HBridgeKind, send session.SendFunc, notify chan<- StateChange, lock *lockout.Latch, logger *slog.Logger) *HBridge {
	return &HBridge{base: newBase(source, target, send, notify, lock, logger, "[hbridge]"), kind: kind}
}

// HandleCommand sets the commanded direction. FORWARD/REVERSE arm the 500
// ms repeat loop and the 200 ms auto-stop guard; STOP cancels both and
// sends a single STOP frame. H-bridge motion commands are hazardous and
// are blocked while the in-motion lockout latch is at level >= 2.
func (h *HBridge) HandleCommand(dir HBridgeDirection) error {
	if dir != HBridgeStop && h.lock != nil && h.lock.BlocksHazardous() {
		return ErrLockedOut
	}

	h.mu.Lock()
	h.direction = dir
	h.mu.Unlock()

	if dir == HBridgeStop {
		h.cancelRepeat()
		h.cancelAutoStop()
		return h.sendOnce(HBridgeStop)
	}

	if err := h.sendOnce(dir); err != nil {
		return err
	}
	h.armAutoStop()

	h.mu.Lock()
	repeaterRunning := h.repeatCancel != nil
	h.mu.Unlock()
	if !repeaterRunning {
		h.startRepeat()
	}
	return nil
}

func (h *HBridge) sendOnce(dir HBridgeDirection) error {
	var payload []byte
	var md uint8
	if h.kind == HBridgeKindType1 {
		payload = command.HBridgeType1(dir == HBridgeForward, dir == HBridgeReverse, false)
	} else {
		switch dir {
		case HBridgeForward:
			md = uint8(command.HBridgeType2Forward)
		case HBridgeReverse:
			md = uint8(command.HBridgeType2Reverse)
		default:
			md = uint8(command.HBridgeType2Stop)
		}
	}

	if err := h.ensureSession(h.target, hbridgeSessionDeadline); err != nil {
		return err
	}
	msg, err := ids.NewP2P(ids.Command, h.source, h.target, md, payload)
	if err != nil {
		return err
	}
	if err := h.send(msg); err != nil {
		return err
	}
	h.armCommandTimeout(hbridgeCommandTimeout)
	return nil
}

// startRepeat (re)starts the 500 ms repeater, cancelling any prior one.
func (h *HBridge) startRepeat() {
	h.cancelRepeat()

	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.repeatCancel = cancel
	h.mu.Unlock()

	h.repeatWg.Add(1)
	go func() {
		defer h.repeatWg.Done()
		ticker := time.NewTicker(hbridgeRepeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.mu.Lock()
				dir := h.direction
				h.mu.Unlock()
				if dir == HBridgeStop {
					return
				}
				if err := h.sendOnce(dir); err != nil {
					h.logger.Warn("h-bridge repeat send failed", "err", err)
				}
			}
		}
	}()
}

func (h *HBridge) cancelRepeat() {
	h.mu.Lock()
	cancel := h.repeatCancel
	h.repeatCancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.repeatWg.Wait()
}

// armAutoStop (re)arms the 200 ms guard that auto-stops the motor if no
// follow-up direction command arrives in time.
func (h *HBridge) armAutoStop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.autoStop != nil {
		h.autoStop.Stop()
	}
	h.autoStop = time.AfterFunc(hbridgeAutoStopGuard, func() {
		h.mu.Lock()
		stillActive := h.direction != HBridgeStop
		h.mu.Unlock()
		if stillActive {
			if err := h.HandleCommand(HBridgeStop); err != nil {
				h.logger.Warn("h-bridge auto-stop failed", "err", err)
			}
		}
	})
}

func (h *HBridge) cancelAutoStop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.autoStop != nil {
		h.autoStop.Stop()
		h.autoStop = nil
	}
}

// Close stops the repeat and auto-stop timers before the common runtime
// teardown.
func (h *HBridge) Close() error {
	h.mu.Lock()
	h.direction = HBridgeStop
	h.mu.Unlock()
	h.cancelRepeat()
	h.cancelAutoStop()
	return h.base.Close()
}

// HandleIdsMessage routes a Response to the session manager, or parses a
// DeviceStatus from our target into the H-bridge status cache.
func (h *HBridge) HandleIdsMessage(msg ids.Message) {
	if h.routeResponse(msg) {
		return
	}
	if msg.Type != ids.DeviceStatus || msg.Source != h.target {
		return
	}
	if len(msg.Payload) < 1 {
		return
	}
	b := msg.Payload[0]

	h.base.mu.Lock()
	st := h.state
	st.Forward = b&0x01 != 0
	st.Reverse = b&0x04 != 0
	st.Fault = b&0x40 != 0
	h.state = st
	h.base.mu.Unlock()

	h.emit("forward", st.Forward)
	h.emit("reverse", st.Reverse)
}

// State returns a copy of the current status cache.
func (h *HBridge) State() HBridgeState {
	h.base.mu.Lock()
	defer h.base.mu.Unlock()
	return h.state
}
