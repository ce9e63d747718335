package device

import (
	"log/slog"

	"github.com/idscan/controller/pkg/canframe"
	"github.com/idscan/controller/pkg/ids"
	"github.com/idscan/controller/pkg/lockout"
	"github.com/idscan/controller/pkg/session"
)

// Tank is the runtime for a read-only tank-level sensor. It has no
// command channel; HandleIdsMessage is the only entry point besides
// routing Responses for its (otherwise unused) session.
type Tank struct {
	base
	percent uint8
}

// NewTank constructs a tank sensor runtime for target, addressed from
// source.
func NewTank(source, target canframe.Address, send session.SendFunc, notify chan<- StateChange, lock *lockout.Latch, logger *slog.Logger) *Tank {
	return &Tank{base: newBase(source, target, send, notify, lock, logger, "[tank]")}
}

// HandleIdsMessage routes a Response to the session manager, or parses a
// DeviceStatus from our target into the cached level percentage.
func (t *Tank) HandleIdsMessage(msg ids.Message) {
	if t.routeResponse(msg) {
		return
	}
	if msg.Type != ids.DeviceStatus || msg.Source != t.target {
		return
	}
	if len(msg.Payload) < 1 {
		return
	}

	pct := msg.Payload[0]
	if pct > 100 {
		pct = 100
	}

	t.base.mu.Lock()
	t.percent = pct
	t.base.mu.Unlock()

	t.emit("level_pct", pct)
}

// Percent returns the last known tank level, 0..100.
func (t *Tank) Percent() uint8 {
	t.base.mu.Lock()
	defer t.base.mu.Unlock()
	return t.percent
}
