// Package bridge implements the dispatcher that owns exactly one transport
// and an address book of device runtimes: it decodes inbound frames,
// routes them to the matching runtime, serializes outbound sends, and
// manages the transport's reconnect policy. Grounded on the teacher's
// network.Network, which plays the same role for a CANopen bus: one bus
// manager, a registry of per-node controllers keyed by id.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/idscan/controller/pkg/canframe"
	"github.com/idscan/controller/pkg/ids"
	"github.com/idscan/controller/pkg/lockout"
	"github.com/idscan/controller/pkg/transport"
)

// reconnectDelay is the fixed (non-exponential) backoff before retrying a
// failed or dropped transport connection.
const reconnectDelay = 30 * time.Second

// monitorInterval is how often the bridge polls the transport's connected
// state to notice a drop the reader/writer tasks saw but didn't report
// synchronously.
const monitorInterval = time.Second

// ErrNotConnected is returned by Send when the transport is currently
// disconnected.
var ErrNotConnected = transport.ErrNotConnected

// DeviceRuntime is the contract every pkg/device family runtime satisfies:
// feed it every inbound message and let it decide whether it's relevant.
type DeviceRuntime interface {
	HandleIdsMessage(msg ids.Message)
}

// StateChange is re-exported at the bridge boundary so host adapters can
// depend on this package alone for the notification shape; it is
// structurally identical to device.StateChange.
type StateChange struct {
	Address canframe.Address
	Channel string
	Value   any
}

// Stats holds the absorbed-error counters called for by the propagation
// policy: framing and protocol errors are counted and logged, never
// surfaced to the caller. Constructed independently of the bridge so a
// transport can be given its IncFramingError hook before the bridge that
// will own it exists.
type Stats struct {
	framingErrors  atomic.Uint64
	protocolErrors atomic.Uint64
}

// NewStats returns a zeroed counter set.
func NewStats() *Stats {
	return &Stats{}
}

// IncFramingError records one frame dropped below the IDS-CAN application
// decode this package does. The tcp transport calls it for CAN-layout
// failures only; frames pkg/cobs drops for a CRC8 mismatch or a truncated
// run are not counted.
func (s *Stats) IncFramingError() {
	s.framingErrors.Add(1)
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() (framingErrors, protocolErrors uint64) {
	return s.framingErrors.Load(), s.protocolErrors.Load()
}

// Bridge owns one transport, the device address book, and the network's
// in-motion lockout latch. Safe for concurrent use.
type Bridge struct {
	transport transport.Transport
	source    canframe.Address
	logger    *slog.Logger
	verbose   bool

	devicesMu sync.RWMutex
	devices   map[canframe.Address]DeviceRuntime

	Lockout *lockout.Latch

	notify chan<- StateChange

	stats *Stats

	mu             sync.Mutex
	connected      bool
	reconnectTimer *time.Timer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a bridge bound to the given transport and source address.
// stats may be nil, in which case the bridge allocates its own; pass a
// Stats shared with the transport's onFramingError hook (see
// pkg/transport/tcp) to fold both counters into one view. notify, if
// non-nil, receives the bridge's in-motion lockout level transitions;
// device runtimes emit on their own channels, not on this one. notify is
// never closed by the bridge.
func New(tr transport.Transport, source canframe.Address, logger *slog.Logger, verbose bool, notify chan<- StateChange, stats *Stats) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}
	return &Bridge{
		transport: tr,
		source:    source,
		logger:    logger.With("service", "[bridge]", "source", source),
		verbose:   verbose,
		devices:   make(map[canframe.Address]DeviceRuntime),
		Lockout:   lockout.New(),
		notify:    notify,
		stats:     stats,
	}
}

// RegisterDevice adds addr to the address book. Per the shared-state
// discipline, this happens only at bridge setup; the address book is
// lock-guarded, so registering after Start is also safe.
func (b *Bridge) RegisterDevice(addr canframe.Address, rt DeviceRuntime) {
	b.devicesMu.Lock()
	defer b.devicesMu.Unlock()
	b.devices[addr] = rt
}

// Source returns the controller's own bus address.
func (b *Bridge) Source() canframe.Address {
	return b.source
}

// Stats returns the bridge's absorbed-error counters.
func (b *Bridge) Stats() *Stats {
	return b.stats
}

// Start connects the transport and starts the connection monitor and
// the lockout latch's de-escalation timer. A
// failed initial connect is not an error: it schedules the same 30 s
// reconnect a later drop would, and Start returns nil regardless.
func (b *Bridge) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.attemptConnect()

	b.wg.Add(2)
	go b.monitor(ctx)
	go func() {
		defer b.wg.Done()
		b.Lockout.Run(ctx)
	}()
	return nil
}

// Close tears down every registered device runtime, then the transport
// and all bridge-owned background tasks.
func (b *Bridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	if b.reconnectTimer != nil {
		b.reconnectTimer.Stop()
		b.reconnectTimer = nil
	}
	b.mu.Unlock()

	b.devicesMu.RLock()
	runtimes := make([]DeviceRuntime, 0, len(b.devices))
	for _, rt := range b.devices {
		runtimes = append(runtimes, rt)
	}
	b.devicesMu.RUnlock()
	for _, rt := range runtimes {
		if c, ok := rt.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}

	b.wg.Wait()
	return b.transport.Close()
}

// IsConnected reports the transport's current link state.
func (b *Bridge) IsConnected() bool {
	return b.transport.IsConnected()
}

// Send encodes msg and hands it to the transport. Rejects fast when
// disconnected, per the outbound contract in §4.9.
func (b *Bridge) Send(msg ids.Message) error {
	frame, err := msg.Frame()
	if err != nil {
		return err
	}
	if b.verbose && msg.Type != ids.TextConsole {
		b.logger.Info("tx", "type", msg.Type, "target", msg.Target, "messageData", msg.MessageData)
	}
	return b.transport.Send(frame)
}

// attemptConnect makes one connection attempt; on failure it schedules a
// reconnect instead of returning the error to the caller, since Start
// never blocks waiting for the initial link.
func (b *Bridge) attemptConnect() {
	if err := b.transport.Connect(b.handleFrame); err != nil {
		b.logger.Warn("connect failed, will retry", "err", err, "retry_in", reconnectDelay)
		b.scheduleReconnect()
		return
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.cancelReconnect()
	b.logger.Info("bridge online")
}

func (b *Bridge) scheduleReconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reconnectTimer != nil {
		return
	}
	b.reconnectTimer = time.AfterFunc(reconnectDelay, func() {
		b.mu.Lock()
		b.reconnectTimer = nil
		b.mu.Unlock()
		b.attemptConnect()
	})
}

func (b *Bridge) cancelReconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reconnectTimer != nil {
		b.reconnectTimer.Stop()
		b.reconnectTimer = nil
	}
}

// monitor notices a link drop the reader/writer goroutines saw on their
// own and schedules the reconnect the spec's reconnect policy requires;
// the transport itself only flips a flag, it doesn't call back out.
func (b *Bridge) monitor(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			wasConnected := b.connected
			nowConnected := b.transport.IsConnected()
			b.connected = nowConnected
			b.mu.Unlock()

			if wasConnected && !nowConnected {
				b.logger.Warn("bridge offline", "retry_in", reconnectDelay)
				b.scheduleReconnect()
			}
		}
	}
}

// emitLockoutChange publishes a lockout level transition on notify, if a
// host adapter is listening. Never blocks: a full channel drops the
// update, same discipline as device.base.emit.
func (b *Bridge) emitLockoutChange(observedFrom canframe.Address, level uint8) {
	if b.notify == nil {
		return
	}
	select {
	case b.notify <- StateChange{Address: observedFrom, Channel: "lockout", Value: level}:
	default:
		b.logger.Warn("lockout state change dropped, notification channel full")
	}
}

// handleFrame is the transport sink: decode, count and drop undecodable
// messages (protocol errors) silently, then dispatch.
func (b *Bridge) handleFrame(frame canframe.CanFrame) {
	// By the time a frame reaches here it has already survived COBS/CRC8
	// and CAN-layout decoding inside the transport (CAN-layout failures
	// are counted there as framing errors; COBS/CRC8 drops are only
	// logged by the decoder); what's left to fail here is the
	// IDS-CAN application layer itself: unknown message type or a
	// malformed P2P/broadcast field combination.
	msg, err := ids.Decode(frame)
	if err != nil {
		b.stats.protocolErrors.Add(1)
		if b.verbose {
			b.logger.Warn("dropping undecodable message", "err", err)
		}
		return
	}

	if b.verbose && msg.Type != ids.TextConsole {
		b.logger.Info("rx", "type", msg.Type, "source", msg.Source)
	}

	if msg.Type == ids.Network && len(msg.Payload) >= 1 {
		before := b.Lockout.Level()
		b.Lockout.Observe(msg.Payload[0] & 0x03)
		if after := b.Lockout.Level(); after != before {
			b.emitLockoutChange(msg.Source, after)
		}
	}

	switch msg.Type {
	case ids.DeviceStatus:
		b.devicesMu.RLock()
		rt, ok := b.devices[msg.Source]
		b.devicesMu.RUnlock()
		if ok {
			rt.HandleIdsMessage(msg)
		}
	case ids.Response:
		// A Response's source may be an intermediate relay node, not the
		// session's own target, so it cannot be routed by source; every
		// runtime sees it and the session managers filter on target.
		if msg.Target != b.source {
			return
		}
		b.devicesMu.RLock()
		runtimes := make([]DeviceRuntime, 0, len(b.devices))
		for _, rt := range b.devices {
			runtimes = append(runtimes, rt)
		}
		b.devicesMu.RUnlock()
		for _, rt := range runtimes {
			rt.HandleIdsMessage(msg)
		}
	}
}
