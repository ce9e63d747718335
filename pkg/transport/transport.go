// Package transport defines the link-layer abstraction the bridge drives:
// something that can connect, send a CAN frame, and deliver received
// frames to a sink. Concrete implementations live in the tcp and
// socketcan subpackages.
package transport

import (
	"errors"

	"github.com/idscan/controller/pkg/canframe"
)

// ErrNotConnected is returned by Send when the transport has no live
// connection; the bridge surfaces this as a CommandError.
var ErrNotConnected = errors.New("transport: not connected")

// ErrQueueFull is returned by Send when the outbound queue is saturated;
// per the backpressure contract, Send fails fast rather than blocking.
var ErrQueueFull = errors.New("transport: outbound queue full")

// FrameSink receives every frame the transport reads off the wire.
type FrameSink func(canframe.CanFrame)

// Transport is the link-layer contract the bridge drives. Implementations
// do not reconnect on their own; the bridge schedules reconnects by
// calling Connect again, and Connect/Close manage that lifecycle.
type Transport interface {
	// Connect establishes the underlying link and starts the reader task
	// that delivers frames to sink.
	Connect(sink FrameSink) error
	// Send queues frame for transmission. Returns ErrNotConnected or
	// ErrQueueFull rather than blocking indefinitely.
	Send(frame canframe.CanFrame) error
	// IsConnected reports the current link state.
	IsConnected() bool
	// Close tears down the link and stops all background tasks.
	Close() error
}
