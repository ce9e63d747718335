// Package socketcan implements the native Linux CAN socket transport,
// wrapping brutella/can the same way the reference socketcan bus wraps
// it: dial is a subscribe-and-publish pair against a named interface
// (e.g. "can0"), with no COBS framing or CRC8 — the kernel already
// guarantees frame-level integrity. Frames are translated to and from
// the shared canframe representation at the boundary so the bridge never
// needs to know which transport it's driving.
package socketcan

import (
	"log/slog"
	"sync"

	sockcan "github.com/brutella/can"

	"github.com/idscan/controller/pkg/canframe"
	"github.com/idscan/controller/pkg/transport"
)

// effFlag marks an extended (29-bit) identifier in the raw CAN id word,
// per the SocketCAN wire convention.
const effFlag = 0x80000000

// Client is a socketcan transport bound to a single network interface.
type Client struct {
	mu sync.Mutex

	ifname string
	logger *slog.Logger

	bus       *sockcan.Bus
	connected bool
	sink      transport.FrameSink
}

// NewClient builds a socketcan transport for the named interface (e.g.
// "can0", "vcan0").
func NewClient(ifname string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		ifname: ifname,
		logger: logger.With("service", "[socketcan]", "iface", ifname),
	}
}

// Connect opens the interface and starts brutella/can's receive loop in
// the background. It does not retry on failure; reconnect scheduling is
// the bridge's responsibility.
func (c *Client) Connect(sink transport.FrameSink) error {
	bus, err := sockcan.NewBusForInterfaceWithName(c.ifname)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.bus = bus
	c.sink = sink
	c.connected = true
	c.mu.Unlock()

	bus.Subscribe(&handler{client: c})
	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			c.logger.Warn("socketcan link down", "err", err)
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
		}
	}()

	c.logger.Info("connected")
	return nil
}

// Send publishes frame directly onto the CAN bus; no framing or CRC is
// applied since the kernel driver owns wire-level integrity.
func (c *Client) Send(frame canframe.CanFrame) error {
	c.mu.Lock()
	bus := c.bus
	connected := c.connected
	c.mu.Unlock()

	if !connected || bus == nil {
		return transport.ErrNotConnected
	}

	id := frame.Id.Value
	if frame.Id.Extended {
		id |= effFlag
	}

	var data [8]byte
	copy(data[:], frame.Data)

	return bus.Publish(sockcan.Frame{
		ID:     id,
		Length: uint8(len(frame.Data)),
		Data:   data,
	})
}

// IsConnected reports whether the interface is currently up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close disconnects the underlying bus.
func (c *Client) Close() error {
	c.mu.Lock()
	bus := c.bus
	c.connected = false
	c.mu.Unlock()

	if bus == nil {
		return nil
	}
	return bus.Disconnect()
}

// handler adapts brutella/can's Handle(Frame) callback interface to our
// FrameSink.
type handler struct {
	client *Client
}

func (h *handler) Handle(frame sockcan.Frame) {
	h.client.mu.Lock()
	sink := h.client.sink
	h.client.mu.Unlock()
	if sink == nil {
		return
	}

	extended := frame.ID&effFlag != 0
	value := frame.ID &^ effFlag

	var id canframe.CanId
	if extended {
		id = canframe.Extended(value)
	} else {
		id = canframe.Standard(uint16(value))
	}

	sink(canframe.CanFrame{Id: id, Data: append([]byte(nil), frame.Data[:frame.Length]...)})
}
