// Package tcp implements the COBS-framed TCP gateway transport: every CAN
// frame is rendered to wire bytes, CRC8'd, COBS-stuffed, and written to a
// single persistent TCP connection to an IDS CAN-to-Ethernet gateway.
package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/idscan/controller/pkg/canframe"
	"github.com/idscan/controller/pkg/cobs"
	"github.com/idscan/controller/pkg/transport"
)

// outboundQueueSize bounds the writer queue; Send fails fast once full
// rather than blocking the caller.
const outboundQueueSize = 64

const writeTimeout = 2 * time.Second

// Client is a single-connection COBS-over-TCP transport. It does not
// retry failed dials itself; reconnect scheduling is the bridge's
// responsibility (§5 "Reconnect timer"), so Connect can simply be called
// again later.
type Client struct {
	mu sync.Mutex

	addr   string
	logger *slog.Logger

	conn      net.Conn
	connected bool
	outbound  chan []byte

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// onFramingError, if set, is called once per frame that passed its
	// CRC8 check but was dropped for a bad CAN layout (the wire-level
	// counterpart of a bridge's FramingError counter). Frames the COBS
	// decoder drops for a CRC8 mismatch or a truncated run are logged by
	// pkg/cobs and do not reach this hook.
	onFramingError func()
}

// NewClient builds a TCP transport targeting ip:port. onFramingError may
// be nil; when set, it's invoked once per frame dropped on read for a bad
// CAN layout, letting the bridge keep a single counter across transports.
// COBS/CRC8 drops are not reported through it.
func NewClient(ip string, port int, logger *slog.Logger, onFramingError func()) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		addr:           fmt.Sprintf("%s:%d", ip, port),
		logger:         logger.With("service", "[tcp]", "addr", fmt.Sprintf("%s:%d", ip, port)),
		onFramingError: onFramingError,
	}
}

// Connect dials the gateway once and, on success, starts the reader and
// writer tasks. Every received frame, once it passes CRC and CAN-layout
// decoding, is handed to sink.
func (c *Client) Connect(sink transport.FrameSink) error {
	conn, err := net.DialTimeout("tcp", c.addr, 5*time.Second)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.outbound = make(chan []byte, outboundQueueSize)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop(ctx, conn, sink)
	go c.writeLoop(ctx, conn)

	c.logger.Info("connected")
	return nil
}

// Send COBS-frames and queues frame for the writer task. Fails fast if
// disconnected or if the outbound queue is saturated.
func (c *Client) Send(frame canframe.CanFrame) error {
	c.mu.Lock()
	connected := c.connected
	out := c.outbound
	c.mu.Unlock()

	if !connected {
		return transport.ErrNotConnected
	}

	wire := canframe.Encode(frame, false)
	stuffed := cobs.Encode(wire)

	select {
	case out <- stuffed:
		return nil
	default:
		return transport.ErrQueueFull
	}
}

// IsConnected reports whether the link is currently up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close tears down the connection and both background tasks.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.connected = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn, sink transport.FrameSink) {
	defer c.wg.Done()

	decoder := cobs.NewDecoder(func(payload []byte) {
		frame, _, err := canframe.Decode(payload)
		if err != nil {
			c.logger.Warn("dropping frame with bad layout", "err", err)
			if c.onFramingError != nil {
				c.onFramingError()
			}
			return
		}
		if sink != nil {
			sink(frame)
		}
	})

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			decoder.Write(buf[:n])
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			c.logger.Warn("read failed, link down", "err", err)
			c.markDisconnected()
			return
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, conn net.Conn) {
	defer c.wg.Done()

	c.mu.Lock()
	out := c.outbound
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case stuffed := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := conn.Write(stuffed); err != nil {
				c.logger.Warn("write failed, link down", "err", err)
				c.markDisconnected()
				return
			}
		}
	}
}
