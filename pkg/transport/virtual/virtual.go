// Package virtual implements a virtual CAN bus transport over TCP,
// primarily used for testing without gateway hardware or a kernel CAN
// interface. It needs a broker server that forwards frames to all
// connected clients; see https://github.com/windelbouwman/virtualcan for
// a compatible standalone broker. Frames travel as a 4-byte big-endian
// length prefix followed by the frame's serialized fields.
package virtual

import (
	"encoding/binary"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/idscan/controller/pkg/canframe"
	"github.com/idscan/controller/pkg/transport"
)

const readTimeout = 200 * time.Millisecond

// wireFrameSize is the size of the fixed record exchanged with the broker: the raw
// 32-bit id word (bit 31 = extended), a length, and a padded payload.
const wireFrameSize = 4 + 1 + 8

// Client is a virtual bus transport connected to a broker at addr.
type Client struct {
	mu sync.Mutex

	addr   string
	logger *slog.Logger

	conn       net.Conn
	connected  bool
	receiveOwn bool
	sink       transport.FrameSink

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewClient builds a virtual bus transport targeting a broker address,
// e.g. "localhost:18000".
func NewClient(addr string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		addr:   addr,
		logger: logger.With("service", "[virtual]", "addr", addr),
	}
}

// SetReceiveOwn makes Send loop frames straight back into the sink in
// addition to writing them to the broker, so a single client can drive
// itself in tests.
func (c *Client) SetReceiveOwn(receiveOwn bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiveOwn = receiveOwn
}

func serializeFrame(frame canframe.CanFrame) []byte {
	id := frame.Id.Value
	if frame.Id.Extended {
		id |= 0x80000000
	}

	body := make([]byte, wireFrameSize)
	binary.BigEndian.PutUint32(body, id)
	body[4] = byte(len(frame.Data))
	copy(body[5:], frame.Data)

	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	return append(out, body...)
}

func deserializeFrame(body []byte) (canframe.CanFrame, bool) {
	if len(body) != wireFrameSize {
		return canframe.CanFrame{}, false
	}
	idWord := binary.BigEndian.Uint32(body)
	length := int(body[4])
	if length > 8 {
		return canframe.CanFrame{}, false
	}

	var id canframe.CanId
	if idWord&0x80000000 != 0 {
		id = canframe.Extended(idWord)
	} else {
		id = canframe.Standard(uint16(idWord))
	}

	data := make([]byte, length)
	copy(data, body[5:5+length])
	return canframe.CanFrame{Id: id, Data: data}, true
}

// Connect dials the broker and starts the receive loop.
func (c *Client) Connect(sink transport.FrameSink) error {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			_ = conn.Close()
			return err
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.sink = sink
	c.connected = true
	c.stop = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveLoop(conn, sink)

	c.logger.Info("connected")
	return nil
}

// Send writes frame to the broker, looping it back locally first when
// receiveOwn is set.
func (c *Client) Send(frame canframe.CanFrame) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	receiveOwn := c.receiveOwn
	sink := c.sink
	c.mu.Unlock()

	if !connected || conn == nil {
		return transport.ErrNotConnected
	}
	if receiveOwn && sink != nil {
		sink(frame)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	_, err := conn.Write(serializeFrame(frame))
	if err != nil {
		c.markDisconnected()
	}
	return err
}

// IsConnected reports whether the broker link is currently up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close stops the receive loop and drops the broker connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	stop := c.stop
	c.connected = false
	c.mu.Unlock()

	if stop != nil {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) receiveLoop(conn net.Conn, sink transport.FrameSink) {
	defer c.wg.Done()

	header := make([]byte, 4)
	body := make([]byte, wireFrameSize)

	for {
		select {
		case <-c.stopChan():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if ok := c.readFull(conn, header); !ok {
			return
		}
		length := binary.BigEndian.Uint32(header)
		if int(length) != wireFrameSize {
			c.logger.Warn("unexpected frame length from broker, link down", "length", length)
			c.markDisconnected()
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if ok := c.readFull(conn, body); !ok {
			return
		}

		frame, ok := deserializeFrame(body)
		if !ok {
			continue
		}
		if sink != nil {
			sink(frame)
		}
	}
}

func (c *Client) stopChan() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop
}

// readFull reads len(buf) bytes, retrying on read timeouts so the stop
// channel is observed between attempts. Returns false once the link is
// down or the client is closing.
func (c *Client) readFull(conn net.Conn, buf []byte) bool {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			if read == 0 {
				select {
				case <-c.stopChan():
					return false
				default:
				}
			}
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			continue
		}
		select {
		case <-c.stopChan():
		default:
			c.logger.Warn("broker link down", "err", err)
			c.markDisconnected()
		}
		return false
	}
	return true
}
