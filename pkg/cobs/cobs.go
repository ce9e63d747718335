// Package cobs implements the byte-stuffing framer used by the TCP-to-CAN
// gateway link. Every CAN frame, rendered to its wire bytes plus a
// trailing CRC8, is stuffed so that no literal zero appears inside a
// frame, then terminated by a single 0x00 delimiter.
//
// The gateway speaks a COBS variant rather than textbook COBS: a code
// byte's low six bits count the data bytes that follow it, and each
// 64-unit in the code encodes one zero byte appended after them. The
// final group additionally carries one overhead byte that the deframer
// drops when it sees the delimiter.
package cobs

import (
	log "github.com/sirupsen/logrus"

	"github.com/idscan/controller/internal/crc8"
)

// Group limits of the code-continuation scheme: a single code byte can
// describe at most 63 data bytes (low six bits) and 3 zeros (64-units).
const (
	maxGroupData  = 0x3F
	maxGroupZeros = 3
	zeroUnit      = 64
)

// Encode stuffs payload (the CAN frame's wire bytes, without CRC),
// appending its CRC8 and the trailing overhead byte the decoder drops,
// and returns the stuffed stream including its terminating 0x00
// delimiter. The returned slice is ready to write directly to the
// transport.
func Encode(payload []byte) []byte {
	body := make([]byte, 0, len(payload)+2)
	body = append(body, payload...)
	body = append(body, crc8.Byte(payload))
	// Overhead byte: decoded into the buffer, dropped by the deframer at
	// the delimiter. A zero, so it rides in the code byte's 64-units.
	body = append(body, 0x00)

	out := make([]byte, 0, len(body)+len(body)/maxGroupData+2)
	i := 0
	for i < len(body) {
		r := 0
		for r < maxGroupData && i+r < len(body) && body[i+r] != 0 {
			r++
		}
		q := 0
		for q < maxGroupZeros && i+r+q < len(body) && body[i+r+q] == 0 {
			q++
		}
		out = append(out, byte(r+q*zeroUnit))
		out = append(out, body[i:i+r]...)
		i += r + q
	}
	out = append(out, 0x00)
	return out
}

// Decoder is a byte-streaming deframer tolerant of leading and repeated
// 0x00 delimiters between frames. Feed it bytes one at a time (or via
// Write for a whole chunk) and it calls onFrame for each payload whose
// trailing CRC8 byte checks out. Frames that fail their checksum or
// arrive with a truncated run are discarded silently; the decoder never
// panics and keeps reading after a failure.
type Decoder struct {
	buf              []byte
	codeByte         int
	hasProcessedData bool
	onFrame          func(payload []byte)
}

// NewDecoder returns a Decoder that calls onFrame for every frame that
// passes its CRC8 check.
func NewDecoder(onFrame func(payload []byte)) *Decoder {
	return &Decoder{onFrame: onFrame}
}

// Write feeds a chunk of bytes read from the transport into the decoder.
func (d *Decoder) Write(chunk []byte) {
	for _, b := range chunk {
		d.WriteByte(b)
	}
}

// WriteByte feeds a single byte into the decoder's state machine.
func (d *Decoder) WriteByte(b byte) {
	if b == 0 {
		code := d.codeByte
		d.codeByte = 0
		if len(d.buf) > 0 {
			// Drop the final overhead byte.
			d.buf = d.buf[:len(d.buf)-1]
		}

		switch {
		case len(d.buf) == 0 && code == 0 && !d.hasProcessedData:
			// Leading delimiter; nothing buffered yet.
		case len(d.buf) > 0 && code == 0:
			received := d.buf[len(d.buf)-1]
			frame := d.buf[:len(d.buf)-1]
			if crc8.Byte(frame) == received {
				if d.onFrame != nil {
					cp := make([]byte, len(frame))
					copy(cp, frame)
					d.onFrame(cp)
				}
			} else {
				log.Debugf("[COBS] crc mismatch, dropping %v byte frame", len(frame))
			}
		case code != 0:
			// Truncated run: the code promised more bytes than arrived
			// before the delimiter.
			log.Debugf("[COBS] truncated run (pending code %v), dropping frame", code)
		}

		d.buf = d.buf[:0]
		return
	}

	d.hasProcessedData = true
	if d.codeByte <= 0 {
		d.codeByte = int(b)
	} else {
		d.codeByte--
		d.buf = append(d.buf, b)
	}
	for d.codeByte&maxGroupData == 0 && d.codeByte > 0 {
		d.buf = append(d.buf, 0x00)
		d.codeByte -= zeroUnit
	}
}
