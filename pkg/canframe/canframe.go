// Package canframe models CAN identifiers and frames and implements the
// wire encoding shared by both transports: the TCP gateway link (inside
// the COBS-framed byte stream) and the raw CAN socket (as the common
// internal representation of a native frame).
package canframe

import (
	"errors"
	"fmt"
)

// Address is a bus node address in [0,255]. 0 is the reserved broadcast
// address and is never a valid command target.
type Address uint8

const Broadcast Address = 0

// IsBroadcast reports whether a is the reserved broadcast address.
func (a Address) IsBroadcast() bool {
	return a == Broadcast
}

var (
	// ErrFrameTooLong is returned when constructing a frame with more than
	// 8 payload bytes.
	ErrFrameTooLong = errors.New("canframe: payload longer than 8 bytes")
	// ErrBadFraming is returned when the wire layout cannot be decoded:
	// idSize inferred from the total length is neither 2 nor 4.
	ErrBadFraming = errors.New("canframe: invalid frame length for declared idSize")
)

// echoFlagMask marks an echoed-back frame in byte 0 of the wire layout;
// the deframer strips it before interpreting the length.
const echoFlagMask = 0x10
const lengthMask = 0xEF

// CanId is a tagged 11-bit (Standard) or 29-bit (Extended) CAN identifier.
// Two ids with the same numeric Value but different Extended flags compare
// unequal.
type CanId struct {
	Value    uint32
	Extended bool
}

// Standard constructs an 11-bit CanId, masking value to its valid range.
func Standard(value uint16) CanId {
	return CanId{Value: uint32(value) & 0x7FF, Extended: false}
}

// Extended constructs a 29-bit CanId, masking value to its valid range.
func Extended(value uint32) CanId {
	return CanId{Value: value & 0x1FFFFFFF, Extended: true}
}

func (id CanId) String() string {
	if id.Extended {
		return fmt.Sprintf("x%08X", id.Value)
	}
	return fmt.Sprintf("x%03X", id.Value)
}

// CanFrame is an immutable CAN frame: an identifier plus up to 8 payload
// bytes, with an optional receive-direction timestamp.
type CanFrame struct {
	Id        CanId
	Data      []byte
	Timestamp int64 // monotonic nanoseconds, receive direction only; 0 if unset
}

// New constructs a CanFrame, copying data so the frame is safe to retain
// independently of the caller's buffer.
func New(id CanId, data []byte) (CanFrame, error) {
	if len(data) > 8 {
		return CanFrame{}, ErrFrameTooLong
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return CanFrame{Id: id, Data: cp}, nil
}

// idSize returns the wire byte count used for a CanId: 2 for Standard,
// 4 for Extended.
func idSize(extended bool) int {
	if extended {
		return 4
	}
	return 2
}

// Encode renders a frame to its wire bytes per the shared layout: a
// length|echoFlag byte, the big-endian CAN id over 2 or 4 bytes, then the
// payload. echo marks the frame as an echo of a locally transmitted frame,
// a flag some gateways reflect back; callers sending fresh frames pass
// false.
func Encode(f CanFrame, echo bool) []byte {
	size := idSize(f.Id.Extended)
	out := make([]byte, 1+size+len(f.Data))

	lenByte := byte(len(f.Data)) & lengthMask
	if echo {
		lenByte |= echoFlagMask
	}
	out[0] = lenByte

	idVal := f.Id.Value
	if f.Id.Extended {
		idVal |= 0x80000000
	}
	for i := 0; i < size; i++ {
		shift := uint((size - 1 - i) * 8)
		out[1+i] = byte(idVal >> shift)
	}

	copy(out[1+size:], f.Data)
	return out
}

// Decode parses wire bytes produced by Encode back into a CanFrame and
// reports whether the echo flag was set. idSize is inferred from the total
// length and the declared payload length; any value other than 2 or 4
// bytes is a framing error.
func Decode(wire []byte) (frame CanFrame, echo bool, err error) {
	if len(wire) < 3 {
		return CanFrame{}, false, ErrBadFraming
	}

	echo = wire[0]&echoFlagMask != 0
	length := int(wire[0] & lengthMask)
	if length > 8 {
		return CanFrame{}, false, ErrBadFraming
	}

	size := len(wire) - 1 - length
	if size != 2 && size != 4 {
		return CanFrame{}, false, ErrBadFraming
	}
	if len(wire) != 1+size+length {
		return CanFrame{}, false, ErrBadFraming
	}

	var idVal uint32
	for i := 0; i < size; i++ {
		idVal = idVal<<8 | uint32(wire[1+i])
	}

	extended := size == 4 && idVal&0x80000000 != 0
	if extended {
		idVal &= 0x1FFFFFFF
	}

	data := make([]byte, length)
	copy(data, wire[1+size:])

	id := CanId{Value: idVal, Extended: extended}
	return CanFrame{Id: id, Data: data}, echo, nil
}
