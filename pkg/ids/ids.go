// Package ids implements the IDS-CAN application message layer: the typed
// broadcast and point-to-point messages carried over CAN identifiers, and
// their bit-exact encoding to and from canframe.CanId per the protocol's
// fixed id layout.
package ids

import (
	"errors"
	"fmt"

	"github.com/idscan/controller/pkg/canframe"
)

// MessageType is the closed set of IDS-CAN message kinds. Values 0-7 are
// broadcast (carried on an 11-bit id); values 128-132 are point-to-point
// (carried on a 29-bit id).
type MessageType uint8

const (
	Network       MessageType = 0
	CircuitId     MessageType = 1
	DeviceId      MessageType = 2
	DeviceStatus  MessageType = 3
	ProductStatus MessageType = 6
	Time          MessageType = 7

	Request     MessageType = 128
	Response    MessageType = 129
	Command     MessageType = 130
	ExtStatus   MessageType = 131
	TextConsole MessageType = 132
)

// IsP2P reports whether t is carried on a 29-bit point-to-point id.
func (t MessageType) IsP2P() bool {
	return t >= 0x80
}

// IsBroadcast reports whether t is carried on an 11-bit broadcast id.
func (t MessageType) IsBroadcast() bool {
	return !t.IsP2P()
}

func (t MessageType) String() string {
	switch t {
	case Network:
		return "Network"
	case CircuitId:
		return "CircuitId"
	case DeviceId:
		return "DeviceId"
	case DeviceStatus:
		return "DeviceStatus"
	case ProductStatus:
		return "ProductStatus"
	case Time:
		return "Time"
	case Request:
		return "Request"
	case Response:
		return "Response"
	case Command:
		return "Command"
	case ExtStatus:
		return "ExtStatus"
	case TextConsole:
		return "TextConsole"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

var (
	// ErrBroadcastCarriesP2PFields rejects a broadcast message constructed
	// with a non-zero messageData or a non-zero (non-broadcast) target.
	ErrBroadcastCarriesP2PFields = errors.New("ids: broadcast message must not carry messageData or target")
	// ErrP2PMissingTarget rejects a P2P message type used without a target.
	ErrP2PMissingTarget = errors.New("ids: point-to-point message requires a target")
	// ErrNotP2PType rejects constructing a P2P message with a broadcast type.
	ErrNotP2PType = errors.New("ids: message type is not point-to-point")
	// ErrNotBroadcastType rejects constructing a broadcast message with a P2P type.
	ErrNotBroadcastType = errors.New("ids: message type is not broadcast")
	// ErrPayloadTooLong rejects payloads longer than 8 bytes.
	ErrPayloadTooLong = errors.New("ids: payload longer than 8 bytes")
	// ErrUnknownMessageType is returned decoding a CAN id whose derived
	// type is not in the closed set.
	ErrUnknownMessageType = errors.New("ids: unknown message type")
)

// Message is the IDS-CAN application message: a broadcast message carries
// only Source and Payload; a point-to-point message also carries Target
// and MessageData. Which fields are meaningful is determined by Type.
type Message struct {
	Type        MessageType
	Source      canframe.Address
	Target      canframe.Address
	MessageData uint8
	Payload     []byte
}

// NewBroadcast constructs a broadcast message, rejecting payloads over 8
// bytes or message types that aren't broadcast.
func NewBroadcast(t MessageType, source canframe.Address, payload []byte) (Message, error) {
	if !t.IsBroadcast() {
		return Message{}, ErrNotBroadcastType
	}
	if len(payload) > 8 {
		return Message{}, ErrPayloadTooLong
	}
	return Message{Type: t, Source: source, Payload: clonePayload(payload)}, nil
}

// NewP2P constructs a point-to-point message, rejecting payloads over 8
// bytes, non-P2P message types, or a broadcast target.
func NewP2P(t MessageType, source, target canframe.Address, messageData uint8, payload []byte) (Message, error) {
	if !t.IsP2P() {
		return Message{}, ErrNotP2PType
	}
	if target.IsBroadcast() {
		return Message{}, ErrP2PMissingTarget
	}
	if len(payload) > 8 {
		return Message{}, ErrPayloadTooLong
	}
	return Message{
		Type:        t,
		Source:      source,
		Target:      target,
		MessageData: messageData,
		Payload:     clonePayload(payload),
	}, nil
}

func clonePayload(p []byte) []byte {
	cp := make([]byte, len(p))
	copy(cp, p)
	return cp
}

// validate re-checks the broadcast/P2P field invariants for a message
// built by hand (e.g. decoded from the wire) rather than via the
// constructors above.
func (m Message) validate() error {
	if m.Type.IsBroadcast() {
		if m.MessageData != 0 || m.Target != canframe.Broadcast {
			return ErrBroadcastCarriesP2PFields
		}
		return nil
	}
	if m.Target.IsBroadcast() {
		return ErrP2PMissingTarget
	}
	return nil
}

// CanId computes the bit-exact CAN identifier for m per the protocol's
// fixed layout (broadcast: 11-bit; point-to-point: 29-bit).
func (m Message) CanId() canframe.CanId {
	if m.Type.IsBroadcast() {
		id := (uint16(m.Type) & 0x7) << 8
		id |= uint16(m.Source)
		return canframe.Standard(id)
	}

	mm := uint32(m.Type) - 0x80
	top3 := (mm >> 2) & 0x7
	bottom2 := mm & 0x3

	id := top3 << 26
	id |= uint32(m.Source) << 18
	id |= bottom2 << 16
	id |= uint32(m.Target) << 8
	id |= uint32(m.MessageData)
	return canframe.Extended(id)
}

// Frame renders m to a full canframe.CanFrame ready for transport.
func (m Message) Frame() (canframe.CanFrame, error) {
	return canframe.New(m.CanId(), m.Payload)
}

// Decode derives an IdsMessage from a CAN frame's identifier and payload.
// It rejects ids whose derived message type is not in the closed set and
// enforces the broadcast/P2P field invariants of the resulting message.
func Decode(f canframe.CanFrame) (Message, error) {
	if f.Id.Extended {
		id := f.Id.Value
		top3 := (id >> 26) & 0x7
		source := canframe.Address((id >> 18) & 0xFF)
		bottom2 := (id >> 16) & 0x3
		target := canframe.Address((id >> 8) & 0xFF)
		messageData := uint8(id & 0xFF)

		mt := MessageType((top3<<2 | bottom2) + 0x80)
		if !isKnownP2PType(mt) {
			return Message{}, ErrUnknownMessageType
		}
		m := Message{Type: mt, Source: source, Target: target, MessageData: messageData, Payload: clonePayload(f.Data)}
		if err := m.validate(); err != nil {
			return Message{}, err
		}
		return m, nil
	}

	id := f.Id.Value
	mt := MessageType((id >> 8) & 0x7)
	source := canframe.Address(id & 0xFF)
	if !isKnownBroadcastType(mt) {
		return Message{}, ErrUnknownMessageType
	}
	m := Message{Type: mt, Source: source, Payload: clonePayload(f.Data)}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func isKnownBroadcastType(t MessageType) bool {
	switch t {
	case Network, CircuitId, DeviceId, DeviceStatus, ProductStatus, Time:
		return true
	default:
		return false
	}
}

func isKnownP2PType(t MessageType) bool {
	switch t {
	case Request, Response, Command, ExtStatus, TextConsole:
		return true
	default:
		return false
	}
}
