package device

import (
	"log/slog"

	"github.com/idscan/controller/pkg/canframe"
	"github.com/idscan/controller/pkg/ids"
	"github.com/idscan/controller/pkg/lockout"
	"github.com/idscan/controller/pkg/session"
)

// Type is a device's family identifier as reported in its DeviceId
// broadcast. The set is closed; values not listed here are reserved and
// map to TypeUnknown.
type Type uint8

const (
	TypeLatchingRelay         Type = 0x03
	TypeMomentaryHBridge      Type = 0x06
	TypeTankSensor            Type = 0x0A
	TypeRgbLight              Type = 0x0D
	TypeHvacControl           Type = 0x10
	TypeDimmableLight         Type = 0x14
	TypeLatchingRelayType2    Type = 0x1E
	TypeMomentaryHBridgeType2 Type = 0x21
	TypeUnknown               Type = 0xFF
)

func (t Type) String() string {
	switch t {
	case TypeLatchingRelay:
		return "latching-relay"
	case TypeMomentaryHBridge:
		return "momentary-h-bridge"
	case TypeTankSensor:
		return "tank-sensor"
	case TypeRgbLight:
		return "rgb-light"
	case TypeHvacControl:
		return "hvac-control"
	case TypeDimmableLight:
		return "dimmable-light"
	case TypeLatchingRelayType2:
		return "latching-relay-type-2"
	case TypeMomentaryHBridgeType2:
		return "momentary-h-bridge-type-2"
	case TypeUnknown:
		return "unknown"
	default:
		return "reserved"
	}
}

// Runtime is the family-spanning contract every device runtime
// implements; the bridge dispatches inbound messages through it and
// tears all runtimes down through Close.
type Runtime interface {
	HandleIdsMessage(msg ids.Message)
	Close() error
}

// NewRuntime builds the family runtime matching a reported device type.
// The relay and H-bridge families come in two hardware generations
// disambiguated solely by this type value. Returns nil for TypeUnknown
// and reserved values.
func NewRuntime(t Type, source, target canframe.Address, send session.SendFunc, notify chan<- StateChange, lock *lockout.Latch, logger *slog.Logger) Runtime {
	switch t {
	case TypeLatchingRelay:
		return NewRelay(source, target, RelayKindType1, send, notify, lock, logger)
	case TypeLatchingRelayType2:
		return NewRelay(source, target, RelayKindType2, send, notify, lock, logger)
	case TypeMomentaryHBridge:
		return NewHBridge(source, target, HBridgeKindType1, send, notify, lock, logger)
	case TypeMomentaryHBridgeType2:
		return NewHBridge(source, target, HBridgeKindType2, send, notify, lock, logger)
	case TypeTankSensor:
		return NewTank(source, target, send, notify, lock, logger)
	case TypeRgbLight:
		return NewRgb(source, target, send, notify, lock, logger)
	case TypeHvacControl:
		return NewHvac(source, target, send, notify, lock, logger)
	case TypeDimmableLight:
		return NewDimmer(source, target, send, notify, lock, logger)
	default:
		return nil
	}
}
