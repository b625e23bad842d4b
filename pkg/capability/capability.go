// Package capability maps a device's protocol version to the set of
// operations it supports. The device client checks this set before
// issuing a command, so an unsupported request fails in-process
// instead of timing out against a device that will never answer.
package capability

import (
	"errors"
	"fmt"

	"github.com/roborock-community/roborock-go/pkg/version"
)

// Capability errors.
var (
	// ErrUnsupportedProtocol indicates a pv tag this library has no
	// dialect for. Surfaced at device client construction.
	ErrUnsupportedProtocol = errors.New("unsupported protocol version")

	// ErrUnsupportedOperation indicates an operation outside the
	// device's capability set.
	ErrUnsupportedOperation = errors.New("operation not supported by device")
)

// Operation is one logical thing a caller can ask a device to do.
type Operation uint8

const (
	// OpPing checks reachability.
	OpPing Operation = iota

	// OpStatus reads the current device status.
	OpStatus

	// OpNetworkInfo queries the device's network details.
	OpNetworkInfo

	// OpCleanSummary reads lifetime cleaning statistics.
	OpCleanSummary

	// OpSetFanSpeed changes the suction level.
	OpSetFanSpeed

	// OpAppStart starts a full clean.
	OpAppStart

	// OpAppStop stops the current clean.
	OpAppStop

	// OpAppPause pauses the current clean.
	OpAppPause

	// OpAppCharge sends the device back to the dock.
	OpAppCharge

	// OpMap fetches map data.
	OpMap

	// OpLocalConnection allows a direct TCP connection on the home
	// network.
	OpLocalConnection

	numOperations
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpPing:
		return "PING"
	case OpStatus:
		return "STATUS"
	case OpNetworkInfo:
		return "NETWORK_INFO"
	case OpCleanSummary:
		return "CLEAN_SUMMARY"
	case OpSetFanSpeed:
		return "SET_FAN_SPEED"
	case OpAppStart:
		return "APP_START"
	case OpAppStop:
		return "APP_STOP"
	case OpAppPause:
		return "APP_PAUSE"
	case OpAppCharge:
		return "APP_CHARGE"
	case OpMap:
		return "MAP"
	case OpLocalConnection:
		return "LOCAL_CONNECTION"
	default:
		return "UNKNOWN"
	}
}

// Dialect selects how requests are framed for the device.
type Dialect uint8

const (
	// DialectV1 is the JSON-RPC dialect spoken by "1.0" devices.
	DialectV1 Dialect = 0x00

	// DialectA01 is the DPS-keyed dialect spoken by "A01" devices.
	DialectA01 Dialect = 0x01
)

// String returns the dialect name.
func (d Dialect) String() string {
	switch d {
	case DialectV1:
		return "V1"
	case DialectA01:
		return "A01"
	default:
		return "UNKNOWN"
	}
}

// Set is an immutable capability set for one device.
type Set struct {
	version version.ProtocolVersion
	dialect Dialect
	ops     uint32
}

// Resolve maps a pv tag to its capability set. Unknown tags return
// ErrUnsupportedProtocol.
func Resolve(pv string) (Set, error) {
	v, err := version.Parse(pv)
	if err != nil {
		return Set{}, fmt.Errorf("%w: pv %q", ErrUnsupportedProtocol, pv)
	}
	switch v {
	case version.V1:
		return v1Set, nil
	case version.A01:
		return a01Set, nil
	default:
		return Set{}, fmt.Errorf("%w: pv %q", ErrUnsupportedProtocol, pv)
	}
}

// v1Set covers the full RPC surface plus the direct local connection.
var v1Set = newSet(version.V1, DialectV1,
	OpPing,
	OpStatus,
	OpNetworkInfo,
	OpCleanSummary,
	OpSetFanSpeed,
	OpAppStart,
	OpAppStop,
	OpAppPause,
	OpAppCharge,
	OpMap,
	OpLocalConnection,
)

// a01Set is the cloud-only subset. A01 hardware answers DPS queries
// over the broker and has no local listener or RPC method table.
var a01Set = newSet(version.A01, DialectA01,
	OpPing,
	OpStatus,
)

func newSet(v version.ProtocolVersion, d Dialect, ops ...Operation) Set {
	s := Set{version: v, dialect: d}
	for _, op := range ops {
		s.ops |= 1 << op
	}
	return s
}

// Version returns the pv tag the set was resolved from.
func (s Set) Version() version.ProtocolVersion {
	return s.version
}

// Dialect returns the wire dialect for this device.
func (s Set) Dialect() Dialect {
	return s.dialect
}

// Supports reports whether the device can perform op.
func (s Set) Supports(op Operation) bool {
	return s.ops&(1<<op) != 0
}

// Check returns ErrUnsupportedOperation when op is outside the set.
func (s Set) Check(op Operation) error {
	if s.Supports(op) {
		return nil
	}
	return fmt.Errorf("%w: %s on pv %s", ErrUnsupportedOperation, op, s.version)
}

// Operations lists the supported operations in declaration order.
func (s Set) Operations() []Operation {
	out := make([]Operation, 0, numOperations)
	for op := Operation(0); op < numOperations; op++ {
		if s.Supports(op) {
			out = append(out, op)
		}
	}
	return out
}
