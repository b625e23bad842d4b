package log

import (
	"time"
)

// Event is a single captured protocol event. Exactly one of Message,
// StateChange, or Error is set, matching the Category. Encoded with
// integer CBOR keys to keep capture files compact.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies the channel instance that produced the
	// event. Stable for the lifetime of one connection attempt.
	ConnectionID string `cbor:"2,keyasint"`

	// Direction of travel for message events.
	Direction Direction `cbor:"3,keyasint,omitempty"`

	// Channel is the transport kind the event belongs to.
	Channel ChannelKind `cbor:"4,keyasint,omitempty"`

	// Category of the event.
	Category Category `cbor:"5,keyasint"`

	// DUID is the device the channel belongs to.
	DUID string `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address (device IP or broker host).
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// Message is set for CategoryMessage events.
	Message *MessageEvent `cbor:"8,keyasint,omitempty"`

	// StateChange is set for CategoryState events.
	StateChange *StateChangeEvent `cbor:"9,keyasint,omitempty"`

	// Error is set for CategoryError events.
	Error *ErrorEventData `cbor:"10,keyasint,omitempty"`
}

// Direction indicates which way a message travelled.
type Direction uint8

const (
	// DirectionIn is device/broker to client.
	DirectionIn Direction = 0
	// DirectionOut is client to device/broker.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// ChannelKind identifies the transport a captured event belongs to.
type ChannelKind uint8

const (
	// ChannelLocal is the device-local TCP socket.
	ChannelLocal ChannelKind = 0
	// ChannelCloud is the MQTT broker session.
	ChannelCloud ChannelKind = 1
)

// String returns the channel kind name.
func (c ChannelKind) String() string {
	switch c {
	case ChannelLocal:
		return "LOCAL"
	case ChannelCloud:
		return "CLOUD"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event.
type Category uint8

const (
	// CategoryMessage is a complete wire message in either direction.
	CategoryMessage Category = 0
	// CategoryState is a connection state transition.
	CategoryState Category = 1
	// CategoryError is a codec or transport failure.
	CategoryError Category = 2
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MessageEvent captures one wire message. Payload bytes are not
// recorded; sizes and header fields are enough to reconstruct traffic
// shape without persisting decrypted content.
type MessageEvent struct {
	// Protocol is the wire message kind.
	Protocol uint16 `cbor:"1,keyasint"`

	// Seq is the header sequence number.
	Seq uint32 `cbor:"2,keyasint,omitempty"`

	// PayloadSize is the decrypted payload length.
	PayloadSize int `cbor:"3,keyasint"`

	// WireSize is the full encoded message length.
	WireSize int `cbor:"4,keyasint,omitempty"`
}

// StateChangeEvent captures a connection lifecycle transition.
type StateChangeEvent struct {
	// OldState is the previous state (may be empty).
	OldState string `cbor:"1,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"2,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures a failure on a channel.
type ErrorEventData struct {
	// Message is the error text.
	Message string `cbor:"1,keyasint"`

	// Context describes what was being done.
	Context string `cbor:"2,keyasint,omitempty"`
}
