// Package protocol implements the Roborock wire codec: the binary
// message layout shared by the local TCP socket and the cloud MQTT
// broker, per-device payload encryption, CRC framing, and the stateful
// decoder that reassembles messages from arbitrarily chunked stream
// reads.
//
// Every message is a single self-delimiting unit:
//
//	version    3 bytes ASCII ("1.0", "A01")
//	seq        uint32 big-endian
//	random     uint32 big-endian
//	timestamp  uint32 big-endian, unix seconds
//	protocol   uint16 big-endian
//	payloadLen uint16 big-endian
//	payload    payloadLen bytes, encrypted
//	crc32      uint32 big-endian, IEEE, over all preceding bytes
//
// The payload cipher depends on the version dialect; see codec.go.
// Key material stays inside this package: callers hand a device key to
// Encode/Decode and only ever see decrypted payloads.
package protocol

import (
	"fmt"

	"github.com/roborock-community/roborock-go/pkg/version"
)

// Wire size constants.
const (
	// HeaderSize is the fixed prefix before the payload.
	HeaderSize = 3 + 4 + 4 + 4 + 2 + 2

	// ChecksumSize is the CRC32 trailer length.
	ChecksumSize = 4

	// MaxPayloadSize is the largest payload the uint16 length field can
	// declare.
	MaxPayloadSize = 0xFFFF
)

// Protocol identifies the message kind carried in the protocol field.
type Protocol uint16

// Message kinds observed on the wire.
const (
	HelloRequest    Protocol = 0
	HelloResponse   Protocol = 1
	PingRequest     Protocol = 2
	PingResponse    Protocol = 3
	GeneralRequest  Protocol = 4
	GeneralResponse Protocol = 5
	RPCRequest      Protocol = 101
	RPCResponse     Protocol = 102
	MapResponse     Protocol = 301
)

// String returns the protocol kind name.
func (p Protocol) String() string {
	switch p {
	case HelloRequest:
		return "hello_request"
	case HelloResponse:
		return "hello_response"
	case PingRequest:
		return "ping_request"
	case PingResponse:
		return "ping_response"
	case GeneralRequest:
		return "general_request"
	case GeneralResponse:
		return "general_response"
	case RPCRequest:
		return "rpc_request"
	case RPCResponse:
		return "rpc_response"
	case MapResponse:
		return "map_response"
	default:
		return fmt.Sprintf("protocol_%d", uint16(p))
	}
}

// IsResponse reports whether the kind is a reply to a request kind.
func (p Protocol) IsResponse() bool {
	switch p {
	case HelloResponse, PingResponse, GeneralResponse, RPCResponse:
		return true
	}
	return false
}

// Message is one decoded wire unit. Payload holds decrypted plaintext;
// on the encode path it holds the plaintext to encrypt.
type Message struct {
	Version   version.ProtocolVersion
	Seq       uint32
	Random    uint32
	Timestamp uint32
	Protocol  Protocol
	Payload   []byte
}

// String renders a short diagnostic form without payload contents.
func (m *Message) String() string {
	return fmt.Sprintf("%s seq=%d ts=%d %s len=%d",
		m.Version, m.Seq, m.Timestamp, m.Protocol, len(m.Payload))
}
