// Package version provides protocol version parsing and comparison for
// Roborock devices. A device reports its dialect as a short "pv" tag
// (for example "1.0" or "A01"); the same tag travels as the first three
// bytes of every wire message.
package version

import (
	"fmt"
)

// Known protocol versions.
const (
	V1  ProtocolVersion = "1.0"
	A01 ProtocolVersion = "A01"
)

// WireSize is the length of the version field in a wire message header.
const WireSize = 3

// ProtocolVersion is a device-reported pv tag.
type ProtocolVersion string

// Parse validates a pv string reported by the account metadata or read
// from a wire header.
func Parse(s string) (ProtocolVersion, error) {
	switch ProtocolVersion(s) {
	case V1, A01:
		return ProtocolVersion(s), nil
	}
	return "", fmt.Errorf("unknown protocol version %q", s)
}

// ParseWire parses the 3-byte version field of a message header.
func ParseWire(b []byte) (ProtocolVersion, error) {
	if len(b) != WireSize {
		return "", fmt.Errorf("version field must be %d bytes, got %d", WireSize, len(b))
	}
	return Parse(string(b))
}

// String returns the pv tag.
func (v ProtocolVersion) String() string {
	return string(v)
}

// Wire returns the version as the 3-byte header field.
func (v ProtocolVersion) Wire() [WireSize]byte {
	var out [WireSize]byte
	copy(out[:], v)
	return out
}

// Known reports whether the version is one this library implements.
func (v ProtocolVersion) Known() bool {
	switch v {
	case V1, A01:
		return true
	}
	return false
}
