package protocol

import (
	"errors"
)

// Codec errors.
var (
	// ErrDecode indicates a corrupt frame: checksum mismatch, impossible
	// length, or an unparseable header. The connection that produced it
	// is considered unreliable and must be torn down, not retried
	// per-message.
	ErrDecode = errors.New("frame corrupt")

	// ErrAuth indicates the payload decrypted to garbage under the
	// device key. The key is stale (device re-paired); retrying cannot
	// help.
	ErrAuth = errors.New("device key mismatch")

	// ErrPayloadTooLarge indicates a payload exceeding the uint16
	// length field on encode.
	ErrPayloadTooLarge = errors.New("payload too large")
)
