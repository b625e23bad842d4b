package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/roborock-community/roborock-go/pkg/version"
)

// Decoder reassembles complete messages from arbitrarily chunked stream
// reads. The local TCP socket delivers bytes at whatever boundaries the
// OS chooses; Feed buffers partial input across calls so the decoded
// message sequence is independent of chunking. Broker messages arrive
// whole but pass through the same path for a uniform output contract.
//
// A Decoder belongs to exactly one reader goroutine. It is not safe for
// concurrent use.
type Decoder struct {
	localKey string
	buf      []byte
}

// NewDecoder creates a stream decoder using the device's key.
func NewDecoder(localKey string) *Decoder {
	return &Decoder{localKey: localKey}
}

// Feed appends chunk to the reassembly buffer and returns every message
// that is now complete, preserving trailing partial bytes for the next
// call. Zero messages with a nil error simply means more bytes are
// needed.
//
// An error poisons the stream: framing past a corrupt header cannot be
// trusted, so the caller must discard the connection. Messages decoded
// before the corruption are still returned alongside the error.
func (d *Decoder) Feed(chunk []byte) (msgs []*Message, err error) {
	d.buf = append(d.buf, chunk...)
	defer d.compact()

	for {
		if len(d.buf) < HeaderSize {
			return msgs, nil
		}
		if _, verr := version.ParseWire(d.buf[:version.WireSize]); verr != nil {
			return msgs, fmt.Errorf("%w: %v", ErrDecode, verr)
		}
		payloadLen := int(binary.BigEndian.Uint16(d.buf[17:19]))
		total := HeaderSize + payloadLen + ChecksumSize
		if len(d.buf) < total {
			return msgs, nil
		}

		msg, derr := Decode(d.buf[:total], d.localKey)
		if derr != nil {
			return msgs, derr
		}
		d.buf = d.buf[total:]
		msgs = append(msgs, msg)
	}
}

// Buffered returns the number of bytes waiting for a complete message.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards any partially buffered message. Used when a connection
// is torn down and its stream position is no longer meaningful.
func (d *Decoder) Reset() {
	d.buf = nil
}

// compact copies remaining bytes to a fresh backing array so consumed
// prefixes do not pin the old one.
func (d *Decoder) compact() {
	if len(d.buf) == 0 {
		d.buf = nil
		return
	}
	d.buf = append(make([]byte, 0, len(d.buf)), d.buf...)
}
