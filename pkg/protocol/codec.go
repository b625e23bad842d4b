package protocol

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"math/rand"
	"time"

	"github.com/roborock-community/roborock-go/pkg/version"
)

// v1Salt is mixed into the MD5 key derivation on "1.0" devices.
const v1Salt = "TXdfu$jyZ#TZHsg4"

// a01IVSeed is hashed with the hex timestamp to derive the per-message
// CBC initialization vector on "A01" devices.
const a01IVSeed = "726f626f726f636b2d67a6d6a01"

// timestampOrder reorders the 8 hex digits of the timestamp before v1
// key derivation.
var timestampOrder = [8]int{5, 6, 3, 7, 1, 2, 0, 4}

func encodeTimestamp(ts uint32) string {
	h := fmt.Sprintf("%08x", ts)
	out := make([]byte, len(timestampOrder))
	for i, idx := range timestampOrder {
		out[i] = h[idx]
	}
	return string(out)
}

// v1Key derives the per-message AES key for a v1 payload.
func v1Key(ts uint32, localKey string) []byte {
	sum := md5.Sum([]byte(encodeTimestamp(ts) + localKey + v1Salt))
	return sum[:]
}

// a01IV derives the per-message CBC IV for an A01 payload. A01 devices
// use the device key directly as the AES key.
func a01IV(ts uint32) []byte {
	sum := md5.Sum([]byte(fmt.Sprintf("%x", ts) + a01IVSeed))
	return []byte(hex.EncodeToString(sum[:])[8:24])
}

// Encode serializes msg and encrypts its payload under localKey.
// Zero Timestamp and Random fields are filled with the current time and
// a random value; Seq is taken as given because the caller may be
// correlating on it.
func Encode(msg *Message, localKey string) ([]byte, error) {
	if !msg.Version.Known() {
		return nil, fmt.Errorf("cannot encode message with version %q", msg.Version)
	}

	ts := msg.Timestamp
	if ts == 0 {
		ts = uint32(time.Now().Unix())
	}
	rnd := msg.Random
	if rnd == 0 {
		rnd = rand.Uint32()
	}

	var encrypted []byte
	if len(msg.Payload) > 0 {
		var err error
		encrypted, err = encryptPayload(msg.Version, msg.Payload, ts, localKey)
		if err != nil {
			return nil, err
		}
	}
	if len(encrypted) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes after encryption", ErrPayloadTooLarge, len(encrypted))
	}

	buf := make([]byte, 0, HeaderSize+len(encrypted)+ChecksumSize)
	ver := msg.Version.Wire()
	buf = append(buf, ver[:]...)
	buf = binary.BigEndian.AppendUint32(buf, msg.Seq)
	buf = binary.BigEndian.AppendUint32(buf, rnd)
	buf = binary.BigEndian.AppendUint32(buf, ts)
	buf = binary.BigEndian.AppendUint16(buf, uint16(msg.Protocol))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(encrypted)))
	buf = append(buf, encrypted...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return buf, nil
}

// Decode parses exactly one complete wire message and decrypts its
// payload under localKey. Integrity failures return ErrDecode; payloads
// that decrypt to garbage return ErrAuth.
func Decode(data []byte, localKey string) (*Message, error) {
	if len(data) < HeaderSize+ChecksumSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than a minimal message", ErrDecode, len(data))
	}

	ver, err := version.ParseWire(data[:version.WireSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	seq := binary.BigEndian.Uint32(data[3:7])
	rnd := binary.BigEndian.Uint32(data[7:11])
	ts := binary.BigEndian.Uint32(data[11:15])
	proto := Protocol(binary.BigEndian.Uint16(data[15:17]))
	payloadLen := int(binary.BigEndian.Uint16(data[17:19]))

	total := HeaderSize + payloadLen + ChecksumSize
	if len(data) != total {
		return nil, fmt.Errorf("%w: declared payload of %d bytes but message has %d of %d bytes",
			ErrDecode, payloadLen, len(data), total)
	}

	want := binary.BigEndian.Uint32(data[total-ChecksumSize:])
	if got := crc32.ChecksumIEEE(data[:total-ChecksumSize]); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch (calculated %08x, message carries %08x)",
			ErrDecode, got, want)
	}

	msg := &Message{
		Version:   ver,
		Seq:       seq,
		Random:    rnd,
		Timestamp: ts,
		Protocol:  proto,
	}
	if payloadLen > 0 {
		plain, err := decryptPayload(ver, data[HeaderSize:HeaderSize+payloadLen], ts, localKey)
		if err != nil {
			return nil, err
		}
		msg.Payload = plain
	}
	return msg, nil
}

func encryptPayload(v version.ProtocolVersion, plaintext []byte, ts uint32, localKey string) ([]byte, error) {
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	switch v {
	case version.V1:
		return applyECB(padded, v1Key(ts, localKey), true)
	case version.A01:
		return applyCBC(padded, []byte(localKey), a01IV(ts), true)
	}
	return nil, fmt.Errorf("cannot encrypt payload for version %q", v)
}

func decryptPayload(v version.ProtocolVersion, ciphertext []byte, ts uint32, localKey string) ([]byte, error) {
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: payload length %d is not a cipher block multiple", ErrDecode, len(ciphertext))
	}

	var decrypted []byte
	var err error
	switch v {
	case version.V1:
		decrypted, err = applyECB(ciphertext, v1Key(ts, localKey), false)
	case version.A01:
		decrypted, err = applyCBC(ciphertext, []byte(localKey), a01IV(ts), false)
	default:
		return nil, fmt.Errorf("cannot decrypt payload for version %q", v)
	}
	if err != nil {
		return nil, err
	}

	plain, err := pkcs7Unpad(decrypted, aes.BlockSize)
	if err != nil {
		// A wrong key passes the CRC (computed over ciphertext) but
		// decrypts to random bytes, which fail padding validation.
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return plain, nil
}

func applyECB(data, key []byte, encrypt bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bad cipher key: %w", err)
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		if encrypt {
			block.Encrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
		} else {
			block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
		}
	}
	return out, nil
}

func applyCBC(data, key, iv []byte, encrypt bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bad cipher key: %w", err)
	}
	out := make([]byte, len(data))
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	}
	return out, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, 0, len(data)+n)
	padded = append(padded, data...)
	return append(padded, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("padded length %d is not a block multiple", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("padding byte %d out of range", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
