package protocol

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// LocalEndpoint is the fixed endpoint tag used for requests sent over
// the local socket. Local requests carry no security block.
const LocalEndpoint = "abc"

// SecurityData accompanies RPC requests sent over the cloud broker.
// The endpoint identifies this client session to the device; the nonce
// keys the encrypted portions of large responses such as map data.
type SecurityData struct {
	Endpoint string
	Nonce    []byte
}

// NewSecurityData derives the session endpoint from the account key
// seed and draws a fresh 16-byte nonce.
func NewSecurityData(keySeed string) (*SecurityData, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("draw nonce: %w", err)
	}
	return &SecurityData{
		Endpoint: CloudEndpoint(keySeed),
		Nonce:    nonce,
	}, nil
}

// CloudEndpoint derives the broker endpoint tag from the rriot key
// seed: base64 of bytes 8..14 of its MD5 digest.
func CloudEndpoint(keySeed string) string {
	sum := md5.Sum([]byte(keySeed))
	return base64.StdEncoding.EncodeToString(sum[8:14])
}
