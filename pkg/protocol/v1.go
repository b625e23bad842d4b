package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
)

// DPS channels used by the v1 dialect. Requests travel on "101",
// responses on "102"; other numeric channels carry unsolicited state
// updates.
const (
	RPCChannelRequest  = "101"
	RPCChannelResponse = "102"
)

// Request id window for v1 RPCs. Ids need uniqueness among the
// currently pending requests of one device, not unpredictability.
const (
	minRequestID = 10000
	maxRequestID = 32767
)

// NextRequestID draws a request id from the v1 id window.
func NextRequestID() int {
	return minRequestID + rand.Intn(maxRequestID-minRequestID+1)
}

type v1RequestBody struct {
	ID       int           `json:"id"`
	Method   string        `json:"method"`
	Params   any           `json:"params"`
	Security *securityBody `json:"security,omitempty"`
}

type securityBody struct {
	Endpoint string `json:"endpoint"`
	Nonce    string `json:"nonce"`
}

type v1Envelope struct {
	DPS map[string]string `json:"dps"`
	T   int64             `json:"t"`
}

// EncodeV1Payload builds the dps envelope for one RPC request: the
// inner body is serialized and embedded as a JSON string on channel
// "101". A nil security block is correct for local requests; cloud
// requests always carry one.
func EncodeV1Payload(id int, method string, params any, sec *SecurityData, timestamp int64) ([]byte, error) {
	if params == nil {
		params = []any{}
	}
	body := v1RequestBody{ID: id, Method: method, Params: params}
	if sec != nil {
		body.Security = &securityBody{
			Endpoint: sec.Endpoint,
			Nonce:    hex.EncodeToString(sec.Nonce),
		}
	}

	inner, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc body: %w", err)
	}
	return json.Marshal(v1Envelope{
		DPS: map[string]string{RPCChannelRequest: string(inner)},
		T:   timestamp,
	})
}

// V1Payload is the decoded dps envelope of a v1 message payload.
type V1Payload struct {
	DPS map[string]json.RawMessage `json:"dps"`
	T   int64                      `json:"t"`
}

// ParseV1Payload decodes the dps envelope of a decrypted payload.
func ParseV1Payload(payload []byte) (*V1Payload, error) {
	var p V1Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse dps envelope: %w", err)
	}
	return &p, nil
}

// RPCResult is the inner body of an RPC response.
type RPCResult struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is a device-reported error inside an RPC response body.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCResponseBody extracts the RPC body from the response channel of
// the envelope. The second return is false when the envelope carries no
// response channel (it is a state update instead). Devices embed the
// body either as a JSON string or as a bare object; both forms are
// accepted.
func (p *V1Payload) RPCResponseBody() (*RPCResult, bool, error) {
	raw, ok := p.DPS[RPCChannelResponse]
	if !ok {
		return nil, false, nil
	}

	var body RPCResult
	var embedded string
	if err := json.Unmarshal(raw, &embedded); err == nil {
		if err := json.Unmarshal([]byte(embedded), &body); err != nil {
			return nil, true, fmt.Errorf("parse rpc body: %w", err)
		}
	} else if err := json.Unmarshal(raw, &body); err != nil {
		return nil, true, fmt.Errorf("parse rpc body: %w", err)
	}
	return &body, true, nil
}
