package protocol

import (
	"encoding/json"
	"testing"
)

func TestEncodeV1PayloadLocal(t *testing.T) {
	payload, err := EncodeV1Payload(12345, "get_status", nil, nil, 1700000000)
	if err != nil {
		t.Fatalf("EncodeV1Payload: %v", err)
	}

	var env v1Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.T != 1700000000 {
		t.Errorf("t = %d", env.T)
	}

	inner, ok := env.DPS[RPCChannelRequest]
	if !ok {
		t.Fatalf("no request channel in %q", payload)
	}
	var body v1RequestBody
	if err := json.Unmarshal([]byte(inner), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.ID != 12345 || body.Method != "get_status" {
		t.Errorf("body = %+v", body)
	}
	if body.Security != nil {
		t.Error("local payload must not carry a security block")
	}
	// Nil params serialize as an empty array, not null.
	if params, ok := body.Params.([]any); !ok || len(params) != 0 {
		t.Errorf("params = %#v, want empty array", body.Params)
	}
}

func TestEncodeV1PayloadWithSecurity(t *testing.T) {
	sec := &SecurityData{Endpoint: "QWx0ZXJuYQ==", Nonce: []byte{0xDE, 0xAD, 0xBE, 0xEF}}
	payload, err := EncodeV1Payload(20000, "get_map_v1", []any{}, sec, 1700000001)
	if err != nil {
		t.Fatalf("EncodeV1Payload: %v", err)
	}

	var env v1Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	var body v1RequestBody
	if err := json.Unmarshal([]byte(env.DPS[RPCChannelRequest]), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Security == nil {
		t.Fatal("security block missing")
	}
	if body.Security.Endpoint != sec.Endpoint {
		t.Errorf("endpoint = %q", body.Security.Endpoint)
	}
	if body.Security.Nonce != "deadbeef" {
		t.Errorf("nonce = %q, want lowercase hex", body.Security.Nonce)
	}
}

func TestRPCResponseBodyEmbeddedString(t *testing.T) {
	payload := []byte(`{"dps":{"102":"{\"id\":20001,\"result\":[\"ok\"]}"},"t":1700000002}`)

	p, err := ParseV1Payload(payload)
	if err != nil {
		t.Fatalf("ParseV1Payload: %v", err)
	}
	body, ok, err := p.RPCResponseBody()
	if err != nil || !ok {
		t.Fatalf("RPCResponseBody: ok=%v err=%v", ok, err)
	}
	if body.ID != 20001 {
		t.Errorf("id = %d", body.ID)
	}
	var result []string
	if err := json.Unmarshal(body.Result, &result); err != nil || len(result) != 1 || result[0] != "ok" {
		t.Errorf("result = %s", body.Result)
	}
}

func TestRPCResponseBodyBareObject(t *testing.T) {
	payload := []byte(`{"dps":{"102":{"id":7,"result":{"state":8}}},"t":3}`)

	p, err := ParseV1Payload(payload)
	if err != nil {
		t.Fatalf("ParseV1Payload: %v", err)
	}
	body, ok, err := p.RPCResponseBody()
	if err != nil || !ok {
		t.Fatalf("RPCResponseBody: ok=%v err=%v", ok, err)
	}
	if body.ID != 7 {
		t.Errorf("id = %d", body.ID)
	}
}

func TestRPCResponseBodyDeviceError(t *testing.T) {
	payload := []byte(`{"dps":{"102":"{\"id\":9,\"error\":{\"code\":-10000,\"message\":\"unknown method\"}}"},"t":4}`)

	p, err := ParseV1Payload(payload)
	if err != nil {
		t.Fatalf("ParseV1Payload: %v", err)
	}
	body, _, err := p.RPCResponseBody()
	if err != nil {
		t.Fatalf("RPCResponseBody: %v", err)
	}
	if body.Error == nil || body.Error.Code != -10000 {
		t.Fatalf("error = %+v", body.Error)
	}
}

func TestRPCResponseBodyAbsentForStateUpdate(t *testing.T) {
	payload := []byte(`{"dps":{"121":8,"122":100},"t":5}`)

	p, err := ParseV1Payload(payload)
	if err != nil {
		t.Fatalf("ParseV1Payload: %v", err)
	}
	_, ok, err := p.RPCResponseBody()
	if err != nil {
		t.Fatalf("RPCResponseBody: %v", err)
	}
	if ok {
		t.Error("state update misread as rpc response")
	}
}

func TestNextRequestIDWindow(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id := NextRequestID()
		if id < minRequestID || id > maxRequestID {
			t.Fatalf("id %d outside [%d,%d]", id, minRequestID, maxRequestID)
		}
	}
}

func TestCloudEndpointDerivation(t *testing.T) {
	// The endpoint is base64 of 6 MD5 digest bytes: always 8 chars, stable.
	a := CloudEndpoint("keyseed0")
	b := CloudEndpoint("keyseed0")
	if a != b {
		t.Errorf("endpoint not stable: %q vs %q", a, b)
	}
	if len(a) != 8 {
		t.Errorf("endpoint %q has length %d, want 8", a, len(a))
	}
	if CloudEndpoint("other") == a {
		t.Error("distinct seeds must map to distinct endpoints")
	}
}

func TestNewSecurityData(t *testing.T) {
	sec, err := NewSecurityData("keyseed0")
	if err != nil {
		t.Fatalf("NewSecurityData: %v", err)
	}
	if len(sec.Nonce) != 16 {
		t.Errorf("nonce length %d, want 16", len(sec.Nonce))
	}
	if sec.Endpoint != CloudEndpoint("keyseed0") {
		t.Errorf("endpoint = %q", sec.Endpoint)
	}
}
