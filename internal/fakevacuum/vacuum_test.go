package fakevacuum_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/roborock-community/roborock-go/internal/fakevacuum"
	"github.com/roborock-community/roborock-go/pkg/discovery"
	"github.com/roborock-community/roborock-go/pkg/protocol"
	"github.com/roborock-community/roborock-go/pkg/version"
)

const testKey = "0123456789abcdef"

func startVacuum(t *testing.T) *fakevacuum.Vacuum {
	t.Helper()
	v := fakevacuum.New("rr-fake-01", testKey)
	if err := v.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func dialVacuum(t *testing.T, v *fakevacuum.Vacuum) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", fmt.Sprintf("%s:%d", v.Host(), v.Port()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// exchange writes one frame and returns the next frame read back.
func exchange(t *testing.T, c net.Conn, dec *protocol.Decoder, msg *protocol.Message) *protocol.Message {
	t.Helper()
	data, err := protocol.Encode(msg, testKey)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	return readFrame(t, c, dec)
}

func readFrame(t *testing.T, c net.Conn, dec *protocol.Decoder) *protocol.Message {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		msgs, err := dec.Feed(buf[:n])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(msgs) > 0 {
			return msgs[0]
		}
	}
}

func queryFrame(t *testing.T, id int, method string, seq uint32) *protocol.Message {
	t.Helper()
	payload, err := protocol.EncodeV1Payload(id, method, nil, nil, time.Now().Unix())
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return &protocol.Message{
		Version:  version.V1,
		Seq:      seq,
		Protocol: protocol.GeneralRequest,
		Payload:  payload,
	}
}

func responseBody(t *testing.T, msg *protocol.Message) *protocol.RPCResult {
	t.Helper()
	payload, err := protocol.ParseV1Payload(msg.Payload)
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	body, ok, err := payload.RPCResponseBody()
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if !ok {
		t.Fatal("frame carries no rpc body")
	}
	return body
}

func TestVacuumHandshake(t *testing.T) {
	v := startVacuum(t)
	c := dialVacuum(t, v)
	dec := protocol.NewDecoder(testKey)

	hello := exchange(t, c, dec, &protocol.Message{
		Version: version.V1, Seq: 11, Protocol: protocol.HelloRequest,
	})
	if hello.Protocol != protocol.HelloResponse || hello.Seq != 11 {
		t.Errorf("hello answered with %s seq=%d", hello.Protocol, hello.Seq)
	}

	pong := exchange(t, c, dec, &protocol.Message{
		Version: version.V1, Seq: 12, Protocol: protocol.PingRequest,
	})
	if pong.Protocol != protocol.PingResponse || pong.Seq != 12 {
		t.Errorf("ping answered with %s seq=%d", pong.Protocol, pong.Seq)
	}
}

func TestVacuumAnswersQuery(t *testing.T) {
	v := startVacuum(t)
	v.HandleResult("get_status", []map[string]any{{"battery": 80}})

	c := dialVacuum(t, v)
	dec := protocol.NewDecoder(testKey)

	resp := exchange(t, c, dec, queryFrame(t, 12001, "get_status", 100))
	if resp.Protocol != protocol.GeneralResponse {
		t.Fatalf("response protocol = %s", resp.Protocol)
	}
	if resp.Seq != 100 {
		t.Errorf("response seq = %d, want the request sequence", resp.Seq)
	}

	body := responseBody(t, resp)
	if body.ID != 12001 {
		t.Errorf("response id = %d, want 12001", body.ID)
	}
	if body.Error != nil {
		t.Fatalf("unexpected device error: %v", body.Error)
	}
	if !strings.Contains(string(body.Result), "battery") {
		t.Errorf("result %s does not carry the status object", body.Result)
	}

	calls := v.CallsFor("get_status")
	if len(calls) != 1 {
		t.Fatalf("recorded %d get_status calls, want 1", len(calls))
	}
	if calls[0].ID != 12001 {
		t.Errorf("recorded id = %d", calls[0].ID)
	}
	if string(calls[0].Params) != "[]" {
		t.Errorf("recorded params = %s, want the empty array", calls[0].Params)
	}
}

func TestVacuumRejectsUnknownMethod(t *testing.T) {
	v := startVacuum(t)
	c := dialVacuum(t, v)
	dec := protocol.NewDecoder(testKey)

	body := responseBody(t, exchange(t, c, dec, queryFrame(t, 12002, "fly_to_moon", 101)))
	if body.Error == nil {
		t.Fatal("unknown method produced no device error")
	}
	if !strings.Contains(body.Error.Message, "unsupported method") {
		t.Errorf("error message = %q", body.Error.Message)
	}
}

func TestVacuumHandlerError(t *testing.T) {
	v := startVacuum(t)
	v.Handle("app_start", func(json.RawMessage) (any, error) {
		return nil, errors.New("brush stuck")
	})

	c := dialVacuum(t, v)
	dec := protocol.NewDecoder(testKey)

	body := responseBody(t, exchange(t, c, dec, queryFrame(t, 10500, "app_start", 102)))
	if body.Error == nil || body.Error.Message != "brush stuck" {
		t.Errorf("device error = %v, want brush stuck", body.Error)
	}
}

func TestVacuumMapFrame(t *testing.T) {
	mapBlob := []byte{0x1f, 0x8b, 0x08, 0x00, 0xaa, 0xbb}
	v := startVacuum(t)
	v.SetMapData(mapBlob)

	c := dialVacuum(t, v)
	dec := protocol.NewDecoder(testKey)

	resp := exchange(t, c, dec, queryFrame(t, 12003, "get_map_v1", 103))
	if resp.Protocol != protocol.MapResponse {
		t.Fatalf("map query answered with %s", resp.Protocol)
	}
	if resp.Seq != 103 {
		t.Errorf("map frame seq = %d, want the request sequence", resp.Seq)
	}
	if string(resp.Payload) != string(mapBlob) {
		t.Errorf("map payload = %x", resp.Payload)
	}
}

func TestVacuumPush(t *testing.T) {
	v := startVacuum(t)
	c := dialVacuum(t, v)
	dec := protocol.NewDecoder(testKey)

	// The hello round trip guarantees the serving goroutine is up
	// before the push goes out.
	exchange(t, c, dec, &protocol.Message{
		Version: version.V1, Seq: 1, Protocol: protocol.HelloRequest,
	})

	if err := v.Push(map[string]any{"121": 8}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	push := readFrame(t, c, dec)
	if push.Protocol != protocol.GeneralRequest {
		t.Fatalf("push protocol = %s", push.Protocol)
	}
	payload, err := protocol.ParseV1Payload(push.Payload)
	if err != nil {
		t.Fatalf("parse push: %v", err)
	}
	if _, ok := payload.DPS["121"]; !ok {
		t.Error("push envelope misses dps channel 121")
	}
}

func TestVacuumAnnounce(t *testing.T) {
	v := startVacuum(t)

	lc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer lc.Close()

	port := lc.LocalAddr().(*net.UDPAddr).Port
	if err := v.Announce(port); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	lc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := lc.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read announcement: %v", err)
	}

	dev, err := discovery.ParseAnnouncement(buf[:n])
	if err != nil {
		t.Fatalf("ParseAnnouncement: %v", err)
	}
	if dev.DUID != "rr-fake-01" {
		t.Errorf("announced duid = %q", dev.DUID)
	}
	if dev.IP != v.Host() {
		t.Errorf("announced ip = %q, want %q", dev.IP, v.Host())
	}
}
