// Package fakevacuum runs a scripted vacuum on a real loopback socket
// for end-to-end tests. It speaks the v1 wire dialect: hello and ping
// frames are answered by echoing the sequence number, rpc requests on
// the request dps channel are routed to registered handlers and
// answered on the response channel, and Push injects unsolicited state
// updates. The fake can also announce itself over UDP like a real
// device on the home network.
package fakevacuum

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roborock-community/roborock-go/pkg/protocol"
	"github.com/roborock-community/roborock-go/pkg/version"
)

// announceKey encrypts discovery announcements. It is fleet-wide, the
// same for every device, and carries no secrets.
const announceKey = "qWKYcdQWrbm9hPqe"

// Handler answers one rpc method. The returned value is serialized as
// the result; a non-nil error produces a device error response
// instead. A nil result answers ["ok"], the firmware acknowledgement
// for commands.
type Handler func(params json.RawMessage) (any, error)

// Call is one rpc request the vacuum received.
type Call struct {
	// ID is the request id from the inner rpc body.
	ID int

	// Method is the requested method name.
	Method string

	// Params is the raw params value of the request.
	Params json.RawMessage
}

// Vacuum is a scripted device listening on a loopback TCP port.
type Vacuum struct {
	// DUID identifies the vacuum in announcements and assertions.
	DUID string

	// LocalKey encrypts every frame on the socket.
	LocalKey string

	ln  net.Listener
	seq atomic.Uint32
	wg  sync.WaitGroup

	mu       sync.Mutex
	handlers map[string]Handler
	mapData  []byte
	conns    map[*conn]struct{}
	calls    []Call
	closed   bool
}

// conn serializes writes from the serving goroutine and Push.
type conn struct {
	net.Conn
	writeMu sync.Mutex
}

// New creates a fake vacuum. Register handlers, then Start it.
func New(duid, localKey string) *Vacuum {
	return &Vacuum{
		DUID:     duid,
		LocalKey: localKey,
		handlers: make(map[string]Handler),
		conns:    make(map[*conn]struct{}),
	}
}

// Handle registers the handler answering method.
func (v *Vacuum) Handle(method string, h Handler) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handlers[method] = h
}

// HandleResult registers a fixed result for method.
func (v *Vacuum) HandleResult(method string, result any) {
	v.Handle(method, func(json.RawMessage) (any, error) {
		return result, nil
	})
}

// SetMapData arms the map query: a get_map_v1 request is answered with
// one raw map frame echoing the request sequence instead of a dps
// envelope.
func (v *Vacuum) SetMapData(data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mapData = data
}

// Start binds an ephemeral loopback port and accepts connections until
// Close.
func (v *Vacuum) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("bind vacuum socket: %w", err)
	}
	v.ln = ln
	v.wg.Add(1)
	go v.acceptLoop(ln)
	return nil
}

// Host returns the loopback address the vacuum listens on.
func (v *Vacuum) Host() string {
	return v.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the bound TCP port.
func (v *Vacuum) Port() int {
	return v.ln.Addr().(*net.TCPAddr).Port
}

// Calls returns every rpc request received so far, in arrival order.
func (v *Vacuum) Calls() []Call {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Call, len(v.calls))
	copy(out, v.calls)
	return out
}

// CallsFor returns the received requests for one method.
func (v *Vacuum) CallsFor(method string) []Call {
	var out []Call
	for _, c := range v.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Push broadcasts one unsolicited state update to every connected
// client. Keys are numeric dps channels, values the updated states.
func (v *Vacuum) Push(dps map[string]any) error {
	envelope, err := json.Marshal(struct {
		DPS map[string]any `json:"dps"`
		T   int64          `json:"t"`
	}{dps, time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("marshal push: %w", err)
	}
	msg := &protocol.Message{
		Version:  version.V1,
		Seq:      v.seq.Add(1),
		Protocol: protocol.GeneralRequest,
		Payload:  envelope,
	}
	for _, c := range v.connList() {
		v.send(c, msg)
	}
	return nil
}

// DropConnections closes every live connection without stopping the
// listener. Clients observe a dead socket and may dial again.
func (v *Vacuum) DropConnections() {
	for _, c := range v.connList() {
		c.Close()
	}
}

// Announce sends one discovery datagram naming this vacuum to the
// given UDP port on loopback.
func (v *Vacuum) Announce(port int) error {
	ip := "127.0.0.1"
	if v.ln != nil {
		ip = v.Host()
	}
	payload, err := json.Marshal(map[string]string{
		"duid": v.DUID,
		"ip":   ip,
	})
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	data, err := protocol.Encode(&protocol.Message{
		Version:  version.V1,
		Seq:      v.seq.Add(1),
		Protocol: protocol.GeneralRequest,
		Payload:  payload,
	}, announceKey)
	if err != nil {
		return fmt.Errorf("encode announcement: %w", err)
	}

	c, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	defer c.Close()
	if _, err := c.Write(data); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	return nil
}

// Close stops the listener, drops every connection, and waits for the
// serving goroutines to finish.
func (v *Vacuum) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	ln := v.ln
	conns := make([]*conn, 0, len(v.conns))
	for c := range v.conns {
		conns = append(conns, c)
	}
	v.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	v.wg.Wait()
	return nil
}

func (v *Vacuum) acceptLoop(ln net.Listener) {
	defer v.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		vc := &conn{Conn: c}
		if !v.track(vc) {
			c.Close()
			return
		}
		v.wg.Add(1)
		go v.serve(vc)
	}
}

func (v *Vacuum) track(c *conn) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	v.conns[c] = struct{}{}
	return true
}

func (v *Vacuum) untrack(c *conn) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.conns, c)
}

func (v *Vacuum) connList() []*conn {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*conn, 0, len(v.conns))
	for c := range v.conns {
		out = append(out, c)
	}
	return out
}

// serve decodes inbound frames and answers them until the peer hangs
// up or the stream turns to garbage.
func (v *Vacuum) serve(c *conn) {
	defer v.wg.Done()
	defer v.untrack(c)
	defer c.Close()

	decoder := protocol.NewDecoder(v.LocalKey)
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			msgs, derr := decoder.Feed(buf[:n])
			for _, msg := range msgs {
				v.handleFrame(c, msg)
			}
			if derr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (v *Vacuum) handleFrame(c *conn, msg *protocol.Message) {
	switch msg.Protocol {
	case protocol.HelloRequest:
		v.send(c, &protocol.Message{Seq: msg.Seq, Protocol: protocol.HelloResponse})
	case protocol.PingRequest:
		v.send(c, &protocol.Message{Seq: msg.Seq, Protocol: protocol.PingResponse})
	case protocol.GeneralRequest, protocol.RPCRequest:
		v.handleRPC(c, msg)
	}
}

// handleRPC unpacks the request body from the dps envelope, records
// the call, and answers it.
func (v *Vacuum) handleRPC(c *conn, msg *protocol.Message) {
	payload, err := protocol.ParseV1Payload(msg.Payload)
	if err != nil {
		return
	}
	raw, ok := payload.DPS[protocol.RPCChannelRequest]
	if !ok {
		return
	}
	var embedded string
	if err := json.Unmarshal(raw, &embedded); err != nil {
		return
	}
	var body struct {
		ID     int             `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(embedded), &body); err != nil {
		return
	}

	v.mu.Lock()
	v.calls = append(v.calls, Call{ID: body.ID, Method: body.Method, Params: body.Params})
	h := v.handlers[body.Method]
	mapData := v.mapData
	v.mu.Unlock()

	if body.Method == "get_map_v1" && mapData != nil {
		v.send(c, &protocol.Message{
			Seq:      msg.Seq,
			Protocol: protocol.MapResponse,
			Payload:  mapData,
		})
		return
	}

	if h == nil {
		v.reply(c, msg.Seq, errorBody(body.ID, 1, "unsupported method "+body.Method))
		return
	}
	result, err := h(body.Params)
	if err != nil {
		v.reply(c, msg.Seq, errorBody(body.ID, 1, err.Error()))
		return
	}
	if result == nil {
		result = []string{"ok"}
	}
	inner, err := json.Marshal(struct {
		ID     int `json:"id"`
		Result any `json:"result"`
	}{body.ID, result})
	if err != nil {
		v.reply(c, msg.Seq, errorBody(body.ID, 1, "marshal result: "+err.Error()))
		return
	}
	v.reply(c, msg.Seq, inner)
}

// reply embeds an rpc body as a JSON string on the response dps
// channel and sends it, echoing the request frame sequence.
func (v *Vacuum) reply(c *conn, seq uint32, body []byte) {
	embedded, err := json.Marshal(string(body))
	if err != nil {
		return
	}
	envelope := fmt.Sprintf(`{"dps":{"%s":%s},"t":%d}`,
		protocol.RPCChannelResponse, embedded, time.Now().Unix())
	v.send(c, &protocol.Message{
		Seq:      seq,
		Protocol: protocol.GeneralResponse,
		Payload:  []byte(envelope),
	})
}

func (v *Vacuum) send(c *conn, msg *protocol.Message) {
	if msg.Version == "" {
		msg.Version = version.V1
	}
	data, err := protocol.Encode(msg, v.LocalKey)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	c.Write(data)
	c.writeMu.Unlock()
}

func errorBody(id, code int, message string) []byte {
	body, _ := json.Marshal(map[string]any{
		"id":    id,
		"error": map[string]any{"code": code, "message": message},
	})
	return body
}
