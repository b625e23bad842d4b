// Package transport provides the two paths a message can take to a
// vacuum: a TCP socket on the home network and the vendor's MQTT
// broker.
//
// The transport layer handles:
//   - TCP dial and hello/ping handshake for the local path
//   - Broker session sharing and per-device topic routing for the
//     cloud path
//   - Keep-alive probing for local connection liveness
//   - Connection state management and loss reporting
//
// # Protocol Stack
//
//	┌───────────────────────────────────────┐
//	│           JSON RPC payloads           │
//	├───────────────────────────────────────┤
//	│    Encrypted frames (AES + CRC-32)    │
//	├───────────────────┬───────────────────┤
//	│    TCP :58867     │   MQTT over TLS   │
//	└───────────────────┴───────────────────┘
//
// Both paths carry identical frames; only the dial and delivery
// mechanics differ. Channels decode inbound bytes into
// protocol.Message values and stay out of request/response pairing,
// which belongs to the layers above.
//
// # Keep-Alive
//
// The local socket is probed with protocol-level ping/pong:
//   - Ping interval: 30 seconds
//   - Pong timeout: 5 seconds
//   - Max missed pongs: 3
//   - Maximum detection delay: 95 seconds
//
// The broker path relies on MQTT keep-alive (60 seconds) instead; the
// shared session reports connectivity changes to every attached
// channel.
package transport
