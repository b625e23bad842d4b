// Package device is the composition root of the library: one Client
// per vacuum, holding both transport channels, the request correlator,
// and the capability set resolved from the device's protocol version.
//
// # Layering
//
//	┌───────────────────────────────────────┐
//	│    Client (typed, capability-gated)   │
//	├───────────────────────────────────────┤
//	│  ConnectionManager (failover, events) │
//	├───────────────────┬───────────────────┤
//	│   LocalChannel    │    MQTTChannel    │
//	└───────────────────┴───────────────────┘
//
// The connection manager prefers the local channel whenever it is
// connected and falls back to the cloud channel otherwise, per
// request. The local link is dialed opportunistically: the device IP
// comes from a cloud get_network_info query (cached with a TTL), and
// a lost local connection is retried on an exponential backoff
// schedule while traffic keeps flowing over the broker.
//
// Inbound messages that answer a pending request resolve that request;
// everything else is fanned out to Events subscribers in per-channel
// arrival order.
//
// The Manager type bundles many Clients over one shared broker
// session, which is how multi-device accounts are expected to use the
// library.
package device
