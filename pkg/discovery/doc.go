// Package discovery finds vacuums on the home network.
//
// Devices make themselves findable two ways:
//
// # Broadcast announcements (UDP 58866)
//
// A device announces itself every few seconds with a UDP broadcast on
// port 58866: a standard wire frame encrypted under a fixed well-known
// key, carrying a JSON body with the device id and its current IP.
// BroadcastListener binds the announcement port and streams decoded
// announcements, one per device until its address changes.
//
// # mDNS (_miio._udp)
//
// Devices running vendor firmware also advertise the miio service via
// mDNS. The instance name encodes the product model and a numeric
// device id, e.g. "roborock-vacuum-s5_miio260426251". Browser wraps a
// zeroconf browse and aggregates entries across interfaces.
//
// Neither path yields credentials. Announcements identify devices and
// their addresses; local keys still come from account data.
package discovery
