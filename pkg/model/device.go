package model

import (
	"time"
)

// DeviceInfo identifies one device from the home metadata listing.
// The triple (DUID, LocalKey, PV) is all the communication layer needs;
// the remaining fields are carried for display and diagnostics.
//
// DeviceInfo is immutable once obtained. A LocalKey change is only ever
// observed as an authentication failure after the device was re-paired,
// never inferred.
type DeviceInfo struct {
	DUID       string `json:"duid"`
	Name       string `json:"name"`
	LocalKey   string `json:"localKey"`
	ProductID  string `json:"productId"`
	SN         string `json:"sn"`
	FV         string `json:"fv"`
	PV         string `json:"pv"`
	Online     bool   `json:"online"`
	ActiveTime int64  `json:"activeTime"`
}

// NetworkInfo is the device-reported local reachability record returned
// by the get_network_info query. It is cacheable but perishable: devices
// change IP, so entries carry a fetch time and are refreshed when stale.
type NetworkInfo struct {
	SSID  string `json:"ssid"`
	IP    string `json:"ip"`
	MAC   string `json:"mac"`
	BSSID string `json:"bssid"`
	RSSI  int    `json:"rssi"`
}

// CachedNetworkInfo pairs a NetworkInfo with the time it was fetched,
// for storage in the metadata cache.
type CachedNetworkInfo struct {
	NetworkInfo
	FetchedAt time.Time `json:"fetchedAt"`
}
