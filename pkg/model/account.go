// Package model defines the data containers shared across the library:
// the account session bundle obtained at login, per-device identity and
// reachability records, and the JSON payloads of common device queries.
//
// All types are plain data. Credential derivation and encryption live
// with the components that use them, never here.
package model

// UserData is the session bundle issued by the account login collaborator.
// The library treats it as opaque, pre-fetched input; it never performs
// login itself.
type UserData struct {
	UID         int    `json:"uid"`
	TokenType   string `json:"tokentype"`
	Token       string `json:"token"`
	RRUID       string `json:"rruid"`
	Region      string `json:"region"`
	CountryCode string `json:"countrycode"`
	Country     string `json:"country"`
	Nickname    string `json:"nickname"`
	Rriot       Rriot  `json:"rriot"`
}

// Rriot carries the IoT session credentials used to reach the cloud
// broker and to sign requests.
type Rriot struct {
	// U is the per-session user identifier.
	U string `json:"u"`
	// S is the per-session secret.
	S string `json:"s"`
	// H is the per-session HMAC key.
	H string `json:"h"`
	// K is the per-session key seed; the MQTT credentials and the
	// security-data endpoint are derived from it.
	K string `json:"k"`
	// R lists the region-suffixed service endpoints.
	R RriotEndpoints `json:"r"`
}

// RriotEndpoints are the region endpoints named in the session bundle.
type RriotEndpoints struct {
	// R is the region code, e.g. "eu" or "us".
	R string `json:"r"`
	// A is the REST API base URL.
	A string `json:"a"`
	// M is the MQTT broker URL, e.g. "ssl://mqtt-eu-3.roborock.com:8883".
	M string `json:"m"`
	// L is the log upload endpoint.
	L string `json:"l"`
}
