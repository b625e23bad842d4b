package model

import (
	"encoding/json"
	"testing"
)

func TestUserDataUnmarshal(t *testing.T) {
	raw := `{
		"uid": 123456,
		"tokentype": "",
		"token": "abc123",
		"rruid": "rr0123456789",
		"region": "eu",
		"countrycode": "49",
		"country": "DE",
		"nickname": "tester",
		"rriot": {
			"u": "user123",
			"s": "sess456",
			"h": "hmac789",
			"k": "keyseed0",
			"r": {
				"r": "EU",
				"a": "https://api-eu.roborock.com",
				"m": "ssl://mqtt-eu-3.roborock.com:8883",
				"l": "https://wood-eu.roborock.com"
			}
		}
	}`

	var ud UserData
	if err := json.Unmarshal([]byte(raw), &ud); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ud.UID != 123456 {
		t.Errorf("UID = %d, want 123456", ud.UID)
	}
	if ud.Rriot.U != "user123" || ud.Rriot.K != "keyseed0" {
		t.Errorf("rriot = %+v", ud.Rriot)
	}
	if ud.Rriot.R.M != "ssl://mqtt-eu-3.roborock.com:8883" {
		t.Errorf("mqtt endpoint = %q", ud.Rriot.R.M)
	}
}

func TestDeviceInfoUnmarshal(t *testing.T) {
	raw := `{
		"duid": "abc123DUID",
		"name": "Roborock S7",
		"localKey": "0geZKM8gZkySDz8O",
		"productId": "prod1",
		"sn": "SN12345",
		"fv": "02.56.02",
		"pv": "1.0",
		"online": true,
		"activeTime": 1700000000
	}`

	var di DeviceInfo
	if err := json.Unmarshal([]byte(raw), &di); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if di.DUID != "abc123DUID" {
		t.Errorf("DUID = %q", di.DUID)
	}
	if di.LocalKey != "0geZKM8gZkySDz8O" {
		t.Errorf("LocalKey = %q", di.LocalKey)
	}
	if di.PV != "1.0" || !di.Online {
		t.Errorf("PV = %q, Online = %v", di.PV, di.Online)
	}
}

func TestStatusUnmarshal(t *testing.T) {
	raw := `{"msg_ver":2,"msg_seq":458,"state":8,"battery":100,
		"clean_time":2253,"clean_area":35545000,"error_code":0,
		"map_present":1,"in_cleaning":0,"in_returning":0,
		"fan_power":102,"dnd_enabled":0,"lock_status":0}`

	var st Status
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.State != 8 || st.Battery != 100 {
		t.Errorf("state=%d battery=%d", st.State, st.Battery)
	}
	if StateName(st.State) != "charging" {
		t.Errorf("StateName(8) = %q, want charging", StateName(st.State))
	}
}

func TestStateNameUnknown(t *testing.T) {
	if got := StateName(999); got != "unknown" {
		t.Errorf("StateName(999) = %q", got)
	}
}
