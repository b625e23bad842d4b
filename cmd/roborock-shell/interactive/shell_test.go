package interactive

import (
	"testing"

	"github.com/roborock-community/roborock-go/pkg/device"
	"github.com/roborock-community/roborock-go/pkg/model"
)

func TestParseFanLevel(t *testing.T) {
	tests := []struct {
		arg     string
		want    int
		wantErr bool
	}{
		{arg: "quiet", want: model.FanPowerQuiet},
		{arg: "Balanced", want: model.FanPowerBalanced},
		{arg: "TURBO", want: model.FanPowerTurbo},
		{arg: "max", want: model.FanPowerMax},
		{arg: "off", want: model.FanPowerOff},
		{arg: "104", want: 104},
		{arg: "fast", wantErr: true},
		{arg: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseFanLevel(tt.arg)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseFanLevel(%q): expected error", tt.arg)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseFanLevel(%q): %v", tt.arg, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseFanLevel(%q) = %d, want %d", tt.arg, got, tt.want)
		}
	}
}

func TestFanName(t *testing.T) {
	if got := fanName(model.FanPowerBalanced); got != "balanced" {
		t.Errorf("fanName(balanced) = %q", got)
	}
	if got := fanName(42); got != "42" {
		t.Errorf("fanName(42) = %q", got)
	}
}

func TestShortDUID(t *testing.T) {
	if got := shortDUID("abcdefghijkl"); got != "abcdefgh" {
		t.Errorf("shortDUID = %q", got)
	}
	if got := shortDUID("abc"); got != "abc" {
		t.Errorf("shortDUID = %q", got)
	}
}

func testShell(t *testing.T) *Shell {
	t.Helper()

	userData := model.UserData{
		Rriot: model.Rriot{
			U: "user123",
			S: "sessionsecret",
			K: "keyseed0",
			R: model.RriotEndpoints{R: "eu", M: "ssl://broker.test:8883"},
		},
	}
	devices := []model.DeviceInfo{
		{DUID: "rr-device-one", Name: "Upstairs", LocalKey: "16byteslocalkey0", PV: "1.0"},
		{DUID: "rr-device-two", Name: "Downstairs", LocalKey: "16byteslocalkey1", PV: "1.0"},
	}

	manager, err := device.NewManager(userData, devices, device.ManagerConfig{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { manager.Close() })

	return &Shell{manager: manager}
}

func TestFindDevice(t *testing.T) {
	s := testShell(t)

	tests := []struct {
		query string
		duid  string
		found bool
	}{
		{query: "rr-device-one", duid: "rr-device-one", found: true},
		{query: "Upstairs", duid: "rr-device-one", found: true},
		{query: "downstairs", duid: "rr-device-two", found: true},
		{query: "device-two", duid: "rr-device-two", found: true},
		{query: "attic", found: false},
	}

	for _, tt := range tests {
		info, ok := s.findDevice(tt.query)
		if ok != tt.found {
			t.Errorf("findDevice(%q) found = %v, want %v", tt.query, ok, tt.found)
			continue
		}
		if ok && info.DUID != tt.duid {
			t.Errorf("findDevice(%q) = %s, want %s", tt.query, info.DUID, tt.duid)
		}
	}
}
