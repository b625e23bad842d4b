package model

// Status is the JSON result of the get_status query on v1 devices.
// Field names mirror the device payload (snake_case).
type Status struct {
	MsgVer      int `json:"msg_ver"`
	MsgSeq      int `json:"msg_seq"`
	State       int `json:"state"`
	Battery     int `json:"battery"`
	CleanTime   int `json:"clean_time"`
	CleanArea   int `json:"clean_area"`
	ErrorCode   int `json:"error_code"`
	MapPresent  int `json:"map_present"`
	InCleaning  int `json:"in_cleaning"`
	InReturning int `json:"in_returning"`
	FanPower    int `json:"fan_power"`
	DNDEnabled  int `json:"dnd_enabled"`
	LockStatus  int `json:"lock_status"`
}

// CleanSummary is the JSON result of the get_clean_summary query.
type CleanSummary struct {
	CleanTime  int64   `json:"clean_time"`
	CleanArea  int64   `json:"clean_area"`
	CleanCount int     `json:"clean_count"`
	Records    []int64 `json:"records"`
}

// Fan power presets understood by set_custom_mode on v1 devices.
const (
	FanPowerQuiet    = 101
	FanPowerBalanced = 102
	FanPowerTurbo    = 103
	FanPowerMax      = 104
	FanPowerOff      = 105
)

// stateNames maps Status.State codes to their reported meanings.
var stateNames = map[int]string{
	1:   "starting",
	2:   "charger_disconnected",
	3:   "idle",
	4:   "remote_control_active",
	5:   "cleaning",
	6:   "returning_home",
	7:   "manual_mode",
	8:   "charging",
	9:   "charging_problem",
	10:  "paused",
	11:  "spot_cleaning",
	12:  "error",
	13:  "shutting_down",
	14:  "updating",
	15:  "docking",
	16:  "going_to_target",
	17:  "zoned_cleaning",
	18:  "segment_cleaning",
	22:  "emptying_the_bin",
	23:  "washing_the_mop",
	26:  "going_to_wash_the_mop",
	100: "charging_complete",
	101: "device_offline",
}

// StateName returns the human-readable name for a Status.State code.
func StateName(code int) string {
	if name, ok := stateNames[code]; ok {
		return name
	}
	return "unknown"
}
