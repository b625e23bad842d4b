package device

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roborock-community/roborock-go/pkg/capability"
)

// Well-known v1 method names.
const (
	methodGetStatus       = "get_status"
	methodGetNetworkInfo  = "get_network_info"
	methodGetCleanSummary = "get_clean_summary"
	methodSetCustomMode   = "set_custom_mode"
	methodAppStart        = "app_start"
	methodAppStop         = "app_stop"
	methodAppPause        = "app_pause"
	methodAppCharge       = "app_charge"
	methodGetMap          = "get_map_v1"
)

// methodOperations gates the generic Send path: a known method needs
// its operation in the device's capability set before it goes out.
var methodOperations = map[string]capability.Operation{
	methodGetStatus:       capability.OpStatus,
	methodGetNetworkInfo:  capability.OpNetworkInfo,
	methodGetCleanSummary: capability.OpCleanSummary,
	methodSetCustomMode:   capability.OpSetFanSpeed,
	methodAppStart:        capability.OpAppStart,
	methodAppStop:         capability.OpAppStop,
	methodAppPause:        capability.OpAppPause,
	methodAppCharge:       capability.OpAppCharge,
	methodGetMap:          capability.OpMap,
}

// cloudOnlyMethods are queries the device only answers over the
// broker; sending them on the local socket gets no response.
var cloudOnlyMethods = map[string]bool{
	methodGetNetworkInfo: true,
}

// securedMethods carry the session security block and are answered
// with a map frame correlated by frame sequence instead of an rpc
// body.
var securedMethods = map[string]bool{
	methodGetMap: true,
}

// isGetMethod reports whether a method is a read query. Local devices
// echo the inner request id only for read queries; command responses
// carry just the frame sequence.
func isGetMethod(method string) bool {
	return strings.HasPrefix(method, "get")
}

// unmarshalResult decodes an rpc result into out. Devices wrap most
// object results in a single-element array.
func unmarshalResult(raw json.RawMessage, out any) error {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil && len(list) == 1 {
		if err := json.Unmarshal(list[0], out); err == nil {
			return nil
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
